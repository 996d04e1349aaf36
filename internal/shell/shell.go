// Package shell provides the interactive operator console for the
// hybrid MAC controller.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
	"github.com/freifunk-graviton/hybridmac/internal/policy"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage")

// Shell dispatches operator commands to a shared controller.
type Shell struct {
	ctrl *lifecycle.Guarded
	out  io.Writer
	log  zerolog.Logger
}

// New creates a shell writing command output to out.
func New(ctrl *lifecycle.Guarded, out io.Writer, logger zerolog.Logger) *Shell {
	return &Shell{
		ctrl: ctrl,
		out:  out,
		log:  logger.With().Str("component", "shell").Logger(),
	}
}

// Run starts the interactive command loop and returns when the operator
// quits, input ends or ctx is cancelled.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hybridmac> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	// Output must go through readline so it does not clobber the prompt.
	s.out = rl.Stdout()
	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(s.out, "Exiting...")
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		}

		quit, err := s.Exec(ctx, line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}
	}
}

// Exec runs one command line. It reports whether the operator asked to quit.
func (s *Shell) Exec(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "show", "ls":
		return false, s.cmdShow(args)
	case "set":
		return false, s.cmdSet(args)
	case "allow":
		return false, s.cmdAllow(args)
	case "block":
		return false, s.cmdBlock(args)
	case "tos":
		return false, s.cmdToS(args)
	case "config":
		return false, s.cmdConfig()
	case "status", "st":
		return false, s.cmdStatus()
	case "install", "update", "uninstall":
		return false, s.cmdLifecycle(ctx, cmd)
	case "quit", "exit", "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
	return false, nil
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Hybrid MAC Commands:
  Policy:
    show [slot]                  - Show one slot or every populated slot
    set <slot> <addr>=<mask>...  - Replace a slot's entries (mask 0-255 or 0x..)
    allow <slot>                 - Admit every station on every TID
    block <slot>                 - Clear a slot (no traffic)
    tos <slot> <addr> <tos>...   - Admit addr on the TIDs of the given ToS bytes
    config                       - Print the serialized configuration

  Daemon:
    install                      - Launch the daemon with the current table
    update                       - Push the current table to the daemon
    uninstall                    - Push the table, wait, then terminate
    status                       - Show lifecycle state

    help                         - Show this help
    quit                         - Exit`)
}

func (s *Shell) cmdShow(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: show [slot]", ErrUsage)
	}
	return s.ctrl.Table(func(t *policy.Table) error {
		slots := t.Slots()
		if len(args) == 1 {
			slot, err := parseSlot(args[0])
			if err != nil {
				return err
			}
			slots = []int{slot}
		}
		if len(slots) == 0 {
			fmt.Fprintln(s.out, "No slots configured (all slots carry no traffic)")
			return nil
		}
		for _, slot := range slots {
			entries, err := t.Policy(slot)
			if err != nil {
				return err
			}
			s.printSlot(slot, entries)
		}
		return nil
	})
}

func (s *Shell) printSlot(slot int, entries []policy.Entry) {
	if len(entries) == 0 {
		fmt.Fprintf(s.out, "slot %d: (empty)\n", slot)
		return
	}
	fmt.Fprintf(s.out, "slot %d:\n", slot)
	for _, e := range entries {
		fmt.Fprintf(s.out, "  %s  mask=%-3d tids=%s\n", e.Address, uint8(e.Mask), e.Mask)
	}
}

func (s *Shell) cmdSet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: set <slot> <addr>=<mask>...", ErrUsage)
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}

	entries := make([]policy.Entry, 0, len(args)-1)
	for _, arg := range args[1:] {
		addrText, maskText, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("%w: entry %q must be <addr>=<mask>", ErrUsage, arg)
		}
		addr, err := policy.ParseAddress(addrText)
		if err != nil {
			return err
		}
		mask, err := parseByte(maskText)
		if err != nil {
			return fmt.Errorf("entry %q: %w", arg, err)
		}
		entries = append(entries, policy.Entry{Address: addr, Mask: policy.TIDMask(mask)})
	}

	return s.mutate(slot, func(t *policy.Table) error { return t.SetPolicy(slot, entries) })
}

func (s *Shell) cmdAllow(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: allow <slot>", ErrUsage)
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	return s.mutate(slot, func(t *policy.Table) error { return t.SetAllowAll(slot) })
}

func (s *Shell) cmdBlock(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: block <slot>", ErrUsage)
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	return s.mutate(slot, func(t *policy.Table) error { return t.RemovePolicy(slot) })
}

func (s *Shell) cmdToS(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: tos <slot> <addr> <tos>...", ErrUsage)
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	addr, err := policy.ParseAddress(args[1])
	if err != nil {
		return err
	}
	tos := make([]uint8, 0, len(args)-2)
	for _, arg := range args[2:] {
		v, err := parseByte(arg)
		if err != nil {
			return fmt.Errorf("tos %q: %w", arg, err)
		}
		tos = append(tos, v)
	}
	return s.mutate(slot, func(t *policy.Table) error { return t.AddEntryByToS(slot, addr, tos) })
}

// mutate applies fn and echoes the slot's resulting policy.
func (s *Shell) mutate(slot int, fn func(t *policy.Table) error) error {
	return s.ctrl.Table(func(t *policy.Table) error {
		if err := fn(t); err != nil {
			return err
		}
		entries, err := t.Policy(slot)
		if err != nil {
			return err
		}
		s.printSlot(slot, entries)
		return nil
	})
}

func (s *Shell) cmdConfig() error {
	return s.ctrl.Do(func(c *lifecycle.Controller) error {
		config := c.ConfigString()
		if config == "" {
			fmt.Fprintln(s.out, "(empty)")
			return nil
		}
		fmt.Fprintln(s.out, config)
		return nil
	})
}

func (s *Shell) cmdStatus() error {
	return s.ctrl.Do(func(c *lifecycle.Controller) error {
		st := c.Status()
		fmt.Fprintf(s.out, "State:      %s (since %s)\n", st.State, st.Since.Format("15:04:05"))
		if st.PID != 0 {
			fmt.Fprintf(s.out, "PID:        %d\n", st.PID)
		}
		fmt.Fprintf(s.out, "Interface:  %s\n", st.Interface)
		fmt.Fprintf(s.out, "Superframe: %d slots x %dus\n", st.SlotCount, st.SlotDuration)
		fmt.Fprintf(s.out, "Records:    %d\n", st.Records)
		if st.LastReply != "" {
			fmt.Fprintf(s.out, "Last reply: %s\n", st.LastReply)
		}
		if st.LastError != "" {
			fmt.Fprintf(s.out, "Last error: %s\n", st.LastError)
		}
		return nil
	})
}

func (s *Shell) cmdLifecycle(ctx context.Context, action string) error {
	return s.ctrl.Do(func(c *lifecycle.Controller) error {
		var reply string
		var err error
		switch action {
		case "install":
			err = c.Install(ctx)
		case "update":
			reply, err = c.Update(ctx)
		case "uninstall":
			reply, err = c.Uninstall(ctx)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("action", action).Msg("lifecycle command failed")
			return fmt.Errorf("%s failed [%s]: %w", action, lifecycle.Code(err), err)
		}
		if reply != "" {
			fmt.Fprintf(s.out, "%s: %s (state %s)\n", action, reply, c.State())
		} else {
			fmt.Fprintf(s.out, "%s: ok (state %s)\n", action, c.State())
		}
		return nil
	})
}

func parseSlot(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: slot %q is not an integer", ErrUsage, s)
	}
	return slot, nil
}

// parseByte accepts decimal, 0x hex or 0b binary values in [0, 255].
func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a value in [0, 255]", ErrUsage, s)
	}
	return uint8(v), nil
}
