// Package launcher starts the external scheduling daemon.
//
// Launching is fire-and-forget: Launch returns as soon as the child process
// exists. The daemon is not owned by the caller. It is never killed or
// restarted from here and is only reachable afterwards through the control
// channel.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrLaunchFailed is returned when the daemon binary is missing or cannot be spawned.
var ErrLaunchFailed = errors.New("LAUNCH_FAILED")

// Spec describes one daemon invocation.
type Spec struct {
	Binary       string
	Interface    string
	DebugLevel   int
	SlotDuration time.Duration
	SlotCount    int
	Config       string
}

// Args renders the daemon command line. Values are glued to their flags
// except for the debug level, matching the daemon's getopt parsing. An empty
// configuration is passed as a separate empty argument; a bare "-c" carries
// no value.
func (s Spec) Args() []string {
	args := []string{
		"-d", strconv.Itoa(s.DebugLevel),
		"-i" + s.Interface,
		"-f" + strconv.FormatInt(s.SlotDuration.Microseconds(), 10),
		"-n" + strconv.Itoa(s.SlotCount),
	}
	if s.Config == "" {
		return append(args, "-c", "")
	}
	return append(args, "-c"+s.Config)
}

// Process identifies a started daemon.
type Process struct {
	PID     int
	Path    string
	Started time.Time
}

// Launcher abstracts daemon start-up for the lifecycle controller.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Process, error)
}

// ExecLauncher starts the daemon on the local host via os/exec.
type ExecLauncher struct {
	Logger zerolog.Logger
}

// NewExecLauncher creates a launcher that logs through logger.
func NewExecLauncher(logger zerolog.Logger) *ExecLauncher {
	return &ExecLauncher{Logger: logger.With().Str("component", "launcher").Logger()}
}

// Launch resolves spec.Binary and starts it detached in its own process group.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	path, err := exec.LookPath(spec.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrLaunchFailed, spec.Binary, err)
	}

	// Not tied to ctx: the daemon must outlive the call that started it.
	cmd := exec.Command(path, spec.Args()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrLaunchFailed, path, err)
	}

	proc := &Process{
		PID:     cmd.Process.Pid,
		Path:    path,
		Started: time.Now(),
	}

	l.Logger.Info().
		Int("pid", proc.PID).
		Str("binary", path).
		Strs("args", spec.Args()).
		Msg("daemon started")

	// Collect the exit status so the child does not linger as a zombie.
	go func() {
		err := cmd.Wait()
		ev := l.Logger.Info()
		if err != nil {
			ev = l.Logger.Warn().Err(err)
		}
		ev.Int("pid", proc.PID).Msg("daemon exited")
	}()

	return proc, nil
}
