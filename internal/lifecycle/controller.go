// Package lifecycle drives install, update and uninstall of the scheduling
// daemon and gates them on the daemon's known state.
//
//	NotRunning --Install--> Running --Uninstall (TERMINATE confirmed)--> NotRunning
//
// Update keeps the state. A state only advances on a confirmed exchange: a
// timed out request never moves the controller to NotRunning.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/launcher"
	"github.com/freifunk-graviton/hybridmac/internal/policy"
	"github.com/freifunk-graviton/hybridmac/internal/schedconf"
)

// DefaultGracePeriod lets in-flight traffic drain under the final policy
// before TERMINATE is sent.
const DefaultGracePeriod = 2 * time.Second

// Requester is the request-reply channel to the daemon.
type Requester interface {
	Request(ctx context.Context, payload string) (string, error)
}

// ChannelFactory opens the control channel. The controller calls it at most
// once, on the first operation that needs the channel.
type ChannelFactory func() Requester

// Config holds the daemon invocation and timing settings.
type Config struct {
	Binary     string
	Interface  string
	DebugLevel int

	// GracePeriod is the pause between the final configuration push and
	// TERMINATE.
	GracePeriod time.Duration

	// ReadyEndpoint, ReadyAttempts and ReadyInterval configure the readiness
	// probe run before the first channel request after Install. A zero
	// ReadyAttempts disables the probe.
	ReadyEndpoint string
	ReadyAttempts int
	ReadyInterval time.Duration
}

// Controller owns the policy table, the lifecycle state and the control
// channel of one daemon instance. Its methods must not be called
// concurrently; use Guarded to share a controller.
type Controller struct {
	cfg        Config
	table      *policy.Table
	launcher   launcher.Launcher
	newChannel ChannelFactory
	channel    Requester
	auditor    Auditor
	log        zerolog.Logger

	state     State
	since     time.Time
	process   *launcher.Process
	needProbe bool
	lastReply string
	lastErr   error

	sleep func(ctx context.Context, d time.Duration) error
	probe func(ctx context.Context) error
}

// NewController creates a controller in the NotRunning state.
func NewController(table *policy.Table, cfg Config, l launcher.Launcher, channel ChannelFactory, logger zerolog.Logger) *Controller {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	c := &Controller{
		cfg:        cfg,
		table:      table,
		launcher:   l,
		newChannel: channel,
		log:        logger.With().Str("component", "lifecycle").Logger(),
		state:      NotRunning,
		since:      time.Now(),
		sleep:      sleepContext,
	}
	if cfg.ReadyAttempts > 0 && cfg.ReadyEndpoint != "" {
		c.probe = func(ctx context.Context) error {
			return control.WaitReady(ctx, cfg.ReadyEndpoint, cfg.ReadyAttempts, cfg.ReadyInterval)
		}
	}
	return c
}

// SetAuditor attaches an audit sink for lifecycle operations.
func (c *Controller) SetAuditor(a Auditor) {
	c.auditor = a
}

// Table returns the policy table for mutation by the operator.
func (c *Controller) Table() *policy.Table {
	return c.table
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// ConfigString renders the current table in daemon wire form.
func (c *Controller) ConfigString() string {
	return schedconf.Serialize(c.table)
}

// Install launches the daemon with the current table.
func (c *Controller) Install(ctx context.Context) (err error) {
	start, before := time.Now(), c.state
	config := c.ConfigString()
	defer func() { c.finish(ctx, "install", before, start, config, "", err) }()

	if c.state != NotRunning {
		return &TransitionError{Op: "install", State: c.state}
	}

	frame := c.table.Superframe()
	proc, err := c.launcher.Launch(ctx, launcher.Spec{
		Binary:       c.cfg.Binary,
		Interface:    c.cfg.Interface,
		DebugLevel:   c.cfg.DebugLevel,
		SlotDuration: frame.SlotDuration,
		SlotCount:    frame.SlotCount,
		Config:       config,
	})
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	c.process = proc
	c.needProbe = c.probe != nil
	c.setState(Running)
	return nil
}

// Update pushes the current table to the running daemon and returns its
// reply. On timeout the daemon may or may not have applied the push.
func (c *Controller) Update(ctx context.Context) (reply string, err error) {
	start, before := time.Now(), c.state
	config := c.ConfigString()
	defer func() { c.finish(ctx, "update", before, start, config, reply, err) }()

	if c.state != Running {
		return "", &TransitionError{Op: "update", State: c.state}
	}

	reply, err = c.request(ctx, config)
	if err != nil {
		return "", fmt.Errorf("update: %w", err)
	}
	return reply, nil
}

// Uninstall pushes the current table, waits the grace period, and asks the
// daemon to terminate. The state becomes NotRunning only after the daemon
// answered TERMINATE. Uninstall of a stopped daemon is a no-op.
func (c *Controller) Uninstall(ctx context.Context) (reply string, err error) {
	if c.state == NotRunning {
		return "", nil
	}

	start, before := time.Now(), c.state
	config := c.ConfigString()
	defer func() { c.finish(ctx, "uninstall", before, start, config, reply, err) }()

	if _, err := c.request(ctx, config); err != nil {
		return "", fmt.Errorf("uninstall: final configuration: %w", err)
	}

	if err := c.sleep(ctx, c.cfg.GracePeriod); err != nil {
		return "", fmt.Errorf("uninstall: grace period: %w", err)
	}

	reply, err = c.request(ctx, schedconf.TerminateToken)
	if err != nil {
		return "", fmt.Errorf("uninstall: terminate: %w", err)
	}

	c.process = nil
	c.setState(NotRunning)
	return reply, nil
}

// request runs the readiness probe once after Install, then sends payload
// over the lazily opened channel.
func (c *Controller) request(ctx context.Context, payload string) (string, error) {
	if c.needProbe {
		if err := c.probe(ctx); err != nil {
			return "", err
		}
		c.needProbe = false
	}

	if c.channel == nil {
		c.channel = c.newChannel()
	}
	return c.channel.Request(ctx, payload)
}

func (c *Controller) setState(s State) {
	c.log.Info().Stringer("from", c.state).Stringer("to", s).Msg("state changed")
	c.state = s
	c.since = time.Now()
}

func (c *Controller) finish(ctx context.Context, action string, before State, start time.Time, config, reply string, err error) {
	c.lastReply, c.lastErr = reply, err

	ev := c.log.Info()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("action", action).
		Stringer("state", c.state).
		Str("reply", reply).
		Dur("took", time.Since(start)).
		Msg("lifecycle operation")

	if c.auditor != nil {
		c.auditor.Record(ctx, Event{
			Action:   action,
			Before:   before,
			After:    c.state,
			Config:   config,
			Records:  len(c.table.Entries()),
			Reply:    reply,
			Err:      err,
			Duration: time.Since(start),
		})
	}
}

// Close releases the control channel if one was opened. The daemon itself
// is left untouched.
func (c *Controller) Close() error {
	if closer, ok := c.channel.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
