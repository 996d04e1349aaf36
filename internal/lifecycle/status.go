package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/freifunk-graviton/hybridmac/internal/policy"
)

// Event describes one finished lifecycle operation. Records counts the
// table entries rendered into Config.
type Event struct {
	Action   string
	Before   State
	After    State
	Config   string
	Records  int
	Reply    string
	Err      error
	Duration time.Duration
}

// Auditor receives every lifecycle operation outcome.
type Auditor interface {
	Record(ctx context.Context, ev Event)
}

// Auditors fans events out to several auditors in order.
type Auditors []Auditor

// Record implements Auditor.
func (as Auditors) Record(ctx context.Context, ev Event) {
	for _, a := range as {
		a.Record(ctx, ev)
	}
}

// Status is a point-in-time view of the controller.
type Status struct {
	State        State     `json:"state"`
	Since        time.Time `json:"since"`
	PID          int       `json:"pid,omitempty"`
	SlotCount    int       `json:"slotCount"`
	SlotDuration int64     `json:"slotDurationUs"`
	Interface    string    `json:"interface"`
	Config       string    `json:"config"`
	Records      int       `json:"records"`
	LastReply    string    `json:"lastReply,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	frame := c.table.Superframe()
	st := Status{
		State:        c.state,
		Since:        c.since,
		SlotCount:    frame.SlotCount,
		SlotDuration: frame.Micros(),
		Interface:    c.cfg.Interface,
		Config:       c.ConfigString(),
		Records:      len(c.table.Entries()),
		LastReply:    c.lastReply,
	}
	if c.process != nil {
		st.PID = c.process.PID
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Guarded serializes access to a Controller shared by several callers, such
// as concurrent HTTP handlers.
type Guarded struct {
	mu sync.Mutex
	c  *Controller
}

// NewGuarded wraps c. Callers must not use c directly afterwards.
func NewGuarded(c *Controller) *Guarded {
	return &Guarded{c: c}
}

// Do runs fn with exclusive access to the controller.
func (g *Guarded) Do(fn func(c *Controller) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.c)
}

// Table runs fn with exclusive access to the policy table.
func (g *Guarded) Table(fn func(t *policy.Table) error) error {
	return g.Do(func(c *Controller) error { return fn(c.Table()) })
}
