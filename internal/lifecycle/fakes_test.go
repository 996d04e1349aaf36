package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/launcher"
)

// fakeLauncher records launches and optionally fails them.
type fakeLauncher struct {
	mu    sync.Mutex
	specs []launcher.Spec
	err   error
}

var _ launcher.Launcher = (*fakeLauncher)(nil)

func (f *fakeLauncher) Launch(_ context.Context, spec launcher.Spec) (*launcher.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	return &launcher.Process{PID: 4242, Path: spec.Binary, Started: time.Now()}, nil
}

func (f *fakeLauncher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// fakeChannel answers requests from a script keyed by payload.
type fakeChannel struct {
	mu       sync.Mutex
	payloads []string
	// fail maps a payload to the error returned for it
	fail   map[string]error
	closed bool
}

var _ Requester = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{fail: make(map[string]error)}
}

func (f *fakeChannel) Request(_ context.Context, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	if err, ok := f.fail[payload]; ok {
		return "", err
	}
	if payload == "TERMINATE" {
		return "TERMINATING", nil
	}
	return fmt.Sprintf("OK %d bytes", len(payload)), nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

// channelCounter wraps a fakeChannel and counts factory calls.
type channelCounter struct {
	ch     *fakeChannel
	opened int
}

func (c *channelCounter) factory() Requester {
	c.opened++
	return c.ch
}

// recordingAuditor keeps every event.
type recordingAuditor struct {
	events []Event
}

func (r *recordingAuditor) Record(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

// sleepRecorder replaces the grace sleep.
type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

var errTimeout = fmt.Errorf("%w: no reply", control.ErrTimeout)
