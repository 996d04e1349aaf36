package shell

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/launcher"
	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
	"github.com/freifunk-graviton/hybridmac/internal/policy"
)

type stubLauncher struct {
	specs []launcher.Spec
}

func (s *stubLauncher) Launch(_ context.Context, spec launcher.Spec) (*launcher.Process, error) {
	s.specs = append(s.specs, spec)
	return &launcher.Process{PID: 7, Path: spec.Binary, Started: time.Now()}, nil
}

type stubChannel struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (s *stubChannel) Request(_ context.Context, payload string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	if s.err != nil {
		return "", s.err
	}
	if payload == "TERMINATE" {
		return "TERMINATING", nil
	}
	return "OK", nil
}

type harness struct {
	sh       *Shell
	out      *bytes.Buffer
	ctrl     *lifecycle.Controller
	launcher *stubLauncher
	channel  *stubChannel
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{out: &bytes.Buffer{}, launcher: &stubLauncher{}, channel: &stubChannel{}}
	table := policy.NewTable(policy.Superframe{SlotCount: 4, SlotDuration: 2 * time.Millisecond})
	h.ctrl = lifecycle.NewController(table, lifecycle.Config{
		Binary:      "hybrid-mac",
		Interface:   "wlan0",
		GracePeriod: time.Millisecond,
	}, h.launcher, func() lifecycle.Requester { return h.channel }, zerolog.Nop())
	h.sh = New(lifecycle.NewGuarded(h.ctrl), h.out, zerolog.Nop())
	return h
}

func (h *harness) exec(t *testing.T, line string) (string, error) {
	t.Helper()
	h.out.Reset()
	quit, err := h.sh.Exec(context.Background(), line)
	assert.False(t, quit)
	return h.out.String(), err
}

func TestExecBlankLine(t *testing.T) {
	h := newHarness(t)

	quit, err := h.sh.Exec(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Empty(t, h.out.String())
}

func TestExecQuit(t *testing.T) {
	for _, line := range []string{"quit", "exit", "q", "QUIT"} {
		t.Run(line, func(t *testing.T) {
			h := newHarness(t)
			quit, err := h.sh.Exec(context.Background(), line)
			require.NoError(t, err)
			assert.True(t, quit)
		})
	}
}

func TestExecHelp(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec(t, "help")
	require.NoError(t, err)
	assert.Contains(t, out, "uninstall")
	assert.Contains(t, out, "tos <slot> <addr> <tos>")
}

func TestExecPolicyCommands(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec(t, "show")
	require.NoError(t, err)
	assert.Contains(t, out, "No slots configured")

	out, err = h.exec(t, "allow 0")
	require.NoError(t, err)
	assert.Contains(t, out, "FF:FF:FF:FF:FF:FF  mask=255")

	out, err = h.exec(t, "set 1 02:00:00:00:00:0a=0x81 02:00:00:00:00:0b=3")
	require.NoError(t, err)
	assert.Contains(t, out, "02:00:00:00:00:0A  mask=129 tids={0,7}")
	assert.Contains(t, out, "02:00:00:00:00:0B  mask=3")

	// ToS 0x0E maps to TID 7, ToS 0x00 to TID 0; both already set.
	_, err = h.exec(t, "tos 1 02:00:00:00:00:0A 14 0")
	require.NoError(t, err)

	out, err = h.exec(t, "config")
	require.NoError(t, err)
	assert.Equal(t, "0,FF:FF:FF:FF:FF:FF,255#1,02:00:00:00:00:0A,129#1,02:00:00:00:00:0B,3\n", out)

	out, err = h.exec(t, "block 0")
	require.NoError(t, err)
	assert.Contains(t, out, "slot 0: (empty)")

	out, err = h.exec(t, "show 0")
	require.NoError(t, err)
	assert.Equal(t, "slot 0: (empty)\n", out)

	out, err = h.exec(t, "config")
	require.NoError(t, err)
	assert.Equal(t, "1,02:00:00:00:00:0A,129#1,02:00:00:00:00:0B,3\n", out)
}

func TestExecToSAddsToExistingMask(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec(t, "set 2 02:00:00:00:00:01=1")
	require.NoError(t, err)

	// ToS 0x04 has priority 2.
	out, err := h.exec(t, "tos 2 02:00:00:00:00:01 0x04")
	require.NoError(t, err)
	assert.Contains(t, out, "mask=5")
}

func TestExecErrors(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		usage   bool
		outside bool
	}{
		{name: "unknown command", line: "frobnicate"},
		{name: "set without slot", line: "set", usage: true},
		{name: "slot not integer", line: "allow one", usage: true},
		{name: "slot out of range", line: "allow 4", outside: true},
		{name: "negative slot", line: "block -1", outside: true},
		{name: "show out of range", line: "show 9", outside: true},
		{name: "entry without mask", line: "set 0 02:00:00:00:00:01", usage: true},
		{name: "mask too large", line: "set 0 02:00:00:00:00:01=256", usage: true},
		{name: "bad address", line: "set 0 02:00:00=1"},
		{name: "tos missing values", line: "tos 0 02:00:00:00:00:01", usage: true},
		{name: "tos value too large", line: "tos 0 02:00:00:00:00:01 300", usage: true},
		{name: "allow extra args", line: "allow 0 1", usage: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.exec(t, tt.line)
			require.Error(t, err)
			if tt.usage {
				assert.ErrorIs(t, err, ErrUsage)
			}
			if tt.outside {
				assert.ErrorIs(t, err, policy.ErrOutOfRange)
			}
		})
	}
}

func TestExecLifecycle(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec(t, "update")
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidStateTransition)
	assert.Contains(t, err.Error(), "[INVALID_STATE]")

	_, err = h.exec(t, "allow 3")
	require.NoError(t, err)

	out, err := h.exec(t, "install")
	require.NoError(t, err)
	assert.Equal(t, "install: ok (state Running)\n", out)
	require.Len(t, h.launcher.specs, 1)
	assert.Equal(t, "3,FF:FF:FF:FF:FF:FF,255", h.launcher.specs[0].Config)

	out, err = h.exec(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State:      Running")
	assert.Contains(t, out, "PID:        7")
	assert.Contains(t, out, "Superframe: 4 slots x 2000us")

	out, err = h.exec(t, "update")
	require.NoError(t, err)
	assert.Equal(t, "update: OK (state Running)\n", out)

	out, err = h.exec(t, "uninstall")
	require.NoError(t, err)
	assert.Equal(t, "uninstall: TERMINATING (state NotRunning)\n", out)
	assert.Equal(t, []string{"3,FF:FF:FF:FF:FF:FF,255", "3,FF:FF:FF:FF:FF:FF,255", "TERMINATE"}, h.channel.payloads)
}

func TestExecUninstallTimeoutKeepsRunning(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec(t, "install")
	require.NoError(t, err)

	h.channel.err = control.ErrTimeout
	_, err = h.exec(t, "uninstall")
	require.Error(t, err)
	assert.ErrorIs(t, err, control.ErrTimeout)
	assert.Contains(t, err.Error(), "[TIMEOUT]")
	assert.Equal(t, lifecycle.Running, h.ctrl.State())

	out, err := h.exec(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Last error:")
}
