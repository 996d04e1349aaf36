// Package simtest starts simulated daemons for tests.
package simtest

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freifunk-graviton/hybridmac/internal/daemonsim"
)

// FreeEndpoint returns a loopback host:port that was free a moment ago.
func FreeEndpoint(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// Start runs a simulator on a free loopback port for the duration of the
// test. The returned server is already listening.
func Start(t testing.TB, slotCount int, fault daemonsim.FaultMode) *daemonsim.Server {
	t.Helper()

	srv, err := daemonsim.NewServer(daemonsim.Config{
		Endpoint:     FreeEndpoint(t),
		Interface:    "sim0",
		SlotCount:    slotCount,
		SlotDuration: time.Millisecond,
		Fault:        fault,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create simulator: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("failed to bind simulator: %v", err)
	}

	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}
