package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-graviton/hybridmac/internal/daemonsim"
	"github.com/freifunk-graviton/hybridmac/internal/daemonsim/simtest"
	"github.com/freifunk-graviton/hybridmac/internal/schedconf"
)

func newTestClient(endpoint string, timeout time.Duration) *Client {
	return NewClient(Config{
		Endpoint:    endpoint,
		Timeout:     timeout,
		DialTimeout: 100 * time.Millisecond,
		DialRetry:   20 * time.Millisecond,
	}, zerolog.Nop())
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{}, zerolog.Nop())
	assert.Equal(t, "127.0.0.1:1217", c.Endpoint())
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Zero(t, c.Sockets(), "socket must not be created before the first request")
}

func TestRequestReply(t *testing.T) {
	srv := simtest.Start(t, 3, daemonsim.FaultNone)
	c := newTestClient(srv.Addr(), 2*time.Second)
	defer c.Close()

	reply, err := c.Request(context.Background(), schedconf.SerializeAllowAll(3))
	require.NoError(t, err)
	assert.Equal(t, "OK 3 records", reply)

	reply, err = c.Request(context.Background(), "1,02:00:00:00:00:0A,6")
	require.NoError(t, err)
	assert.Equal(t, "OK 1 records", reply)

	assert.Equal(t, 1, c.Sockets(), "socket must be reused across requests")
	assert.Equal(t, "1,02:00:00:00:00:0A,6", srv.Configuration())
}

func TestRequestTimeout(t *testing.T) {
	srv := simtest.Start(t, 3, daemonsim.FaultDropAll)
	c := newTestClient(srv.Addr(), 200*time.Millisecond)
	defer c.Close()

	start := time.Now()
	_, err := c.Request(context.Background(), schedconf.SerializeAllowAll(3))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// the stuck socket is replaced on the next request
	srv.SetFaultMode(daemonsim.FaultNone)
	reply, err := c.Request(context.Background(), schedconf.SerializeAllowAll(3))
	require.NoError(t, err)
	assert.Equal(t, "OK 3 records", reply)
	assert.Equal(t, 2, c.Sockets())
}

func TestRequestNoDaemon(t *testing.T) {
	c := newTestClient(simtest.FreeEndpoint(t), 300*time.Millisecond)
	defer c.Close()

	_, err := c.Request(context.Background(), "TERMINATE")
	require.Error(t, err)
	assert.True(t, isTimeoutOrTransport(err), "unexpected error %v", err)
}

func TestRequestInFlight(t *testing.T) {
	srv := simtest.Start(t, 3, daemonsim.FaultDropAll)
	c := newTestClient(srv.Addr(), 500*time.Millisecond)
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		_, _ = c.Request(context.Background(), "0,FF:FF:FF:FF:FF:FF,255")
	}()
	<-started

	require.Eventually(t, func() bool { return c.inflight.Load() }, time.Second, 5*time.Millisecond)
	_, err := c.Request(context.Background(), "0,FF:FF:FF:FF:FF:FF,255")
	assert.ErrorIs(t, err, ErrRequestInFlight)
	wg.Wait()
}

func TestRequestContextCancel(t *testing.T) {
	srv := simtest.Start(t, 3, daemonsim.FaultDropAll)
	c := newTestClient(srv.Addr(), 5*time.Second)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, "TERMINATE")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestAfterClose(t *testing.T) {
	c := newTestClient(simtest.FreeEndpoint(t), 100*time.Millisecond)
	require.NoError(t, c.Close())

	_, err := c.Request(context.Background(), "TERMINATE")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTerminateHandshake(t *testing.T) {
	srv := simtest.Start(t, 2, daemonsim.FaultNone)
	c := newTestClient(srv.Addr(), 2*time.Second)
	defer c.Close()

	reply, err := c.Request(context.Background(), schedconf.TerminateToken)
	require.NoError(t, err)
	assert.Equal(t, "TERMINATING", reply)

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("simulator did not stop after TERMINATE")
	}
}

func isTimeoutOrTransport(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}
