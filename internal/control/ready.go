package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotReady is returned when the daemon's control port never accepted a
// connection during the readiness probe.
var ErrNotReady = errors.New("UNAVAILABLE")

// ReadyDialTimeout bounds one readiness connect attempt. It is independent
// of the pause between attempts.
const ReadyDialTimeout = 500 * time.Millisecond

// WaitReady probes endpoint with plain TCP connects until one succeeds,
// attempts are exhausted, or ctx ends. It closes the gap between launching
// the daemon and its control socket being bound.
func WaitReady(ctx context.Context, endpoint string, attempts int, interval time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var dialer net.Dialer
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		dctx, cancel := context.WithTimeout(ctx, ReadyDialTimeout)
		conn, err := dialer.DialContext(dctx, "tcp", endpoint)
		cancel()
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %s not reachable after %d attempts: %v", ErrNotReady, endpoint, attempts, lastErr)
}
