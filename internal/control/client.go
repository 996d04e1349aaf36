// Package control implements the request-reply channel to the running
// scheduling daemon.
//
// The daemon binds a ZeroMQ REP socket on a loopback TCP port. The client
// holds one REQ socket, created on the first request and reused afterwards.
// Exactly one request may be outstanding at a time.
package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

const (
	// DefaultPort is the daemon's control port.
	DefaultPort = 1217
	// DefaultTimeout bounds the wait for one reply.
	DefaultTimeout = 1000 * time.Millisecond
)

var (
	// ErrTimeout is returned when no reply arrives within the configured bound.
	// The caller must not assume the daemon acted on the request.
	ErrTimeout = errors.New("TIMEOUT")
	// ErrTransport wraps socket level failures.
	ErrTransport = errors.New("TRANSPORT")
	// ErrRequestInFlight is returned when Request is called while another
	// request has not resolved yet.
	ErrRequestInFlight = errors.New("request already in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("control channel closed")
)

// Config holds the channel settings.
type Config struct {
	// Endpoint is host:port of the daemon's REP socket.
	Endpoint string
	// Timeout bounds one request, connection set-up included.
	Timeout time.Duration
	// DialTimeout bounds a single TCP connect attempt.
	DialTimeout time.Duration
	// DialRetry is the pause between connect attempts.
	DialRetry time.Duration
}

// DefaultConfig returns the loopback endpoint on DefaultPort.
func DefaultConfig() Config {
	return Config{
		Endpoint:    net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort)),
		Timeout:     DefaultTimeout,
		DialTimeout: 500 * time.Millisecond,
		DialRetry:   100 * time.Millisecond,
	}
}

// Client is a REQ client for the daemon. It is not safe for concurrent
// requests; overlapping calls fail with ErrRequestInFlight.
type Client struct {
	cfg Config
	log zerolog.Logger

	inflight atomic.Bool

	mu      sync.Mutex
	conn    *reqConn
	sockets int
	closed  bool
}

// NewClient creates a client. No socket is opened until the first Request.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.DialRetry <= 0 {
		cfg.DialRetry = def.DialRetry
	}

	return &Client{
		cfg: cfg,
		log: logger.With().Str("component", "control").Str("endpoint", cfg.Endpoint).Logger(),
	}
}

// Endpoint returns the daemon address the client talks to.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

// Sockets reports how many REQ sockets the client has created so far.
func (c *Client) Sockets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sockets
}

type result struct {
	reply string
	err   error
}

// Request sends payload and waits for exactly one reply, the timeout, or
// ctx cancellation, whichever comes first.
func (c *Client) Request(ctx context.Context, payload string) (string, error) {
	if !c.inflight.CompareAndSwap(false, true) {
		return "", ErrRequestInFlight
	}
	defer c.inflight.Store(false)

	conn, err := c.current()
	if err != nil {
		return "", err
	}

	done := make(chan result, 1)
	go func() {
		done <- conn.roundTrip(payload)
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			c.discard(conn)
			c.log.Warn().Err(res.err).Msg("request failed")
			return "", res.err
		}
		c.log.Debug().Int("bytes", len(payload)).Str("reply", res.reply).Msg("request answered")
		return res.reply, nil
	case <-timer.C:
		c.discard(conn)
		c.log.Warn().Dur("timeout", c.cfg.Timeout).Msg("request timed out")
		return "", fmt.Errorf("%w: no reply from %s within %s", ErrTimeout, c.cfg.Endpoint, c.cfg.Timeout)
	case <-ctx.Done():
		c.discard(conn)
		return "", ctx.Err()
	}
}

// current returns the live socket, creating it on first use.
func (c *Client) current() (*reqConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		c.conn = newReqConn(c.cfg, c.log)
		c.sockets++
	}
	return c.conn, nil
}

// discard drops conn after a failed exchange. A REQ socket that sent without
// receiving cannot send again, so the next request starts a fresh one.
func (c *Client) discard(conn *reqConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.close()
}

// Close releases the socket. Undelivered messages are dropped; Close does
// not wait for them.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if conn != nil {
		return conn.close()
	}
	return nil
}

// reqConn is one REQ socket and its lazily performed dial.
type reqConn struct {
	endpoint string
	sock     zmq4.Socket
	cancel   context.CancelFunc

	dialOnce sync.Once
	dialErr  error
	once     sync.Once
}

func newReqConn(cfg Config, logger zerolog.Logger) *reqConn {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewReq(ctx,
		zmq4.WithDialerTimeout(cfg.DialTimeout),
		zmq4.WithDialerRetry(cfg.DialRetry),
		zmq4.WithLogger(log.New(logger, "", 0)),
	)
	return &reqConn{
		endpoint: "tcp://" + cfg.Endpoint,
		sock:     sock,
		cancel:   cancel,
	}
}

func (r *reqConn) roundTrip(payload string) result {
	r.dialOnce.Do(func() {
		r.dialErr = r.sock.Dial(r.endpoint)
	})
	if r.dialErr != nil {
		return result{err: fmt.Errorf("%w: dial %s: %v", ErrTransport, r.endpoint, r.dialErr)}
	}

	if err := r.sock.Send(zmq4.NewMsgString(payload)); err != nil {
		return result{err: fmt.Errorf("%w: send: %v", ErrTransport, err)}
	}

	msg, err := r.sock.Recv()
	if err != nil {
		return result{err: fmt.Errorf("%w: receive: %v", ErrTransport, err)}
	}
	return result{reply: string(bytes.Join(msg.Frames, nil))}
}

func (r *reqConn) close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		err = r.sock.Close()
	})
	return err
}
