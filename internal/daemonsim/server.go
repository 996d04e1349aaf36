// Package daemonsim emulates the scheduling daemon's control surface.
//
// The simulator binds the same REP endpoint as the real daemon, keeps the
// last pushed access policy, and honours the TERMINATE handshake. Fault modes
// let tests exercise the controller's timeout handling.
package daemonsim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/freifunk-graviton/hybridmac/internal/policy"
	"github.com/freifunk-graviton/hybridmac/internal/schedconf"
)

// FaultMode selects injected misbehaviour.
type FaultMode string

const (
	FaultNone          FaultMode = ""
	FaultDropAll       FaultMode = "drop-all"       // never reply
	FaultDropTerminate FaultMode = "drop-terminate" // ignore TERMINATE, answer config pushes
)

// ParseFaultMode validates a fault mode name.
func ParseFaultMode(s string) (FaultMode, error) {
	switch FaultMode(s) {
	case FaultNone, FaultDropAll, FaultDropTerminate:
		return FaultMode(s), nil
	default:
		return FaultNone, fmt.Errorf("unknown fault mode %q", s)
	}
}

// Config mirrors the daemon's command line plus the control endpoint.
type Config struct {
	Endpoint      string
	Interface     string
	DebugLevel    int
	SlotCount     int
	SlotDuration  time.Duration
	InitialConfig string
	Fault         FaultMode
}

// Server is a simulated daemon.
type Server struct {
	cfg Config
	log zerolog.Logger

	mu     sync.RWMutex
	table  *policy.Table
	pushes int
	fault  FaultMode

	sock     zmq4.Socket
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer validates cfg and loads its initial configuration.
func NewServer(cfg Config, logger zerolog.Logger) (*Server, error) {
	frame := policy.Superframe{SlotCount: cfg.SlotCount, SlotDuration: cfg.SlotDuration}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	table, err := buildTable(frame, cfg.InitialConfig)
	if err != nil {
		return nil, fmt.Errorf("initial configuration: %w", err)
	}

	return &Server{
		cfg:   cfg,
		log:   logger.With().Str("component", "daemonsim").Str("interface", cfg.Interface).Logger(),
		table: table,
		fault: cfg.Fault,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

func buildTable(frame policy.Superframe, config string) (*policy.Table, error) {
	records, err := schedconf.Parse(config)
	if err != nil {
		return nil, err
	}
	table := policy.NewTable(frame)
	if err := schedconf.Apply(table, records); err != nil {
		return nil, err
	}
	return table, nil
}

// Listen binds the REP socket on tcp://Endpoint.
func (s *Server) Listen() error {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewRep(ctx, zmq4.WithLogger(log.New(s.log, "", 0)))
	if err := sock.Listen("tcp://" + s.cfg.Endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Endpoint, err)
	}

	s.sock = sock
	s.cancel = cancel
	s.log.Info().Str("endpoint", s.cfg.Endpoint).Msg("control socket bound")
	return nil
}

// Serve answers requests until TERMINATE is handled or Close is called.
func (s *Server) Serve() error {
	if s.sock == nil {
		return errors.New("daemonsim: Serve called before Listen")
	}
	defer s.doneOnce.Do(func() { close(s.done) })

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
			}
			return fmt.Errorf("receive: %w", err)
		}

		reply, send, terminate := s.handle(string(bytes.Join(msg.Frames, nil)))
		if send {
			if err := s.sock.Send(zmq4.NewMsgString(reply)); err != nil {
				s.log.Warn().Err(err).Msg("failed to send reply")
			}
		}
		if terminate {
			s.log.Info().Msg("terminating on request")
			return nil
		}
	}
}

// ListenAndServe binds the socket and serves it.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// handle processes one request. It reports the reply text, whether to send
// it, and whether the server should stop afterwards.
func (s *Server) handle(payload string) (string, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault == FaultDropAll {
		s.log.Debug().Msg("dropping request")
		return "", false, false
	}

	if payload == schedconf.TerminateToken {
		if s.fault == FaultDropTerminate {
			s.log.Debug().Msg("ignoring TERMINATE")
			return "", false, false
		}
		return "TERMINATING", true, true
	}

	table, err := buildTable(s.table.Superframe(), payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("rejected configuration")
		return "ERROR " + err.Error(), true, false
	}

	s.table = table
	s.pushes++
	records := len(table.Entries())
	s.log.Info().Int("records", records).Int("push", s.pushes).Msg("configuration applied")
	return fmt.Sprintf("OK %d records", records), true, false
}

// Addr returns the bound endpoint.
func (s *Server) Addr() string {
	return s.cfg.Endpoint
}

// Configuration returns the active policy in wire form.
func (s *Server) Configuration() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schedconf.Serialize(s.table)
}

// Pushes counts the configuration pushes accepted so far.
func (s *Server) Pushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pushes
}

// SetFaultMode changes the injected fault.
func (s *Server) SetFaultMode(mode FaultMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = mode
}

// Done is closed once Serve has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close stops Serve and releases the socket.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.sock != nil {
			s.cancel()
			err = s.sock.Close()
		}
	})
	return err
}
