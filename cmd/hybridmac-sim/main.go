// Package main implements a stand-in for the hybrid MAC scheduling daemon.
// It accepts the daemon's command line and answers the control protocol
// without touching a wireless interface.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/daemonsim"
	"github.com/freifunk-graviton/hybridmac/internal/logging"
)

type options struct {
	debugLevel     int
	iface          string
	slotDurationUs int64
	slotCount      int
	config         string
	bind           string
	port           int
	fault          string
}

func parseFlags(args []string) (daemonsim.Config, int, error) {
	var o options
	fs := pflag.NewFlagSet("hybridmac-sim", pflag.ContinueOnError)
	fs.IntVarP(&o.debugLevel, "debug", "d", 0, "debug level")
	fs.StringVarP(&o.iface, "interface", "i", "", "wireless interface")
	fs.Int64VarP(&o.slotDurationUs, "slot-duration", "f", 0, "slot duration in microseconds")
	fs.IntVarP(&o.slotCount, "slots", "n", 0, "slots per superframe")
	fs.StringVarP(&o.config, "config", "c", "", "initial slot configuration")
	fs.StringVar(&o.bind, "bind", "127.0.0.1", "control socket bind address")
	fs.IntVarP(&o.port, "port", "p", control.DefaultPort, "control socket port")
	fs.StringVar(&o.fault, "fault", "", "fault injection: drop-all or drop-terminate")

	if err := fs.Parse(args); err != nil {
		return daemonsim.Config{}, 0, err
	}
	if fs.NArg() > 0 {
		return daemonsim.Config{}, 0, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.iface == "" {
		return daemonsim.Config{}, 0, fmt.Errorf("interface (-i) is required")
	}

	fault, err := daemonsim.ParseFaultMode(o.fault)
	if err != nil {
		return daemonsim.Config{}, 0, err
	}

	return daemonsim.Config{
		Endpoint:      net.JoinHostPort(o.bind, strconv.Itoa(o.port)),
		Interface:     o.iface,
		DebugLevel:    o.debugLevel,
		SlotCount:     o.slotCount,
		SlotDuration:  time.Duration(o.slotDurationUs) * time.Microsecond,
		InitialConfig: o.config,
		Fault:         fault,
	}, o.debugLevel, nil
}

func main() {
	cfg, debugLevel, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "hybridmac-sim:", err)
		os.Exit(2)
	}

	lc := logging.DefaultConfig(logging.ProfileRuntime)
	if debugLevel > 0 {
		lc.Level = zerolog.DebugLevel
	}
	logging.ApplyEnvOverrides(&lc)
	logger, closer := logging.New(lc, os.Stderr)
	defer closer.Close()

	srv, err := daemonsim.NewServer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("invalid daemon arguments")
		closer.Close()
		os.Exit(2)
	}
	if err := srv.Listen(); err != nil {
		logger.Error().Err(err).Msg("failed to bind control socket")
		closer.Close()
		os.Exit(1)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if sig, ok := <-shutdown; ok {
			logger.Info().Stringer("signal", sig).Msg("shutting down")
			_ = srv.Close()
		}
	}()

	logger.Info().
		Str("interface", cfg.Interface).
		Int("slots", cfg.SlotCount).
		Dur("slotDuration", cfg.SlotDuration).
		Msg("simulated daemon running")

	if err := srv.Serve(); err != nil {
		logger.Error().Err(err).Msg("control loop failed")
		closer.Close()
		os.Exit(1)
	}
	// Serve returned after TERMINATE or a signal; release the socket.
	_ = srv.Close()
	logger.Info().Msg("simulated daemon stopped")
}
