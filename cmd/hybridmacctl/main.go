// Package main implements the hybrid MAC controller command line.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/freifunk-graviton/hybridmac/internal/audit"
	"github.com/freifunk-graviton/hybridmac/internal/config"
	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/launcher"
	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
	"github.com/freifunk-graviton/hybridmac/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "hybridmacctl",
		Short: "Control the hybrid TDMA/CSMA MAC scheduling daemon",
		Long: `hybridmacctl edits the per-slot access policy of the hybrid MAC
scheduler and drives the daemon lifecycle: install launches it with the
current policy, update pushes changes over the control channel, and
uninstall pushes the final policy, waits for traffic to drain and asks the
daemon to terminate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml); defaults to $"+config.EnvConfigFile)

	root.AddCommand(
		newServeCmd(&configPath),
		newShellCmd(&configPath),
		newRenderCmd(&configPath),
		newTokenCmd(&configPath),
	)
	return root
}

// runtime holds the components shared by the serve and shell commands.
type runtime struct {
	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer
	auditor   *audit.Logger
	ctrl      *lifecycle.Controller
}

func newRuntime(configPath string, console io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, logCloser := logging.New(loggingConfig(cfg), console)
	rt := &runtime{cfg: cfg, log: logger, logCloser: logCloser}

	table, err := cfg.BuildTable()
	if err != nil {
		rt.Close()
		return nil, err
	}

	channelCfg := cfg.ChannelConfig()
	rt.ctrl = lifecycle.NewController(table, cfg.ControllerConfig(), launcher.NewExecLauncher(logger),
		func() lifecycle.Requester { return control.NewClient(channelCfg, logger) }, logger)

	if cfg.Audit.File != "" {
		rt.auditor, err = audit.NewLogger(cfg.Audit.File, audit.Options{
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		rt.ctrl.SetAuditor(rt.auditor)
		logger.Info().Str("file", rt.auditor.FilePath()).Msg("audit logger initialized")
	}

	frame := cfg.Frame()
	logger.Info().
		Str("binary", cfg.Daemon.Binary).
		Str("interface", cfg.Daemon.Interface).
		Int("slots", frame.SlotCount).
		Int64("slotDurationUs", frame.Micros()).
		Str("endpoint", channelCfg.Endpoint).
		Msg("configuration loaded")
	return rt, nil
}

// Close releases the control channel and log sinks. A running daemon is
// left running.
func (rt *runtime) Close() {
	if rt.ctrl != nil {
		if err := rt.ctrl.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("error closing control channel")
		}
	}
	if rt.auditor != nil {
		if err := rt.auditor.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("error closing audit logger")
		}
	}
	_ = rt.logCloser.Close()
}

func loggingConfig(cfg *config.Config) logging.Config {
	lc := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(cfg.Log.Level); ok {
		lc.Level = lvl
	}
	lc.JSON = cfg.Log.Format == "json"
	lc.File = cfg.Log.File
	if cfg.Log.MaxSizeMB > 0 {
		lc.MaxSizeMB = cfg.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups > 0 {
		lc.MaxBackups = cfg.Log.MaxBackups
	}
	logging.ApplyEnvOverrides(&lc)
	return lc
}
