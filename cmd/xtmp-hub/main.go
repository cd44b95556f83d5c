package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtmp-net/xtmp-node/pkg/api"
	"github.com/xtmp-net/xtmp-node/pkg/config"
	"github.com/xtmp-net/xtmp-node/pkg/hub"
	"github.com/xtmp-net/xtmp-node/pkg/keys"
	"github.com/xtmp-net/xtmp-node/pkg/router"
	"github.com/xtmp-net/xtmp-node/pkg/session"
	"github.com/xtmp-net/xtmp-node/pkg/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "xtmp-hub",
		Short: "XTMP hub: accepts node sessions and serves their requests",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "hub.toml", "Path to the TOML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type hubStats struct {
	h       *hub.Hub
	started time.Time
}

func (s *hubStats) Status() api.Status {
	return api.Status{
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: api.SnapshotSessions(s.h.Sessions()),
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	identity, err := keys.LoadOrCreateIdentity(filepath.Join(cfg.Node.DataDir, "hub.key"))
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	listenTCP, err := transport.ParseEndpoint(cfg.Hub.ListenTCP)
	if err != nil {
		return err
	}

	hubCfg := hub.Config{
		Identity:     identity,
		ListenTCP:    listenTCP,
		MaxFrame:     cfg.Transport.MaxFrame,
		ParityShards: cfg.Transport.ParityShards,
		Session: session.Config{
			InactivityTimeout: cfg.Session.InactivityTimeout.Duration,
			RotationInterval:  cfg.Session.RotationInterval.Duration,
			SweepInterval:     cfg.Session.SweepInterval.Duration,
		},
		Keys: keys.Config{
			RotationInterval: cfg.Session.RotationInterval.Duration,
			GracePeriod:      cfg.Keys.GracePeriod.Duration,
			FailureBudget:    cfg.Keys.FailureBudget,
			FailureWindow:    cfg.Keys.FailureWindow.Duration,
		},
		Router: router.Config{
			Workers:    cfg.Router.Workers,
			QueueDepth: cfg.Router.QueueDepth,
		},
		StorePath: filepath.Join(cfg.Node.DataDir, "hub-sessions.db"),
	}

	if cfg.Hub.ListenUDP != "" {
		ep, err := transport.ParseEndpoint(cfg.Hub.ListenUDP)
		if err != nil {
			return err
		}
		hubCfg.ListenUDP = &ep
	}
	if cfg.Hub.ListenWS != "" {
		ep, err := transport.ParseEndpoint(cfg.Hub.ListenWS)
		if err != nil {
			return err
		}
		hubCfg.ListenWS = &ep
	}

	h, err := hub.New(hubCfg, log)
	if err != nil {
		return err
	}
	registerHandlers(h)
	if err := h.Start(); err != nil {
		return err
	}
	defer h.Stop()

	statusSrv := api.NewServer(cfg.API.Listen, &hubStats{h: h, started: time.Now()}, log)
	statusSrv.Start()
	defer statusSrv.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}
