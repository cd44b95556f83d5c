package main

import (
	"context"
	"errors"
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
	"github.com/xtmp-net/xtmp-node/pkg/keys"
	"github.com/xtmp-net/xtmp-node/pkg/node"
	"github.com/xtmp-net/xtmp-node/pkg/router"
	"github.com/xtmp-net/xtmp-node/pkg/session"
	"github.com/xtmp-net/xtmp-node/pkg/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "xtmp-node",
		Short: "XTMP node: keeps an encrypted session to its hub",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "node.toml", "Path to the TOML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type nodeStats struct {
	n        *node.Node
	clientID string
	started  time.Time
}

func (s *nodeStats) Status() api.Status {
	return api.Status{
		ClientID: s.clientID,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: api.SnapshotSessions(s.n.Sessions()),
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Transport.HubEndpoint == "" {
		return errors.New("transport.hub_endpoint is required")
	}

	log, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	identity, err := keys.LoadOrCreateIdentity(filepath.Join(cfg.Node.DataDir, "node.key"))
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	hubEndpoint, err := transport.ParseEndpoint(cfg.Transport.HubEndpoint)
	if err != nil {
		return err
	}

	nodeCfg := node.Config{
		ClientID:      cfg.Node.ClientID,
		Identity:      identity,
		Hub:           hubEndpoint,
		MaxFrame:      cfg.Transport.MaxFrame,
		ParityShards:  cfg.Transport.ParityShards,
		RetryInterval: cfg.Transport.RetryInterval.Duration,
		MaxAttempts:   cfg.Transport.MaxAttempts,
		Heartbeat:     cfg.Transport.Heartbeat.Duration,
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
		StorePath: filepath.Join(cfg.Node.DataDir, "node-sessions.db"),
	}

	if cfg.Transport.Fallback != "" {
		ep, err := transport.ParseEndpoint(cfg.Transport.Fallback)
		if err != nil {
			return err
		}
		nodeCfg.Fallback = &ep
	}
	if cfg.Transport.Datagram != "" {
		ep, err := transport.ParseEndpoint(cfg.Transport.Datagram)
		if err != nil {
			return err
		}
		nodeCfg.Datagram = &ep
	}

	n, err := node.New(nodeCfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Connect(ctx); err != nil {
		return err
	}
	defer n.Disconnect()

	statusSrv := api.NewServer(cfg.API.Listen, &nodeStats{n: n, clientID: cfg.Node.ClientID, started: time.Now()}, log)
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
