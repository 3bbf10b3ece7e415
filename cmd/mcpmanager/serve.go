package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v3"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/api"
	"github.com/MegaGrindStone/go-mcp-manager/config"
	"github.com/MegaGrindStone/go-mcp-manager/logger"
	"github.com/MegaGrindStone/go-mcp-manager/manager"
	"github.com/MegaGrindStone/go-mcp-manager/metrics"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Connects the configured servers and serves the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a JSON or YAML config file.",
				Sources: cli.EnvVars("MCPM_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Address to listen on, overriding the config file.",
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("addr") {
		cfg.Addr = cmd.String("addr")
	}

	var lopts []logger.Option
	if !cmd.IsSet("log-level") && !cmd.Bool("verbose") {
		lopts = append(lopts, logger.WithLevel(logger.ParseLevel(cfg.LogLevel)))
	}
	l := logger.New(lopts...)
	slog.SetDefault(l)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mt := metrics.New()
	opts := append(cfg.ManagerOptions(l),
		manager.WithMetrics(mt),
		manager.WithClientInfo(mcp.Info{Name: "mcpmanager", Version: version}),
	)
	m := manager.New(opts...)
	defer func() {
		if err := m.RemoveAll(); err != nil {
			l.Warn("failed to close every session", "err", err)
		}
	}()

	connectConfigured(ctx, l, m, cfg)

	a := api.New(api.Options{
		Manager:     m,
		Metrics:     mt,
		Logger:      l,
		CORSOrigins: cfg.Origins(),
		Version:     version,
	})
	return a.Serve(ctx, cfg.Addr)
}

// connectConfigured connects the predeclared servers. A server that fails is logged and
// left out; the API can connect it later.
func connectConfigured(ctx context.Context, l *slog.Logger, m *manager.Manager, cfg config.Config) {
	p := pool.New().WithMaxGoroutines(max(cfg.Concurrency, 1))
	for _, id := range cfg.ServerIDs() {
		p.Go(func() {
			desc, err := cfg.Servers[id].Descriptor()
			if err != nil {
				l.Error("invalid server config", slog.String("id", id), "err", err)
				return
			}
			info, err := m.Create(ctx, id, desc)
			if err != nil {
				l.Error("failed to connect server", slog.String("id", id), "err", err)
				return
			}
			l.Info("connected server",
				slog.String("id", id),
				slog.String("server", fmt.Sprintf("%s %s", info.Name, info.Version)),
				slog.String("protocol", info.ProtocolVersion))
		})
	}
	p.Wait()
}
