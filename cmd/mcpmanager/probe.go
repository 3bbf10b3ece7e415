package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/urfave/cli/v3"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/config"
	"github.com/MegaGrindStone/go-mcp-manager/logger"
	"github.com/MegaGrindStone/go-mcp-manager/manager"
)

type probeOutput struct {
	ServerInfo mcp.ServerInfo `json:"serverInfo"`
	Tools      []mcp.Tool     `json:"tools"`
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "Connects one server, prints its info and tools as JSON, then disconnects",
		ArgsUsage: "[command [args...]]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Transport: stdio, http or sse. Defaults to http when --url is set.",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "Endpoint of an http or sse server.",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "Header sent to http or sse servers, as Name=value.",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Environment variable for a stdio server, as NAME=value.",
			},
		},
		Action: probe,
	}
}

func probe(ctx context.Context, cmd *cli.Command) error {
	sc, err := probeConfig(cmd)
	if err != nil {
		return err
	}
	desc, err := sc.Descriptor()
	if err != nil {
		return err
	}

	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	m := manager.New(append(cfg.ManagerOptions(logger.New()),
		manager.WithClientInfo(mcp.Info{Name: "mcpmanager", Version: version}))...)

	info, tools, err := m.Test(ctx, desc)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(probeOutput{ServerInfo: info, Tools: tools})
}

func probeConfig(cmd *cli.Command) (manager.ServerConfig, error) {
	sc := manager.ServerConfig{
		Type: manager.Kind(cmd.String("type")),
		URL:  cmd.String("url"),
	}
	if sc.Type == "" {
		sc.Type = manager.KindStdio
		if sc.URL != "" {
			sc.Type = manager.KindHTTP
		}
	}

	if args := cmd.Args().Slice(); len(args) > 0 {
		sc.Command = args[0]
		sc.Args = args[1:]
	}

	var err error
	if sc.Env, err = pairs(cmd.StringSlice("env")); err != nil {
		return sc, err
	}
	if sc.Headers, err = pairs(cmd.StringSlice("header")); err != nil {
		return sc, err
	}
	return sc, nil
}

func pairs(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, errors.New("expected NAME=value, got " + v)
		}
		m[key] = value
	}
	return m, nil
}
