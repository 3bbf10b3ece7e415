package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalFlags are the flags that should be available on all commands
var globalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "json",
		Usage: "Output logs as JSON. Implied when stderr is not a TTY.",
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "Enable verbose logging.",
	},
	&cli.StringFlag{
		Name:    "log-level",
		Aliases: []string{"l"},
		Value:   "info",
		Usage:   "Set the log level. One of: trace, debug, info, notice, warn, error.",
	},
}

func main() {
	app := &cli.Command{
		Name:    "mcpmanager",
		Usage:   "Connects to MCP servers and exposes their tools over HTTP",
		Version: version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("json") {
				os.Setenv("LOG_HANDLER", "json")
			}

			if os.Getenv("LOG_LEVEL") == "" {
				switch {
				case cmd.IsSet("log-level"):
					os.Setenv("LOG_LEVEL", cmd.String("log-level"))
				case cmd.Bool("verbose"):
					os.Setenv("LOG_LEVEL", "debug")
				default:
					os.Setenv("LOG_LEVEL", "info")
				}
			}
			return ctx, nil
		},
		Flags: globalFlags,
		Commands: []*cli.Command{
			serveCommand(),
			probeCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Shows the mcpmanager version",
		Action: func(_ context.Context, cmd *cli.Command) error {
			fmt.Fprintln(cmd.Root().Writer, version)
			return nil
		},
	}
}
