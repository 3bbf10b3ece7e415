// Command echo-server is a stdio MCP server exposing a single echo tool. It is handy for
// checking a manager deployment end to end:
//
//	mcpmanager probe -- echo-server
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/go-mcp-manager/logger"
	"github.com/MegaGrindStone/go-mcp-manager/mcptest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol, so logs go to stderr only.
	l := logger.New(logger.WithWriter(os.Stderr))
	srv := mcptest.EchoServer(mcptest.WithServerLogger(l))

	l.Info("serving on stdio")
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
		l.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
