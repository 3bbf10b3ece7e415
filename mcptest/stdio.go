package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
)

// ServeStdio serves newline-delimited JSON-RPC read from r and writes responses to w until r
// reaches EOF or ctx ends. Requests are handled concurrently; writes are serialized.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	var handlers sync.WaitGroup
	defer handlers.Wait()

	write := func(msg mcp.JSONRPCMessage) {
		bs, err := mcp.EncodeMessage(msg)
		if err != nil {
			s.logger.Error("failed to encode response", "err", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(bs); err != nil {
			s.logger.Error("failed to write response", "err", err)
		}
	}

	lines := make(chan string)
	readErrs := make(chan error, 1)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	go func() {
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			write(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Error: &mcp.JSONRPCError{
					Code:    mcp.JSONRPCParseErrorCode,
					Message: "Parse error",
				},
			})
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			if res, ok := s.Handle(ctx, msg); ok {
				write(res)
			}
		}()
	}
}
