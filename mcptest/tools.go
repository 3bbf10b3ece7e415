package mcptest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
)

// EchoTool returns the message argument as text content.
func EchoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echoes back the input",
		InputSchema: `{
	"type": "object",
	"properties": {
		"message": {
			"type": "string",
			"description": "Message to echo"
		}
	},
	"required": ["message"]
}`,
		Handler: func(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
			message, _ := args["message"].(string)
			return textResult(message), nil
		},
	}
}

// EnvTool returns the value of the environment variable named by the name argument.
func EnvTool() Tool {
	return Tool{
		Name:        "env",
		Description: "Reads an environment variable of the server process",
		InputSchema: `{
	"type": "object",
	"properties": {
		"name": {"type": "string"}
	},
	"required": ["name"]
}`,
		Handler: func(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
			name, _ := args["name"].(string)
			return textResult(os.Getenv(name)), nil
		},
	}
}

// SleepTool waits for the ms argument, in milliseconds, or until the request is abandoned.
func SleepTool() Tool {
	return Tool{
		Name:        "sleep",
		Description: "Sleeps for the given number of milliseconds",
		InputSchema: `{
	"type": "object",
	"properties": {
		"ms": {"type": "number", "minimum": 0}
	},
	"required": ["ms"]
}`,
		Handler: func(ctx context.Context, args map[string]any) (mcp.CallToolResult, error) {
			ms, _ := args["ms"].(float64)
			d := time.Duration(ms) * time.Millisecond

			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return textResult(fmt.Sprintf("slept %s", d)), nil
			case <-ctx.Done():
				return mcp.CallToolResult{}, ctx.Err()
			}
		},
	}
}

// FailTool always fails; the failure reaches the client as a result with isError set.
func FailTool() Tool {
	return Tool{
		Name:        "fail",
		Description: "Always reports a tool error",
		InputSchema: `{"type": "object"}`,
		Handler: func(_ context.Context, _ map[string]any) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, errors.New("tool failed on purpose")
		},
	}
}

// EchoServer returns a server named echo-server exposing the echo tool. Further tools can be
// added through options.
func EchoServer(options ...ServerOption) *Server {
	opts := append([]ServerOption{WithTool(EchoTool())}, options...)
	return NewServer(mcp.Info{Name: "echo-server", Version: "1.0.0"}, opts...)
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}
