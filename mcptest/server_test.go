package mcptest_test

import (
	"context"
	"encoding/json"
	"testing"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/mcptest"
)

func TestHandleErrors(t *testing.T) {
	type testCase struct {
		name     string
		msg      mcp.JSONRPCMessage
		wantCode int
	}

	testCases := []testCase{
		{
			name: "wrong jsonrpc version",
			msg: mcp.JSONRPCMessage{
				JSONRPC: "1.0",
				ID:      mcp.NumberID(1),
				Method:  mcp.MethodPing,
			},
			wantCode: mcp.JSONRPCInvalidRequestCode,
		},
		{
			name: "unknown method",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.NumberID(2),
				Method:  "resources/list",
			},
			wantCode: mcp.JSONRPCMethodNotFoundCode,
		},
		{
			name: "unknown tool",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.NumberID(3),
				Method:  mcp.MethodToolsCall,
				Params:  json.RawMessage(`{"name":"missing"}`),
			},
			wantCode: mcp.JSONRPCInvalidParamsCode,
		},
	}

	srv := mcptest.EchoServer()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, ok := srv.Handle(context.Background(), tc.msg)
			if !ok {
				t.Fatal("expected a response")
			}
			if res.Error == nil {
				t.Fatalf("expected an error response, got %+v", res)
			}
			if res.Error.Code != tc.wantCode {
				t.Fatalf("expected code %d, got %d", tc.wantCode, res.Error.Code)
			}
			if res.ID.String() != tc.msg.ID.String() {
				t.Fatalf("expected id %s, got %s", tc.msg.ID, res.ID)
			}
		})
	}
}

func TestHandleIgnoresNotifications(t *testing.T) {
	srv := mcptest.EchoServer()
	_, ok := srv.Handle(context.Background(), mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodNotificationsInitialized,
	})
	if ok {
		t.Fatal("notifications must not be answered")
	}
}
