package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/mcptest"
)

func TestHTTPSession(t *testing.T) {
	type testCase struct {
		name        string
		eventStream bool
	}

	testCases := []testCase{
		{name: "json responses", eventStream: false},
		{name: "event stream responses", eventStream: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := mcptest.NewHTTPHandler(mcptest.EchoServer(mcptest.WithTool(mcptest.FailTool())), tc.eventStream)

			var gotAuth atomic.Value
			gotAuth.Store("")
			httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					gotAuth.Store(r.Header.Get("Authorization"))
				}
				handler.ServeHTTP(w, r)
			}))
			defer httpSrv.Close()

			tr := mcp.NewHTTPTransport(httpSrv.URL, mcp.WithHTTPHeaders(map[string]string{
				"Authorization": "Bearer secret",
			}))
			sess := mcp.NewSession(tr)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			info, err := sess.Connect(ctx)
			if err != nil {
				t.Fatalf("failed to connect: %v", err)
			}
			if info.Name != "echo-server" {
				t.Fatalf("unexpected server name %q", info.Name)
			}
			if tr.SessionID() == "" {
				t.Fatal("expected the server-issued session id to be kept")
			}
			if auth := gotAuth.Load().(string); auth != "Bearer secret" {
				t.Fatalf("expected custom header to be sent, got %q", auth)
			}

			tools, err := sess.ListTools(ctx)
			if err != nil {
				t.Fatalf("failed to list tools: %v", err)
			}
			if len(tools) != 2 {
				t.Fatalf("expected 2 tools, got %d", len(tools))
			}

			res, err := sess.CallTool(ctx, "echo", json.RawMessage(`{"message":"over http"}`))
			if err != nil {
				t.Fatalf("failed to call tool: %v", err)
			}
			if len(res.Content) != 1 || res.Content[0].Text != "over http" {
				t.Fatalf("unexpected result %+v", res)
			}

			res, err = sess.CallTool(ctx, "fail", nil)
			if err != nil {
				t.Fatalf("expected failing tool to return a result, got %v", err)
			}
			if !res.IsError {
				t.Fatal("expected isError result")
			}

			if err := sess.Ping(ctx); err != nil {
				t.Fatalf("failed to ping: %v", err)
			}

			if handler.Sessions() != 1 {
				t.Fatalf("expected 1 server session, got %d", handler.Sessions())
			}
			if err := sess.Close(); err != nil {
				t.Fatalf("failed to close: %v", err)
			}
			if handler.Sessions() != 0 {
				t.Fatalf("expected Close to end the server session, got %d", handler.Sessions())
			}
		})
	}
}

func TestHTTPNonSuccessStatus(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer httpSrv.Close()

	sess := mcp.NewSession(mcp.NewHTTPTransport(httpSrv.URL))
	_, err := sess.Connect(context.Background())

	var cErr *mcp.ConnectionError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if cErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", cErr.StatusCode)
	}
	if sess.State() != mcp.StateClosed {
		t.Fatalf("expected closed, got %s", sess.State())
	}
}

func TestHTTPRejectsBadURL(t *testing.T) {
	sess := mcp.NewSession(mcp.NewHTTPTransport("ftp://example.com/mcp"))
	_, err := sess.Connect(context.Background())

	var cErr *mcp.ConnectionError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestHTTPToolCallHonorsRequestTimeout(t *testing.T) {
	handler := mcptest.NewHTTPHandler(mcptest.EchoServer(), false)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg mcp.JSONRPCMessage
		if json.Unmarshal(body, &msg) == nil && msg.Method == mcp.MethodToolsCall {
			// Hang until the client gives up.
			<-r.Context().Done()
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler.ServeHTTP(w, r)
	}))
	defer httpSrv.Close()

	sess := mcp.NewSession(mcp.NewHTTPTransport(httpSrv.URL), mcp.WithRequestTimeout(300*time.Millisecond))
	defer sess.Close()

	if _, err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hang"}`))
		errs <- err
	}()

	select {
	case err := <-errs:
		var tErr *mcp.TimeoutError
		if !errors.As(err, &tErr) {
			t.Fatalf("expected TimeoutError, got %v", err)
		}
		if tErr.Method != mcp.MethodToolsCall {
			t.Fatalf("expected timeout for tools/call, got %s", tErr.Method)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tools/call did not return after its request deadline")
	}

	if sess.State() != mcp.StateReady {
		t.Fatalf("a timed out call must not close the session, got %s", sess.State())
	}
}
