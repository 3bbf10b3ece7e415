package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/mcptest"
)

func connectMemory(t *testing.T, srv *mcptest.Server, opts ...mcp.SessionOption) (*mcp.Session, *memoryTransport) {
	t.Helper()

	tr := newMemoryTransport(srv)
	sess := mcp.NewSession(tr, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := sess.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess, tr
}

func TestSessionConnect(t *testing.T) {
	srv := mcptest.EchoServer(mcptest.WithInstructions("be nice"))
	tr := newMemoryTransport(srv)
	sess := mcp.NewSession(tr, mcp.WithClientInfo(mcp.Info{Name: "tester", Version: "0.1.0"}))
	defer sess.Close()

	if sess.State() != mcp.StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", sess.State())
	}

	info, err := sess.Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if info.Name != "echo-server" || info.Version != "1.0.0" {
		t.Fatalf("unexpected server info %+v", info)
	}
	if info.ProtocolVersion != mcp.ProtocolVersion {
		t.Fatalf("expected protocol version %s, got %s", mcp.ProtocolVersion, info.ProtocolVersion)
	}
	if info.Instructions != "be nice" {
		t.Fatalf("expected instructions, got %q", info.Instructions)
	}
	if sess.State() != mcp.StateReady {
		t.Fatalf("expected ready, got %s", sess.State())
	}
	if got := sess.ServerInfo(); got.Name != info.Name || got.ProtocolVersion != info.ProtocolVersion {
		t.Fatalf("expected ServerInfo to match handshake result")
	}

	sent := tr.sent()
	if len(sent) < 2 {
		t.Fatalf("expected initialize and initialized, got %d messages", len(sent))
	}
	if sent[0].Method != mcp.MethodInitialize {
		t.Fatalf("expected first message to be initialize, got %s", sent[0].Method)
	}
	var params mcp.InitializeParams
	if err := json.Unmarshal(sent[0].Params, &params); err != nil {
		t.Fatalf("failed to decode initialize params: %v", err)
	}
	if params.ClientInfo.Name != "tester" || params.ProtocolVersion != mcp.ProtocolVersion {
		t.Fatalf("unexpected initialize params %+v", params)
	}
	if sent[1].Method != mcp.MethodNotificationsInitialized || sent[1].ID != nil {
		t.Fatalf("expected initialized notification, got %+v", sent[1])
	}

	if _, err := sess.Connect(context.Background()); err == nil {
		t.Fatal("expected second Connect to fail")
	}
}

func TestSessionRejectsUnsupportedProtocolVersion(t *testing.T) {
	srv := mcptest.EchoServer(mcptest.WithProtocolVersion("1999-01-01"))
	sess := mcp.NewSession(newMemoryTransport(srv))

	_, err := sess.Connect(context.Background())
	var cErr *mcp.ConnectionError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	var pErr *mcp.ProtocolError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected the cause to be a ProtocolError, got %v", err)
	}
	if sess.State() != mcp.StateClosed {
		t.Fatalf("expected closed, got %s", sess.State())
	}
}

func TestSessionOperationsRequireReady(t *testing.T) {
	sess := mcp.NewSession(newMemoryTransport(mcptest.EchoServer()))

	_, err := sess.ListTools(context.Background())
	var uErr *mcp.UsageError
	if !errors.As(err, &uErr) || !errors.Is(err, mcp.ErrNotReady) {
		t.Fatalf("expected not ready usage error, got %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	_, err = sess.CallTool(context.Background(), "echo", nil)
	if !errors.Is(err, mcp.ErrSessionClosed) {
		t.Fatalf("expected closed usage error, got %v", err)
	}
	if _, ok := <-sess.Notifications(); ok {
		t.Fatal("expected notifications to be closed")
	}
}

func TestSessionListToolsFollowsCursor(t *testing.T) {
	srv := mcptest.EchoServer(
		mcptest.WithTool(mcptest.EnvTool()),
		mcptest.WithTool(mcptest.SleepTool()),
		mcptest.WithPageSize(1),
	)
	sess, tr := connectMemory(t, srv)

	tools, err := sess.ListTools(context.Background())
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if !slices.Equal(names, []string{"echo", "env", "sleep"}) {
		t.Fatalf("unexpected tools %v", names)
	}

	var lists int
	for _, msg := range tr.sent() {
		if msg.Method == mcp.MethodToolsList {
			lists++
		}
	}
	if lists != 3 {
		t.Fatalf("expected 3 tools/list requests, got %d", lists)
	}
}

func TestSessionCallTool(t *testing.T) {
	srv := mcptest.EchoServer(mcptest.WithTool(mcptest.FailTool()))
	sess, _ := connectMemory(t, srv)

	res, err := sess.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Raw) == 0 {
		t.Fatal("expected raw result to be kept")
	}

	// A tool-level failure is data, not an error.
	res, err = sess.CallTool(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("expected no error for a failing tool, got %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError result, got %+v", res)
	}

	// Schema violations are reported the same way.
	res, err = sess.CallTool(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("expected no error for invalid arguments, got %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError result for invalid arguments, got %+v", res)
	}

	// An unknown tool is a JSON-RPC error.
	_, err = sess.CallTool(context.Background(), "missing", nil)
	var pErr *mcp.ProtocolError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected ProtocolError for unknown tool, got %v", err)
	}
	if sess.State() != mcp.StateReady {
		t.Fatalf("errors must not close the session, state is %s", sess.State())
	}
}

func TestSessionTerminationRejectsPending(t *testing.T) {
	srv := mcptest.EchoServer(mcptest.WithTool(mcptest.SleepTool()))
	sess, tr := connectMemory(t, srv)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := sess.CallTool(context.Background(), "sleep", json.RawMessage(`{"ms":60000}`))
			errs <- err
		}()
	}

	// Wait until all three calls are on the wire.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var calls int
		for _, msg := range tr.sent() {
			if msg.Method == mcp.MethodToolsCall {
				calls++
			}
		}
		if calls == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 calls in flight, got %d", calls)
		}
		time.Sleep(10 * time.Millisecond)
	}

	tr.terminate(errors.New("server crashed"))

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			var tErr *mcp.TerminationError
			if !errors.As(err, &tErr) {
				t.Fatalf("expected TerminationError, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not rejected")
		}
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	if sess.State() != mcp.StateClosed {
		t.Fatalf("expected closed, got %s", sess.State())
	}
	var tErr *mcp.TerminationError
	if !errors.As(sess.Err(), &tErr) {
		t.Fatalf("expected session error to be TerminationError, got %v", sess.Err())
	}

	_, err := sess.ListTools(context.Background())
	if !errors.Is(err, mcp.ErrSessionClosed) {
		t.Fatalf("expected closed usage error, got %v", err)
	}
}

func TestSessionRequestTimeout(t *testing.T) {
	srv := mcptest.EchoServer(mcptest.WithTool(mcptest.SleepTool()))
	sess, _ := connectMemory(t, srv, mcp.WithRequestTimeout(100*time.Millisecond))

	_, err := sess.CallTool(context.Background(), "sleep", json.RawMessage(`{"ms":5000}`))
	var tErr *mcp.TimeoutError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	// A timeout affects only its own request.
	if sess.State() != mcp.StateReady {
		t.Fatalf("expected session to stay ready, got %s", sess.State())
	}
	if err := sess.Ping(context.Background()); err != nil {
		t.Fatalf("ping after timeout failed: %v", err)
	}
}

func TestSessionCancelledCallNotifiesServer(t *testing.T) {
	srv := mcptest.EchoServer(mcptest.WithTool(mcptest.SleepTool()))
	sess, tr := connectMemory(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sess.CallTool(ctx, "sleep", json.RawMessage(`{"ms":5000}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, msg := range tr.sent() {
			if msg.Method != mcp.MethodNotificationsCancelled {
				continue
			}
			var params struct {
				RequestID json.RawMessage `json:"requestId"`
			}
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				t.Fatalf("failed to decode cancellation: %v", err)
			}
			if len(params.RequestID) == 0 {
				t.Fatal("expected cancellation to carry the request id")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected a cancellation notification")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionAnswersServerPing(t *testing.T) {
	sess, tr := connectMemory(t, mcptest.EchoServer())

	tr.inject([]byte(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}` + "\n"))
	tr.inject([]byte(`{"jsonrpc":"2.0","id":"srv-2","method":"sampling/createMessage"}` + "\n"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		var pong, rejected bool
		for _, msg := range tr.sent() {
			if !msg.IsResponse() {
				continue
			}
			switch msg.ID.String() {
			case "srv-1":
				pong = msg.Error == nil && string(msg.Result) == "{}"
			case "srv-2":
				rejected = msg.Error != nil && msg.Error.Code == mcp.JSONRPCMethodNotFoundCode
			}
		}
		if pong && rejected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ping reply and method-not-found reply, got pong=%v rejected=%v", pong, rejected)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sess.State() != mcp.StateReady {
		t.Fatalf("expected ready, got %s", sess.State())
	}
}

func TestSessionForwardsNotifications(t *testing.T) {
	sess, tr := connectMemory(t, mcptest.EchoServer())

	tr.inject([]byte("garbage\n"))
	tr.inject([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}` + "\n"))

	select {
	case msg := <-sess.Notifications():
		if msg.Method != mcp.MethodNotificationsToolsListChanged {
			t.Fatalf("unexpected notification %s", msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not forwarded")
	}
	if sess.State() != mcp.StateReady {
		t.Fatalf("a bad line must not close the session, state is %s", sess.State())
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	sess, _ := connectMemory(t, mcptest.EchoServer())

	for i := 0; i < 3; i++ {
		if err := sess.Close(); err != nil {
			t.Fatalf("close %d failed: %v", i, err)
		}
	}
	if sess.Err() != nil {
		t.Fatalf("expected nil error after Close, got %v", sess.Err())
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}
