package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

// SessionOption is a function that configures a Session.
type SessionOption func(*Session)

// Session implements the client side of one Model Context Protocol (MCP) connection. It owns
// a Transport, a Framer and a Correlator, performs the initialize handshake and exposes
// tool discovery and invocation once the server is Ready.
//
// A Session moves through Uninitialized, Initializing, Ready and Closed, and never leaves
// Closed. Operations outside Ready fail immediately with a *UsageError instead of waiting.
// When the transport terminates on its own every outstanding request is rejected with a
// *TerminationError and the session closes.
//
// A Session must be created using NewSession and requires Connect to be called before any
// operation. It should be released using Close.
type Session struct {
	transport    Transport
	framer       *Framer
	correlator   *Correlator
	clientInfo   Info
	capabilities ClientCapabilities

	requestTimeout     time.Duration
	notificationBuffer int
	clock              clockwork.Clock
	logger             *slog.Logger

	state      atomic.Int32
	running    atomic.Bool
	mu         sync.RWMutex
	serverInfo ServerInfo
	limited    bool
	closeErr   error

	notifications chan JSONRPCMessage
	done          chan struct{}
	readClosed    chan struct{}
	incomingDone  chan struct{}
	closeOnce     sync.Once
}

const (
	// StateUninitialized is the state of a new Session.
	StateUninitialized SessionState = iota
	// StateInitializing is the state while the transport starts and the handshake runs.
	StateInitializing
	// StateReady is the state in which tools can be listed and called.
	StateReady
	// StateClosed is the terminal state.
	StateClosed
)

var (
	defaultClientInfo = Info{Name: "go-mcp-manager", Version: "1.0.0"}

	defaultNotificationBuffer = 32
	cancelNotifyTimeout       = 5 * time.Second
)

// WithClientInfo sets the client name and version announced during initialize.
func WithClientInfo(info Info) SessionOption {
	return func(s *Session) {
		s.clientInfo = info
	}
}

// WithClientCapabilities sets the capabilities announced during initialize.
func WithClientCapabilities(capabilities ClientCapabilities) SessionOption {
	return func(s *Session) {
		s.capabilities = capabilities
	}
}

// WithRequestTimeout sets the deadline of every request the session issues.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithSessionClock sets the clock used for request deadlines.
func WithSessionClock(clock clockwork.Clock) SessionOption {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithNotificationBuffer sets how many server notifications may wait in Notifications
// before new ones are dropped.
func WithNotificationBuffer(size int) SessionOption {
	return func(s *Session) {
		s.notificationBuffer = size
	}
}

// NewSession creates a Session over transport. The transport is not started until Connect.
func NewSession(transport Transport, options ...SessionOption) *Session {
	s := &Session{
		transport:          transport,
		clientInfo:         defaultClientInfo,
		requestTimeout:     defaultRequestTimeout,
		notificationBuffer: defaultNotificationBuffer,
		clock:              clockwork.NewRealClock(),
		logger:             slog.Default(),
		done:               make(chan struct{}),
		readClosed:         make(chan struct{}),
		incomingDone:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.notifications = make(chan JSONRPCMessage, s.notificationBuffer)
	s.framer = NewFramer(s.logger)
	s.correlator = NewCorrelator(transport.Send,
		WithCorrelatorTimeout(s.requestTimeout),
		WithCorrelatorClock(s.clock),
		WithCorrelatorLogger(s.logger),
	)
	return s
}

// Connect starts the transport and performs the initialize handshake: the initialize
// request, validation of the negotiated protocol version and the initialized notification.
// On success the session is Ready and the server's info is returned. On failure the session
// is Closed and the error is a *ConnectionError wrapping the cause; Connect never retries.
//
// Over a listen-only transport no handshake is possible. The session becomes Ready right
// away with a ServerInfo marked Limited.
func (s *Session) Connect(ctx context.Context) (ServerInfo, error) {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return ServerInfo{}, &UsageError{Op: "connect", Err: fmt.Errorf("session is %s", s.State())}
	}

	if err := s.transport.Start(ctx); err != nil {
		s.shutdown(err)
		return ServerInfo{}, asConnectionError("start", "", err)
	}

	s.running.Store(true)
	go s.readLoop()
	go s.handleIncoming()

	if lo, ok := s.transport.(ListenOnly); ok && lo.ListenOnly() {
		info := ServerInfo{Limited: true}
		if str, ok := s.transport.(fmt.Stringer); ok {
			info.Name = str.String()
		}
		s.mu.Lock()
		s.serverInfo = info
		s.limited = true
		s.mu.Unlock()

		if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
			return ServerInfo{}, asConnectionError("connect", "", s.cause())
		}
		s.logger.Info("connected to listen-only server", slog.String("server", info.Name))
		return info, nil
	}

	info, err := s.initialize(ctx)
	if err != nil {
		s.shutdown(err)
		return ServerInfo{}, asConnectionError("initialize", "", err)
	}

	s.mu.Lock()
	s.serverInfo = info
	s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		// Terminated between the handshake and now.
		return ServerInfo{}, asConnectionError("initialize", "", s.cause())
	}

	s.logger.Info("connected to server",
		slog.String("server", info.Name),
		slog.String("version", info.Version),
		slog.String("protocolVersion", info.ProtocolVersion))

	return info, nil
}

// ListTools returns every tool the server exposes, following pagination cursors. Over a
// listen-only transport it returns an empty list.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if err := s.checkReady("list tools"); err != nil {
		return nil, err
	}

	tools := []Tool{}
	if s.isLimited() {
		return tools, nil
	}

	cursor := ""
	seen := make(map[string]struct{})
	for {
		raw, err := s.call(ctx, MethodToolsList, ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}

		var result ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &ProtocolError{Method: MethodToolsList, Err: fmt.Errorf("failed to unmarshal result: %w", err)}
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" {
			return tools, nil
		}
		if _, ok := seen[result.NextCursor]; ok {
			s.logger.Warn("server repeated a pagination cursor", slog.String("cursor", result.NextCursor))
			return tools, nil
		}
		seen[result.NextCursor] = struct{}{}
		cursor = result.NextCursor
	}
}

// CallTool invokes the named tool with args, a JSON object; nil means no arguments. The
// result is returned as the server sent it: a tool-level failure is reported through
// IsError, only transport and protocol failures are returned as errors.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (CallToolResult, error) {
	if err := s.checkReady("call tool"); err != nil {
		return CallToolResult{}, err
	}
	if s.isLimited() {
		return CallToolResult{}, &UsageError{Op: "call tool", Err: ErrUnsupported}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	raw, err := s.call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, &ProtocolError{Method: MethodToolsCall, Err: fmt.Errorf("failed to unmarshal result: %w", err)}
	}
	result.Raw = raw
	return result, nil
}

// Ping checks the server is alive with a ping request. Over a listen-only transport it only
// checks that the stream is still open.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.checkReady("ping"); err != nil {
		return err
	}
	if s.isLimited() {
		return nil
	}
	_, err := s.call(ctx, MethodPing, nil)
	return err
}

// ServerInfo returns the info captured during the handshake.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Done is closed once the session is Closed, whichever way it got there.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed: nil while open or after Close, the termination error
// when the transport ended on its own, or the failure that aborted Connect.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if errors.Is(s.closeErr, ErrSessionClosed) {
		return nil
	}
	return s.closeErr
}

// Notifications returns notifications sent by the server. The channel is closed when the
// session closes.
func (s *Session) Notifications() <-chan JSONRPCMessage {
	return s.notifications
}

// Close rejects every outstanding request, closes the transport and waits for the session's
// goroutines to finish. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

func (s *Session) initialize(ctx context.Context) (ServerInfo, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.capabilities,
		ClientInfo:      s.clientInfo,
	}
	raw, err := s.call(ctx, MethodInitialize, params)
	if err != nil {
		return ServerInfo{}, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ServerInfo{}, &ProtocolError{Method: MethodInitialize, Err: fmt.Errorf("failed to unmarshal result: %w", err)}
	}
	if !isSupportedProtocolVersion(result.ProtocolVersion) {
		return ServerInfo{}, &ProtocolError{
			Method: MethodInitialize,
			Err:    fmt.Errorf("unsupported protocol version %q", result.ProtocolVersion),
		}
	}

	if err := s.correlator.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		return ServerInfo{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities,
		Instructions:    result.Instructions,
	}, nil
}

func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := s.correlator.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}

	res, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Tell the server to stop working on a request nobody waits for anymore.
		go s.notifyCancelled(p.ID())
	}
	return res, err
}

func (s *Session) notifyCancelled(id *RequestID) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
	defer cancel()

	params := notificationsCancelledParams{RequestID: id, Reason: userCancelledReason}
	if err := s.correlator.Notify(ctx, MethodNotificationsCancelled, params); err != nil {
		s.logger.Debug("failed to send cancellation", slog.String("id", id.String()), "err", err)
	}
}

func (s *Session) checkReady(op string) error {
	switch s.State() {
	case StateReady:
		return nil
	case StateClosed:
		return &UsageError{Op: op, Err: ErrSessionClosed}
	default:
		return &UsageError{Op: op, Err: ErrNotReady}
	}
}

func (s *Session) cause() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closeErr == nil {
		return ErrSessionClosed
	}
	return s.closeErr
}

func (s *Session) isLimited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limited
}

func (s *Session) readLoop() {
	defer close(s.readClosed)

	for chunk := range s.transport.Chunks() {
		msgs, _ := s.framer.Feed(chunk)
		for _, msg := range msgs {
			s.correlator.Deliver(msg)
		}
	}

	// The stream ended. Err is nil when we closed the transport ourselves.
	err := s.transport.Err()
	if err == nil {
		err = ErrSessionClosed
	} else {
		var tErr *TerminationError
		if !errors.As(err, &tErr) {
			err = &TerminationError{Reason: "transport ended", Err: err}
		}
		s.logger.Warn("server connection terminated", "err", err)
	}
	go s.shutdown(err)
}

// handleIncoming consumes the correlator's side channel: server requests are answered,
// notifications are forwarded.
func (s *Session) handleIncoming() {
	defer func() {
		close(s.notifications)
		close(s.incomingDone)
	}()

	for msg := range s.correlator.Incoming() {
		switch {
		case msg.IsRequest():
			// Replies go out in their own goroutine; an HTTP transport delivers the reply's
			// response body through the same loop that is feeding us.
			go s.answerRequest(msg)
		case msg.IsNotification():
			s.logger.Debug("received notification", slog.String("method", msg.Method))
			select {
			case s.notifications <- msg:
			default:
				s.logger.Warn("notification buffer is full, dropping notification", slog.String("method", msg.Method))
			}
		default:
			s.logger.Debug("ignoring unmatched message", slog.String("id", msg.ID.String()))
		}
	}
}

func (s *Session) answerRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	var err error
	switch msg.Method {
	case MethodPing:
		err = s.correlator.Respond(ctx, msg.ID, struct{}{}, nil)
	default:
		s.logger.Debug("rejecting unsupported server request", slog.String("method", msg.Method))
		err = s.correlator.Respond(ctx, msg.ID, nil, &JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Method not found: %s", msg.Method),
		})
	}
	if err != nil {
		s.logger.Debug("failed to answer server request", slog.String("method", msg.Method), "err", err)
	}
}

// shutdown moves the session to Closed exactly once: pending requests are rejected with
// reason, the transport is closed and the session's goroutines are awaited.
func (s *Session) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		s.mu.Lock()
		s.closeErr = reason
		s.mu.Unlock()

		rejectErr := reason
		if errors.Is(reason, ErrSessionClosed) {
			rejectErr = &TerminationError{Reason: "session closed", Err: ErrSessionClosed}
		}
		s.correlator.RejectAll(rejectErr)

		if err := s.transport.Close(); err != nil {
			s.logger.Warn("failed to close transport", "err", err)
		}

		if s.running.Load() {
			<-s.readClosed
			<-s.incomingDone
		} else {
			close(s.notifications)
		}
		close(s.done)
	})
	<-s.done
}

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
