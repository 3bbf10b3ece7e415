package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tmaxmax/go-sse"
)

// SSETransport implements a Server-Sent Events (SSE) transport. It opens a long-lived GET
// stream for server-to-client messages and, once the server announces an endpoint through
// an "endpoint" event, sends client-to-server messages as HTTP POST requests to it.
//
// Servers that stream events but never announce an endpoint leave the transport in
// listen-only mode: it stays connected and keeps receiving, but cannot send, so a Session
// over it reports no tools and refuses tool calls. This is a known limitation of plain
// event streams, not an error.
//
// Instances should be created using NewSSETransport.
type SSETransport struct {
	connectURL     string
	headers        map[string]string
	httpClient     *http.Client
	connectTimeout time.Duration
	endpointWait   time.Duration
	maxPayloadSize int
	clock          clockwork.Clock
	logger         *slog.Logger

	mu         sync.RWMutex
	messageURL string
	listenOnly bool
	streamErr  error

	endpointReady chan struct{}
	endpointOnce  sync.Once

	cancel    context.CancelFunc
	chunks    chan []byte
	done      chan struct{}
	ended     chan struct{}
	closeOnce sync.Once
}

// SSEOption represents the options for the SSETransport.
type SSEOption func(*SSETransport)

var (
	defaultSSEConnectTimeout = 5 * time.Second
	defaultSSEEndpointWait   = 2 * time.Second
)

// WithSSEHeaders sets headers sent with the stream request and every POST.
func WithSSEHeaders(headers map[string]string) SSEOption {
	return func(s *SSETransport) {
		s.headers = headers
	}
}

// WithSSEClient sets the HTTP client. The client must not carry a Timeout, it would cut the
// long-lived stream.
func WithSSEClient(client *http.Client) SSEOption {
	return func(s *SSETransport) {
		s.httpClient = client
	}
}

// WithSSEConnectTimeout sets how long Start waits for the stream's response headers.
func WithSSEConnectTimeout(timeout time.Duration) SSEOption {
	return func(s *SSETransport) {
		s.connectTimeout = timeout
	}
}

// WithSSEEndpointWait sets how long Start waits for an "endpoint" event before settling for
// listen-only mode.
func WithSSEEndpointWait(wait time.Duration) SSEOption {
	return func(s *SSETransport) {
		s.endpointWait = wait
	}
}

// WithSSEMaxPayloadSize sets the maximum size of the payload that can be received from the
// server. If the payload size exceeds this limit, the error will be logged and the stream
// ends.
func WithSSEMaxPayloadSize(size int) SSEOption {
	return func(s *SSETransport) {
		s.maxPayloadSize = size
	}
}

// WithSSEClock sets the clock used for the connect timeout and the endpoint wait.
func WithSSEClock(clock clockwork.Clock) SSEOption {
	return func(s *SSETransport) {
		s.clock = clock
	}
}

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(s *SSETransport) {
		s.logger = logger
	}
}

// NewSSETransport creates an SSE transport that connects to connectURL on Start.
func NewSSETransport(connectURL string, options ...SSEOption) *SSETransport {
	s := &SSETransport{
		connectURL:     connectURL,
		httpClient:     http.DefaultClient,
		connectTimeout: defaultSSEConnectTimeout,
		endpointWait:   defaultSSEEndpointWait,
		clock:          clockwork.NewRealClock(),
		logger:         slog.Default(),
		endpointReady:  make(chan struct{}),
		chunks:         make(chan []byte, 64),
		done:           make(chan struct{}),
		ended:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start opens the event stream. The response headers must arrive within the connect
// timeout, the status must be 200 and the content type must be text/event-stream; any other
// outcome is a *ConnectionError. Start then waits for the endpoint announcement up to the
// endpoint wait.
func (s *SSETransport) Start(ctx context.Context) error {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return &ConnectionError{Op: "parse url", Target: s.connectURL, Err: err}
	}

	// The stream outlives Start, so it gets its own context; ctx only bounds the connect.
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return &ConnectionError{Op: "connect", Target: s.connectURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	timedOut := make(chan struct{})
	connectTimer := s.clock.AfterFunc(s.connectTimeout, func() {
		close(timedOut)
		cancel()
	})
	stopCtx := context.AfterFunc(ctx, cancel)

	resp, err := s.httpClient.Do(req)

	connectTimer.Stop()
	stopCtx()

	if err != nil {
		cancel()
		select {
		case <-timedOut:
			err = fmt.Errorf("no response within %s: %w", s.connectTimeout, err)
		default:
			if ctx.Err() != nil {
				err = ctx.Err()
			}
		}
		return &ConnectionError{Op: "connect", Target: s.connectURL, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return &ConnectionError{Op: "connect", Target: s.connectURL, StatusCode: resp.StatusCode}
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), "text/event-stream") {
		resp.Body.Close()
		cancel()
		return &ConnectionError{
			Op:     "connect",
			Target: s.connectURL,
			Err:    fmt.Errorf("unexpected content type %q, want text/event-stream", ct),
		}
	}

	go s.listenSSEMessages(base, resp.Body)

	waitTimer := s.clock.NewTimer(s.endpointWait)
	defer waitTimer.Stop()

	select {
	case <-s.endpointReady:
		return nil
	case <-waitTimer.Chan():
		s.mu.Lock()
		announced := s.messageURL != ""
		s.listenOnly = !announced
		s.mu.Unlock()
		if announced {
			return nil
		}
		s.logger.Warn("event stream announced no endpoint, connected in listen-only mode",
			slog.String("url", s.connectURL))
		return nil
	case <-s.ended:
		_ = s.Close()
		return &ConnectionError{Op: "connect", Target: s.connectURL, Err: s.streamError()}
	case <-ctx.Done():
		_ = s.Close()
		return &ConnectionError{Op: "connect", Target: s.connectURL, Err: ctx.Err()}
	}
}

// Send transmits a frame to the announced endpoint through an HTTP POST request. The
// provided context allows request cancellation. In listen-only mode Send fails with
// ErrUnsupported.
func (s *SSETransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.mu.RLock()
	messageURL, listenOnly := s.messageURL, s.listenOnly
	s.mu.RUnlock()

	if listenOnly || messageURL == "" {
		return fmt.Errorf("send over event stream without endpoint: %w", ErrUnsupported)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ConnectionError{Op: "post", Target: messageURL, StatusCode: resp.StatusCode}
	}
	return nil
}

// Chunks implements Transport by yielding the data of "message" events, one frame each.
func (s *SSETransport) Chunks() iter.Seq[[]byte] {
	return chunkSeq(s.chunks, s.done)
}

// ListenOnly implements ListenOnly.
func (s *SSETransport) ListenOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenOnly
}

// MessageURL returns the endpoint announced by the server, or "" when none was.
func (s *SSETransport) MessageURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageURL
}

// String returns the stream URL.
func (s *SSETransport) String() string {
	return s.connectURL
}

// Err implements Transport.
func (s *SSETransport) Err() error {
	select {
	case <-s.ended:
	default:
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	return &TerminationError{Reason: "event stream ended", Err: s.streamError()}
}

// Close implements Transport by cancelling the stream.
func (s *SSETransport) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

func (s *SSETransport) streamError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.streamErr == nil {
		return io.EOF
	}
	return s.streamErr
}

func (s *SSETransport) listenSSEMessages(base *url.URL, body io.ReadCloser) {
	defer func() {
		body.Close()
		close(s.chunks)
		close(s.ended)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("failed to read SSE message", "err", err)
				}
			}
			s.mu.Lock()
			s.streamErr = err
			s.mu.Unlock()
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(strings.TrimSpace(ev.Data))
			if err != nil || ev.Data == "" {
				s.logger.Error("invalid endpoint URL", slog.String("data", ev.Data), "err", err)
				continue
			}
			// Endpoints are commonly relative to the stream URL.
			resolved := base.ResolveReference(u).String()

			s.mu.Lock()
			late := s.listenOnly
			if !late {
				s.messageURL = resolved
			}
			s.mu.Unlock()
			if late {
				// Start already settled on listen-only mode and the session relies on it.
				s.logger.Warn("ignoring endpoint announced after the endpoint wait",
					slog.String("endpoint", resolved))
				continue
			}

			s.endpointOnce.Do(func() { close(s.endpointReady) })
			s.logger.Debug("event stream announced endpoint", slog.String("endpoint", resolved))
		case "", "message":
			if ev.Data == "" {
				continue
			}
			select {
			case s.chunks <- []byte(ev.Data + "\n"):
			case <-s.done:
				return
			}
		default:
			s.logger.Debug("unhandled event type", slog.String("type", ev.Type))
		}
	}
}
