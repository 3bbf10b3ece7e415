package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// HTTPTransport speaks to an MCP server that accepts each JSON-RPC message as a discrete
// HTTP POST. There is no persistent connection: the answer to a request is carried by the
// body of the very POST that sent it, either as a JSON document or as a short event stream.
// Those bodies are handed to the session through Chunks, so correlation stays per call.
//
// Calls other than tools/call are bounded by the call timeout. tools/call is bounded only
// by the caller's context and the session's request deadline, since tools may legitimately
// run longer than a handshake.
//
// Instances should be created using NewHTTPTransport.
type HTTPTransport struct {
	url         string
	headers     map[string]string
	httpClient  *http.Client
	callTimeout time.Duration
	logger      *slog.Logger

	maxPayloadSize int

	mu        sync.RWMutex
	sessionID string

	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// HTTPOption represents the options for the HTTPTransport.
type HTTPOption func(*HTTPTransport)

const sessionIDHeader = "Mcp-Session-Id"

var defaultHTTPCallTimeout = 10 * time.Second

// WithHTTPHeaders sets headers sent with every request.
func WithHTTPHeaders(headers map[string]string) HTTPOption {
	return func(h *HTTPTransport) {
		h.headers = headers
	}
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPTransport) {
		h.httpClient = client
	}
}

// WithHTTPCallTimeout sets the timeout of calls other than tools/call.
func WithHTTPCallTimeout(timeout time.Duration) HTTPOption {
	return func(h *HTTPTransport) {
		h.callTimeout = timeout
	}
}

// WithHTTPLogger sets the logger for the transport.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPTransport) {
		h.logger = logger
	}
}

// WithHTTPMaxPayloadSize sets the maximum size of one event in an event-stream response.
func WithHTTPMaxPayloadSize(size int) HTTPOption {
	return func(h *HTTPTransport) {
		h.maxPayloadSize = size
	}
}

// NewHTTPTransport creates a transport posting to endpoint.
func NewHTTPTransport(endpoint string, options ...HTTPOption) *HTTPTransport {
	h := &HTTPTransport{
		url:         endpoint,
		httpClient:  http.DefaultClient,
		callTimeout: defaultHTTPCallTimeout,
		logger:      slog.Default(),
		chunks:      make(chan []byte, 16),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Start implements Transport. It only validates the endpoint, the first request is the
// first contact with the server.
func (h *HTTPTransport) Start(_ context.Context) error {
	u, err := url.Parse(h.url)
	if err != nil {
		return &ConnectionError{Op: "parse url", Target: h.url, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConnectionError{Op: "parse url", Target: h.url, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

// Send POSTs frame and forwards whatever the response body carries to Chunks before it
// returns. Non-2xx answers are reported as *ConnectionError.
func (h *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-h.done:
		return ErrSessionClosed
	default:
	}

	if method := frameMethod(frame); method != MethodToolsCall && h.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Op: "post", Target: h.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cErr := &ConnectionError{Op: "post", Target: h.url, StatusCode: resp.StatusCode}
		if len(bytes.TrimSpace(body)) > 0 {
			cErr.Err = errors.New(string(bytes.TrimSpace(body)))
		}
		return cErr
	}

	if id := resp.Header.Get(sessionIDHeader); id != "" {
		h.mu.Lock()
		h.sessionID = id
		h.mu.Unlock()
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		return h.forwardEvents(ctx, resp.Body)
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &ConnectionError{Op: "read response", Target: h.url, Err: err}
		}
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			return nil
		}
		return h.push(ctx, append(body, '\n'))
	}
}

// Chunks implements Transport.
func (h *HTTPTransport) Chunks() iter.Seq[[]byte] {
	return chunkSeq(h.chunks, h.done)
}

// Err implements Transport. An HTTP transport never terminates on its own.
func (h *HTTPTransport) Err() error {
	return nil
}

// SessionID returns the server-assigned session id, if the server issued one.
func (h *HTTPTransport) SessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

// Close implements Transport. When the server issued a session id, Close tells the server
// the session is over with a best-effort DELETE.
func (h *HTTPTransport) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)

		if h.SessionID() == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.url, nil)
		if err != nil {
			return
		}
		h.setHeaders(req)
		resp, err := h.httpClient.Do(req)
		if err != nil {
			h.logger.Debug("failed to end server session", "err", err)
			return
		}
		resp.Body.Close()
	})
	return nil
}

func (h *HTTPTransport) setHeaders(req *http.Request) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	if id := h.SessionID(); id != "" {
		req.Header.Set(sessionIDHeader, id)
	}
}

func (h *HTTPTransport) forwardEvents(ctx context.Context, body io.Reader) error {
	var config *sse.ReadConfig
	if h.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: h.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return &ConnectionError{Op: "read event stream", Target: h.url, Err: err}
		}
		if ev.Type != "" && ev.Type != "message" {
			h.logger.Debug("ignoring event", slog.String("type", ev.Type))
			continue
		}
		if ev.Data == "" {
			continue
		}
		if err := h.push(ctx, []byte(ev.Data+"\n")); err != nil {
			return err
		}
	}
	return nil
}

func (h *HTTPTransport) push(ctx context.Context, chunk []byte) error {
	select {
	case h.chunks <- chunk:
		return nil
	case <-h.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameMethod extracts the method of a framed message, or "" for responses.
func frameMethod(frame []byte) string {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return ""
	}
	return probe.Method
}
