package mcptest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
)

// HTTPHandler serves the server over plain HTTP: every JSON-RPC message arrives as the body
// of a POST, and the answer to a request is the body of the same response. initialize
// issues an Mcp-Session-Id that later requests must carry; DELETE ends the session.
type HTTPHandler struct {
	srv         *Server
	eventStream bool
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]struct{}
}

const sessionIDHeader = "Mcp-Session-Id"

// NewHTTPHandler creates a handler for srv. With eventStream set, responses are written as
// a one-event text/event-stream body instead of a JSON document.
func NewHTTPHandler(srv *Server, eventStream bool) *HTTPHandler {
	return &HTTPHandler{
		srv:         srv,
		eventStream: eventStream,
		logger:      srv.logger,
		sessions:    make(map[string]struct{}),
	}
}

// Sessions returns the number of open sessions.
func (h *HTTPHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		h.mu.Lock()
		delete(h.sessions, r.Header.Get(sessionIDHeader))
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		h.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusBadRequest)
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if msg.Method == mcp.MethodInitialize {
		sessID = uuid.New().String()
		h.mu.Lock()
		h.sessions[sessID] = struct{}{}
		h.mu.Unlock()
	} else if sessID != "" {
		h.mu.Lock()
		_, ok := h.sessions[sessID]
		h.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
	}
	if sessID != "" {
		w.Header().Set(sessionIDHeader, sessID)
	}

	res, ok := h.srv.Handle(r.Context(), msg)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	bs, err := json.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !h.eventStream {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(bs)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		h.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}
	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(bs))
	if err := sess.Send(sseMsg); err != nil {
		h.logger.Error("failed to write event", "err", err)
		return
	}
	if err := sess.Flush(); err != nil {
		h.logger.Error("failed to flush event", "err", err)
	}
}
