package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
)

// SSEServer serves the server over Server-Sent Events. HandleSSE opens a stream per client
// and announces the message endpoint through an "endpoint" event; HandleMessage accepts the
// client's POSTs and answers on the client's stream.
//
// Instances should be created using NewSSEServer.
type SSEServer struct {
	srv        *Server
	messageURL string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseServerSession
}

type sseServerSession struct {
	mu     sync.Mutex
	sess   *sse.Session
	closed bool
}

// NewSSEServer creates an SSE server for srv. messageURL is announced to clients as their
// endpoint; it may be relative to the stream URL.
func NewSSEServer(srv *Server, messageURL string) *SSEServer {
	return &SSEServer{
		srv:        srv,
		messageURL: messageURL,
		logger:     srv.logger,
		sessions:   make(map[string]*sseServerSession),
	}
}

// Sessions returns the number of open streams.
func (s *SSEServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests. The
// handler upgrades HTTP connections to SSE, assigns unique session IDs, and provides clients
// with their message endpoints. The connection remains active until the client disconnects.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		srvSession := &sseServerSession{sess: sess}

		s.mu.Lock()
		s.sessions[sessID] = srvSession
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()

			srvSession.mu.Lock()
			srvSession.closed = true
			srvSession.mu.Unlock()
		}()

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := &sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionId=%s", s.messageURL, sessID))
		if err := srvSession.send(msg); err != nil {
			s.logger.Error("failed to write endpoint", "err", err)
			return
		}

		// Block until the client goes away, so the connection is left open.
		<-r.Context().Done()
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionId query parameter and a JSON-encoded message
// body. The response, if any, is delivered on the session's stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionId")
		if sessID == "" {
			http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		srvSession, ok := s.sessions[sessID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)

		go func() {
			res, ok := s.srv.Handle(context.Background(), msg)
			if !ok {
				return
			}
			bs, err := json.Marshal(res)
			if err != nil {
				s.logger.Error("failed to marshal response", "err", err)
				return
			}
			sseMsg := &sse.Message{
				Type: sse.Type("message"),
			}
			sseMsg.AppendData(string(bs))
			if err := srvSession.send(sseMsg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
		}()
	})
}

// Notify sends a notification to every open stream.
func (s *SSEServer) Notify(method string, params any) error {
	bs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	msgBs, err := json.Marshal(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  method,
		Params:  bs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	sessions := make([]*sseServerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sseMsg := &sse.Message{
			Type: sse.Type("message"),
		}
		sseMsg.AppendData(string(msgBs))
		if err := sess.send(sseMsg); err != nil {
			s.logger.Warn("failed to send notification", slog.String("err", err.Error()))
		}
	}
	return nil
}

// send writes and flushes one message. Writes are serialized because the sse library's
// session is not safe for concurrent use.
func (s *sseServerSession) send(msg *sse.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session is closed")
	}
	if err := s.sess.Send(msg); err != nil {
		return err
	}
	return s.sess.Flush()
}
