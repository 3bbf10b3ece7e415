package mcp_test

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/mcptest"
)

// memoryTransport connects a Session to an in-process mcptest.Server without any I/O.
type memoryTransport struct {
	srv *mcptest.Server

	ctx    context.Context
	cancel context.CancelFunc

	chunks chan []byte
	done   chan struct{}

	mu       sync.Mutex
	received []mcp.JSONRPCMessage
	termErr  error
	ended    bool

	closeOnce sync.Once
}

func newMemoryTransport(srv *mcptest.Server) *memoryTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &memoryTransport{
		srv:    srv,
		ctx:    ctx,
		cancel: cancel,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (m *memoryTransport) Start(context.Context) error {
	return nil
}

func (m *memoryTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-m.done:
		return mcp.ErrSessionClosed
	default:
	}

	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return err
	}
	m.mu.Lock()
	m.received = append(m.received, msg)
	m.mu.Unlock()

	if msg.IsResponse() {
		return nil
	}

	go func() {
		res, ok := m.srv.Handle(m.ctx, msg)
		if !ok {
			return
		}
		bs, err := mcp.EncodeMessage(res)
		if err != nil {
			return
		}
		m.inject(bs)
	}()
	return nil
}

func (m *memoryTransport) Chunks() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case chunk, ok := <-m.chunks:
				if !ok || !yield(chunk) {
					return
				}
			case <-m.done:
				return
			}
		}
	}
}

func (m *memoryTransport) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termErr
}

func (m *memoryTransport) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.done)
	})
	return nil
}

// inject delivers raw bytes to the session as if the server had written them.
func (m *memoryTransport) inject(chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	select {
	case m.chunks <- chunk:
	case <-m.done:
	}
}

// terminate ends the stream as if the server went away.
func (m *memoryTransport) terminate(err error) {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	m.termErr = err
	close(m.chunks)
}

// sent returns every message the session wrote.
func (m *memoryTransport) sent() []mcp.JSONRPCMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mcp.JSONRPCMessage(nil), m.received...)
}
