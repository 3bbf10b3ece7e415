package mcp

import (
	"context"
	"iter"
)

// Transport carries framed JSON-RPC messages between a Session and one MCP server. The
// Session owns the framing: Send receives complete newline-terminated frames, and Chunks
// yields raw bytes in arrival order without any guarantee about message boundaries.
//
// Implementations in this package are ProcessTransport, HTTPTransport and SSETransport.
type Transport interface {
	// Start establishes the underlying channel. Failures are reported as *ConnectionError.
	Start(ctx context.Context) error
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Chunks yields incoming bytes until the transport terminates or is closed. It may be
	// ranged over only once.
	Chunks() iter.Seq[[]byte]
	// Err reports why Chunks ended. It is nil after Close and a *TerminationError when the
	// transport ended on its own.
	Err() error
	// Close releases every resource held by the transport. It is idempotent.
	Close() error
}

// ListenOnly is implemented by transports that may end up able to receive from a server
// but not to send to it. A Session over such a transport skips the handshake, reports an
// empty tool set and refuses tool calls.
type ListenOnly interface {
	ListenOnly() bool
}

// chunkSeq adapts a channel of chunks to an iterator that also stops when done closes.
func chunkSeq(chunks <-chan []byte, done <-chan struct{}) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				if !yield(chunk) {
					return
				}
			case <-done:
				// Drain what is already buffered so no message that arrived before the close
				// is lost.
				for {
					select {
					case chunk, ok := <-chunks:
						if !ok || !yield(chunk) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}
}
