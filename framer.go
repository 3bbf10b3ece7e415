package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Framer turns a stream of arbitrarily sized chunks into newline-delimited JSON-RPC
// messages. A chunk may end in the middle of a message or carry several messages; the
// incomplete tail is kept until the next Feed. A Framer is not safe for concurrent use, each
// session owns one and feeds it from its read loop.
type Framer struct {
	buf    []byte
	logger *slog.Logger
}

// NewFramer creates a Framer. A nil logger falls back to slog.Default().
func NewFramer(logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{logger: logger}
}

// Feed appends chunk to the buffer and returns every complete message it now holds, in
// order. Lines that are not valid JSON-RPC are dropped and reported in the returned errors;
// they never stop the stream.
func (f *Framer) Feed(chunk []byte) ([]JSONRPCMessage, []error) {
	f.buf = append(f.buf, chunk...)

	var msgs []JSONRPCMessage
	var errs []error

	rest := f.buf
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(rest[:idx])
		rest = rest[idx+1:]

		if len(line) == 0 {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			pErr := &ProtocolError{Err: fmt.Errorf("failed to decode message %q: %w", truncate(line, 128), err)}
			f.logger.Warn("dropping undecodable line", "err", pErr)
			errs = append(errs, pErr)
			continue
		}
		msgs = append(msgs, msg)
	}

	// copy handles the overlap between rest and the head of buf.
	n := copy(f.buf, rest)
	f.buf = f.buf[:n]

	return msgs, errs
}

// Buffered returns the number of bytes held for an incomplete message.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// EncodeMessage serializes msg as compact JSON terminated by a single newline, the framing
// line-oriented peers expect.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(bs, '\n'), nil
}

func truncate(bs []byte, n int) string {
	if len(bs) <= n {
		return string(bs)
	}
	return string(bs[:n]) + "..."
}
