package mcp_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
)

func TestFramerSplitsChunksAtAnyBoundary(t *testing.T) {
	var msgs []mcp.JSONRPCMessage
	for i := 1; i <= 20; i++ {
		msgs = append(msgs, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.NumberID(int64(i)),
			Result:  json.RawMessage(fmt.Sprintf(`{"n":%d,"text":"line %d"}`, i, i)),
		})
	}

	var stream []byte
	for _, msg := range msgs {
		bs, err := mcp.EncodeMessage(msg)
		if err != nil {
			t.Fatalf("failed to encode message: %v", err)
		}
		stream = append(stream, bs...)
	}

	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		framer := mcp.NewFramer(nil)
		var got []mcp.JSONRPCMessage

		rest := stream
		for len(rest) > 0 {
			n := rnd.Intn(len(rest)) + 1
			if n > 17 {
				n = rnd.Intn(17) + 1
			}
			out, errs := framer.Feed(rest[:n])
			if len(errs) > 0 {
				t.Fatalf("round %d: unexpected errors: %v", round, errs)
			}
			got = append(got, out...)
			rest = rest[n:]
		}

		if len(got) != len(msgs) {
			t.Fatalf("round %d: expected %d messages, got %d", round, len(msgs), len(got))
		}
		for i := range msgs {
			if got[i].ID.String() != msgs[i].ID.String() {
				t.Fatalf("round %d: message %d has id %s, want %s", round, i, got[i].ID, msgs[i].ID)
			}
			if !bytes.Equal(got[i].Result, msgs[i].Result) {
				t.Fatalf("round %d: message %d has result %s, want %s", round, i, got[i].Result, msgs[i].Result)
			}
		}
		if framer.Buffered() != 0 {
			t.Fatalf("round %d: expected empty buffer, got %d bytes", round, framer.Buffered())
		}
	}
}

func TestFramerKeepsIncompleteTail(t *testing.T) {
	framer := mcp.NewFramer(nil)

	msgs, errs := framer.Feed([]byte(`{"jsonrpc":"2.0","method":"a"}` + "\n" + `{"jsonrpc":"2.0",`))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(msgs) != 1 || msgs[0].Method != "a" {
		t.Fatalf("expected one message with method a, got %+v", msgs)
	}
	if framer.Buffered() == 0 {
		t.Fatal("expected the incomplete tail to be buffered")
	}

	msgs, errs = framer.Feed([]byte(`"method":"b"}` + "\n"))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(msgs) != 1 || msgs[0].Method != "b" {
		t.Fatalf("expected one message with method b, got %+v", msgs)
	}
}

func TestFramerSkipsBadLines(t *testing.T) {
	framer := mcp.NewFramer(nil)

	input := "\n   \nnot json\n" + `{"jsonrpc":"2.0","method":"ok"}` + "\r\n{broken\n"
	msgs, errs := framer.Feed([]byte(input))

	if len(msgs) != 1 || msgs[0].Method != "ok" {
		t.Fatalf("expected only the valid message, got %+v", msgs)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	for _, err := range errs {
		var pErr *mcp.ProtocolError
		if !errors.As(err, &pErr) {
			t.Fatalf("expected ProtocolError, got %T", err)
		}
	}
}

func TestEncodeMessageFraming(t *testing.T) {
	bs, err := mcp.EncodeMessage(mcp.JSONRPCMessage{
		ID:     mcp.NumberID(7),
		Method: "tools/list",
		Params: json.RawMessage(`{ "cursor" : "x" }`),
	})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if bytes.Count(bs, []byte("\n")) != 1 || bs[len(bs)-1] != '\n' {
		t.Fatalf("expected exactly one trailing newline, got %q", bs)
	}

	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(bs, &msg); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if msg.JSONRPC != mcp.JSONRPCVersion {
		t.Fatalf("expected jsonrpc %q, got %q", mcp.JSONRPCVersion, msg.JSONRPC)
	}
}
