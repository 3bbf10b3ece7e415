package mcp_test

import (
	"encoding/json"
	"testing"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
)

func TestRequestIDKeepsRepresentation(t *testing.T) {
	type testCase struct {
		name    string
		input   string
		wantKey string
		wantInt bool
	}

	testCases := []testCase{
		{name: "integer", input: `{"jsonrpc":"2.0","id":12,"result":{}}`, wantKey: "12", wantInt: true},
		{name: "string", input: `{"jsonrpc":"2.0","id":"abc","result":{}}`, wantKey: "abc"},
		{name: "numeric string", input: `{"jsonrpc":"2.0","id":"12","result":{}}`, wantKey: "12"},
		{name: "fraction", input: `{"jsonrpc":"2.0","id":1.5,"result":{}}`, wantKey: "1.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(tc.input), &msg); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}
			if msg.ID.String() != tc.wantKey {
				t.Fatalf("expected key %q, got %q", tc.wantKey, msg.ID.String())
			}
			if _, isInt := msg.ID.Int(); isInt != tc.wantInt {
				t.Fatalf("expected integer %v, got %v", tc.wantInt, isInt)
			}

			out, err := json.Marshal(msg.ID)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}
			var raw struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal([]byte(tc.input), &raw); err != nil {
				t.Fatalf("failed to unmarshal raw: %v", err)
			}
			if tc.name != "fraction" && string(out) != string(raw.ID) {
				t.Fatalf("expected id to marshal as %s, got %s", raw.ID, out)
			}
		})
	}
}

func TestMessageKinds(t *testing.T) {
	req := mcp.JSONRPCMessage{ID: mcp.NumberID(1), Method: "ping"}
	notif := mcp.JSONRPCMessage{Method: "notifications/initialized"}
	res := mcp.JSONRPCMessage{ID: mcp.StringID("x"), Result: json.RawMessage(`{}`)}

	if !req.IsRequest() || req.IsNotification() || req.IsResponse() {
		t.Fatal("expected request classification")
	}
	if notif.IsRequest() || !notif.IsNotification() || notif.IsResponse() {
		t.Fatal("expected notification classification")
	}
	if res.IsRequest() || res.IsNotification() || !res.IsResponse() {
		t.Fatal("expected response classification")
	}
}
