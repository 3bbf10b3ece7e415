// Package mcp is the client side of the Model Context Protocol (MCP): it frames and correlates
// JSON-RPC 2.0 messages, carries them over a child process's stdio, a Streamable HTTP endpoint
// or a legacy SSE stream, and drives a Session through the initialize handshake and the tool
// operations (tools/list, tools/call, ping).
//
// A Session owns one Transport. Transports deliver raw chunks; the Framer turns them into
// messages and the Correlator matches responses to outstanding requests by id, enforcing a
// per-request deadline. When a transport ends unexpectedly every outstanding request fails
// with a TerminationError and the session becomes Closed.
//
// Errors are typed: ConnectionError, ProtocolError, TimeoutError, TerminationError and
// UsageError, all usable with errors.As. The manager package keeps a registry of named
// sessions on top of this package.
package mcp
