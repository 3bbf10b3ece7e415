package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// RequestID identifies a JSON-RPC request. The protocol allows ids to be either strings or
// integers; ids issued by this client are always integers, while ids received from a server
// keep whichever representation the server chose so replies echo them back unchanged.
type RequestID struct {
	str    string
	num    int64
	isText bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID pairs a response with its request; nil for notifications
	ID *RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data json.RawMessage `json:"data,omitempty"`
}

// Info contains the name and version of a client or server implementation.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is captured from the initialize handshake and stays immutable afterwards.
type ServerInfo struct {
	Name            string             `json:"name"`
	Version         string             `json:"version"`
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
	// Limited is set when the session was established over a listen-only stream and never
	// performed a handshake. Such a session reports no tools and cannot call any.
	Limited bool `json:"limited,omitempty"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Prompts      *PromptsCapability   `json:"prompts,omitempty"`
	Resources    *ResourcesCapability `json:"resources,omitempty"`
	Tools        *ToolsCapability     `json:"tools,omitempty"`
	Logging      *LoggingCapability   `json:"logging,omitempty"`
	Experimental map[string]any       `json:"experimental,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Tool defines a callable tool with its input schema. InputSchema is kept as raw JSON, tool
// schemas are arbitrary and server defined.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents the response to a list tools request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError reports a failure of
// the tool itself; it is surfaced to the caller as data, not as a Go error.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`

	// Raw holds the result object exactly as the server sent it.
	Raw json.RawMessage `json:"-"`
}

// Content represents a message content with its type.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// Annotations represents the annotations for a message. The client can use annotations
// to inform how objects are used or displayed.
type Annotations struct {
	Audience []Role `json:"audience,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// Role represents the role in a conversation (user or assistant).
type Role string

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// InitializeParams is sent by the client as the first request of a session.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server's answer to InitializeParams.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID *RequestID `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision this client requests during initialize.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize is the method name of the handshake request.
	MethodInitialize = "initialize"
	// MethodPing is the method name of the liveness request either side may send.
	MethodPing = "ping"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodNotificationsInitialized is sent by the client once the handshake is complete.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled tells the peer an outstanding request was abandoned.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsToolsListChanged is sent by servers whose tool set changed.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"

	userCancelledReason = "Client abandoned the request"

	// JSON-RPC error codes.
	JSONRPCParseErrorCode     = -32700
	JSONRPCInvalidRequestCode = -32600
	JSONRPCMethodNotFoundCode = -32601
	JSONRPCInvalidParamsCode  = -32602
	JSONRPCInternalErrorCode  = -32603
)

// supportedProtocolVersions lists the revisions a server may answer initialize with.
var supportedProtocolVersions = []string{
	ProtocolVersion,
	"2025-03-26",
	"2025-06-18",
}

// NumberID returns an integer request id.
func NumberID(n int64) *RequestID {
	return &RequestID{num: n}
}

// StringID returns a string request id.
func StringID(s string) *RequestID {
	return &RequestID{str: s, isText: true}
}

// Int returns the integer value of the id and whether the id is an integer.
func (r *RequestID) Int() (int64, bool) {
	if r == nil || r.isText {
		return 0, false
	}
	return r.num, true
}

// String returns the id in a form usable as a lookup key. Integer ids and their decimal
// string spelling map to the same key.
func (r *RequestID) String() string {
	if r == nil {
		return ""
	}
	if r.isText {
		return r.str
	}
	return strconv.FormatInt(r.num, 10)
}

// MarshalJSON implements json.Marshaler, preserving the id's original representation.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.isText {
		return json.Marshal(r.str)
	}
	return []byte(strconv.FormatInt(r.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting both string and numeric ids.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RequestID{str: s, isText: true}
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid request id %s: %w", data, err)
	}
	i, err := n.Int64()
	if err != nil {
		// Fractional ids are legal JSON but never issued by us; keep them as text.
		*r = RequestID{str: n.String(), isText: true}
		return nil
	}
	*r = RequestID{num: i}
	return nil
}

// IsRequest reports whether the message is a request: it carries both an id and a method.
func (m JSONRPCMessage) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether the message is a notification: a method without an id.
func (m JSONRPCMessage) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message is a response: an id without a method.
func (m JSONRPCMessage) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

func (j JSONRPCError) Error() string {
	if len(j.Data) > 0 {
		return fmt.Sprintf("request error, code: %d, message: %s, data %s", j.Code, j.Message, j.Data)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

func isSupportedProtocolVersion(v string) bool {
	return slices.Contains(supportedProtocolVersions, v)
}
