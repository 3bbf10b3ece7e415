// Package mcptest provides an in-process MCP tool server. It speaks the server side of the
// protocol over standard input/output, plain HTTP POST and Server-Sent Events, and is used by
// the tests of this module and by the echo-server binary.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
)

// ToolHandler executes a tool. args has already been validated against the tool's input
// schema. A returned error is reported to the client as a result with isError set.
type ToolHandler func(ctx context.Context, args map[string]any) (mcp.CallToolResult, error)

// Tool is a tool served by a Server.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema document describing the tool's arguments.
	InputSchema string
	Handler     ToolHandler
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

// Server answers MCP requests: initialize, ping, tools/list and tools/call. Any other request
// is answered with a method-not-found error. Notifications are recorded and otherwise
// ignored.
//
// Instances should be created using NewServer. A Server is safe for concurrent use and may
// serve any number of transports at once.
type Server struct {
	info            mcp.Info
	protocolVersion string
	instructions    string
	pageSize        int
	logger          *slog.Logger

	tools   []registeredTool
	byName  map[string]registeredTool
	mu      sync.Mutex
	methods []string
}

type registeredTool struct {
	def     mcp.Tool
	schema  *jsonschema.Schema
	handler ToolHandler
}

// WithTool adds a tool. It panics if the tool's input schema is not valid JSON Schema.
func WithTool(tool Tool) ServerOption {
	return func(s *Server) {
		rt := registeredTool{
			def: mcp.Tool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: json.RawMessage(tool.InputSchema),
			},
			handler: tool.Handler,
		}
		if tool.InputSchema != "" {
			rt.schema = jsonschema.Must(tool.InputSchema)
		}
		s.tools = append(s.tools, rt)
		s.byName[tool.Name] = rt
	}
}

// WithProtocolVersion sets the protocol version the server answers initialize with.
func WithProtocolVersion(version string) ServerOption {
	return func(s *Server) {
		s.protocolVersion = version
	}
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPageSize makes tools/list paginate with the given page size.
func WithPageSize(size int) ServerOption {
	return func(s *Server) {
		s.pageSize = size
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a Server announcing info.
func NewServer(info mcp.Info, options ...ServerOption) *Server {
	s := &Server{
		info:            info,
		protocolVersion: mcp.ProtocolVersion,
		logger:          slog.Default(),
		byName:          make(map[string]registeredTool),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Methods returns the method of every message the server received, in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Handle processes one incoming message. It returns the response to send and true, or false
// when the message calls for no response.
func (s *Server) Handle(ctx context.Context, msg mcp.JSONRPCMessage) (mcp.JSONRPCMessage, bool) {
	s.mu.Lock()
	s.methods = append(s.methods, msg.Method)
	s.mu.Unlock()

	if !msg.IsRequest() {
		return mcp.JSONRPCMessage{}, false
	}

	resMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      msg.ID,
	}

	if msg.JSONRPC != mcp.JSONRPCVersion {
		resMsg.Error = &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidRequestCode,
			Message: fmt.Sprintf("Invalid request: unsupported jsonrpc version %q", msg.JSONRPC),
		}
		return resMsg, true
	}

	var result any
	var rpcErr *mcp.JSONRPCError

	switch msg.Method {
	case mcp.MethodInitialize:
		result, rpcErr = s.initialize(msg)
	case mcp.MethodPing:
		result = struct{}{}
	case mcp.MethodToolsList:
		result, rpcErr = s.listTools(msg)
	case mcp.MethodToolsCall:
		result, rpcErr = s.callTool(ctx, msg)
	default:
		rpcErr = &mcp.JSONRPCError{
			Code:    mcp.JSONRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Method not found: %s", msg.Method),
		}
	}

	if rpcErr != nil {
		s.logger.Debug("request failed", slog.String("method", msg.Method), slog.String("err", rpcErr.Message))
		resMsg.Error = rpcErr
		return resMsg, true
	}

	bs, err := json.Marshal(result)
	if err != nil {
		resMsg.Error = &mcp.JSONRPCError{Code: mcp.JSONRPCInternalErrorCode, Message: err.Error()}
		return resMsg, true
	}
	resMsg.Result = bs
	return resMsg, true
}

func (s *Server) initialize(msg mcp.JSONRPCMessage) (mcp.InitializeResult, *mcp.JSONRPCError) {
	var params mcp.InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return mcp.InitializeResult{}, &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}
	if params.ProtocolVersion == "" {
		return mcp.InitializeResult{}, &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: "missing protocol version",
		}
	}

	return mcp.InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) listTools(msg mcp.JSONRPCMessage) (mcp.ListToolsResult, *mcp.JSONRPCError) {
	var params mcp.ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return mcp.ListToolsResult{}, &mcp.JSONRPCError{
				Code:    mcp.JSONRPCInvalidParamsCode,
				Message: fmt.Sprintf("failed to unmarshal params: %s", err),
			}
		}
	}

	tools := make([]mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.def)
	}
	if s.pageSize <= 0 {
		return mcp.ListToolsResult{Tools: tools}, nil
	}

	start := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 || n > len(tools) {
			return mcp.ListToolsResult{}, &mcp.JSONRPCError{
				Code:    mcp.JSONRPCInvalidParamsCode,
				Message: fmt.Sprintf("invalid cursor %q", params.Cursor),
			}
		}
		start = n
	}
	end := min(start+s.pageSize, len(tools))

	res := mcp.ListToolsResult{Tools: tools[start:end]}
	if end < len(tools) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

func (s *Server) callTool(ctx context.Context, msg mcp.JSONRPCMessage) (mcp.CallToolResult, *mcp.JSONRPCError) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return mcp.CallToolResult{}, &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}

	tool, ok := s.byName[params.Name]
	if !ok {
		return mcp.CallToolResult{}, &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("tool not found: %s", params.Name),
		}
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResult(fmt.Errorf("arguments must be a JSON object: %w", err)), nil
		}
	}

	if tool.schema != nil {
		vs := tool.schema.Validate(ctx, args)
		errs := *vs.Errs
		if len(errs) > 0 {
			var errStr []string
			for _, err := range errs {
				errStr = append(errStr, err.Message)
			}
			return errorResult(fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))), nil
		}
	}

	result, err := tool.handler(ctx, args)
	if err != nil {
		return errorResult(err), nil
	}
	return result, nil
}

func errorResult(err error) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: err.Error(),
			},
		},
		IsError: true,
	}
}
