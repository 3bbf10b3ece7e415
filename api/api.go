// Package api exposes the session manager over HTTP.
package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/logger"
	"github.com/MegaGrindStone/go-mcp-manager/manager"
	"github.com/MegaGrindStone/go-mcp-manager/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gobwas/glob"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"
)

const maxBodySize = 1 << 20

// Options configures the API.
type Options struct {
	Manager *manager.Manager
	// Metrics is served on /metrics when set.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   clockwork.Clock
	// CORSOrigins lists the allowed origins; empty or "*" allows any.
	CORSOrigins []string
	Version     string
}

// API is the HTTP front of a Manager.
type API struct {
	chi.Router

	manager *manager.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   clockwork.Clock
	version string
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type connectRequest struct {
	ServerID     string                `json:"serverId"`
	ServerConfig *manager.ServerConfig `json:"serverConfig"`
}

type serverInfo struct {
	mcp.ServerInfo
	ID          string       `json:"id,omitempty"`
	Type        manager.Kind `json:"type"`
	ConnectedAt *time.Time   `json:"connectedAt,omitempty"`
}

type connectResponse struct {
	Success    bool                 `json:"success"`
	Tools      []manager.ServerTool `json:"tools"`
	ServerInfo serverInfo           `json:"serverInfo"`
}

type disconnectRequest struct {
	ServerID string `json:"serverId"`
}

type disconnectResponse struct {
	Success        bool      `json:"success"`
	ServerID       string    `json:"serverId"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
}

type serverStatus struct {
	ID          string               `json:"id"`
	Connected   bool                 `json:"connected"`
	ToolCount   int                  `json:"toolCount"`
	Tools       []manager.ServerTool `json:"tools,omitempty"`
	Error       string               `json:"error,omitempty"`
	LastChecked time.Time            `json:"lastChecked"`
}

type statusResponse struct {
	Success        bool           `json:"success"`
	ServerStatus   []serverStatus `json:"serverStatus"`
	TotalConnected int            `json:"totalConnected"`
	TotalServers   int            `json:"totalServers"`
	Timestamp      time.Time      `json:"timestamp"`
}

type reconnectServer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	manager.ServerConfig
}

type reconnectRequest struct {
	Servers []reconnectServer `json:"servers"`
}

type reconnectResult struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Success   bool                 `json:"success"`
	ToolCount int                  `json:"toolCount"`
	Tools     []manager.ServerTool `json:"tools,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type reconnectResponse struct {
	Success   bool              `json:"success"`
	Results   []reconnectResult `json:"results"`
	Timestamp time.Time         `json:"timestamp"`
}

type testRequest struct {
	ServerConfig *manager.ServerConfig `json:"serverConfig"`
}

type toolsResponse struct {
	Success      bool                 `json:"success"`
	Tools        []manager.ServerTool `json:"tools"`
	TotalClients int                  `json:"totalClients"`
}

type callRequest struct {
	ServerID string          `json:"serverId"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
}

type callResponse struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	CallID    string          `json:"callId"`
	Duration  int64           `json:"duration"`
	ToolName  string          `json:"toolName"`
	ServerID  string          `json:"serverId"`
	Timestamp time.Time       `json:"timestamp"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Version  string `json:"version,omitempty"`
}

// New builds the router. The manager is required.
func New(o Options) *API {
	a := &API{
		Router:  chi.NewMux(),
		manager: o.Manager,
		metrics: o.Metrics,
		logger:  o.Logger,
		clock:   o.Clock,
		version: o.Version,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}

	copts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}
	if len(o.CORSOrigins) == 0 {
		copts.AllowOriginFunc = func(_ *http.Request, _ string) bool { return true }
	} else {
		copts.AllowedOrigins = o.CORSOrigins
	}
	a.Use(cors.Handler(copts))
	a.Use(middleware.RequestID)
	a.Use(a.requestLogger)
	a.Use(middleware.Recoverer)

	a.Get("/healthz", a.health)
	if a.metrics != nil {
		a.Handle("/metrics", a.metrics.Handler())
	}

	a.Route("/api/mcp", func(r chi.Router) {
		r.Post("/servers/connect", a.connect)
		r.Post("/servers/disconnect", a.disconnect)
		r.Get("/servers/status", a.status)
		r.Post("/servers/reconnect", a.reconnect)
		r.Post("/servers/test", a.test)

		r.Get("/tools", a.listTools)
		r.Post("/tools", a.callTool)
	})

	return a
}

// Serve listens on addr until ctx is done, then shuts the server down.
func (a *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", slog.String("addr", addr))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: len(a.manager.List()),
		Version:  a.version,
	})
}

func (a *API) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ServerID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("serverId is required"))
		return
	}
	if req.ServerConfig == nil {
		a.writeError(w, http.StatusBadRequest, errors.New("serverConfig is required"))
		return
	}
	desc, err := req.ServerConfig.Descriptor()
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	info, err := a.manager.Create(ctx, req.ServerID, desc)
	if err != nil {
		logger.From(ctx).Error("failed to connect server", slog.String("id", req.ServerID), "err", err)
		a.writeError(w, statusFor(err), err)
		return
	}

	tools, err := a.manager.ListTools(ctx, req.ServerID)
	if err != nil {
		logger.From(ctx).Error("failed to list tools of new server, disconnecting it",
			slog.String("id", req.ServerID), "err", err)
		_ = a.manager.Remove(req.ServerID)
		a.writeError(w, statusFor(err), err)
		return
	}

	connectedAt := a.clock.Now()
	a.writeJSON(w, http.StatusOK, connectResponse{
		Success: true,
		Tools:   tagTools(req.ServerID, info.Name, tools),
		ServerInfo: serverInfo{
			ServerInfo:  info,
			ID:          req.ServerID,
			Type:        desc.Kind(),
			ConnectedAt: &connectedAt,
		},
	})
}

func (a *API) disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ServerID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("serverId is required"))
		return
	}

	if err := a.manager.Remove(req.ServerID); err != nil {
		// The session is unregistered either way; a failed teardown is only reported.
		logger.From(r.Context()).Warn("failed to close server cleanly", slog.String("id", req.ServerID), "err", err)
	}

	a.writeJSON(w, http.StatusOK, disconnectResponse{
		Success:        true,
		ServerID:       req.ServerID,
		DisconnectedAt: a.clock.Now(),
	})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probes := a.manager.Probe(ctx)

	tools := make(map[string][]manager.ServerTool)
	for _, tool := range a.manager.AllTools(ctx) {
		tools[tool.ServerID] = append(tools[tool.ServerID], tool)
	}

	now := a.clock.Now()
	resp := statusResponse{
		Success:      true,
		ServerStatus: make([]serverStatus, 0, len(probes)),
		TotalServers: len(probes),
		Timestamp:    now,
	}
	for _, p := range probes {
		st := serverStatus{ID: p.ID, Connected: p.Healthy, LastChecked: now}
		if p.Healthy {
			st.Tools = tools[p.ID]
			st.ToolCount = len(st.Tools)
			resp.TotalConnected++
		} else if p.Err != nil {
			st.Error = p.Err.Error()
		}
		resp.ServerStatus = append(resp.ServerStatus, st)
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) reconnect(w http.ResponseWriter, r *http.Request) {
	var req reconnectRequest
	if !a.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	results := make([]reconnectResult, len(req.Servers))

	p := pool.New().WithMaxGoroutines(4)
	for i, srv := range req.Servers {
		p.Go(func() {
			results[i] = a.reconnectOne(ctx, srv)
		})
	}
	p.Wait()

	a.writeJSON(w, http.StatusOK, reconnectResponse{
		Success:   true,
		Results:   results,
		Timestamp: a.clock.Now(),
	})
}

func (a *API) reconnectOne(ctx context.Context, srv reconnectServer) reconnectResult {
	res := reconnectResult{ID: srv.ID, Name: srv.Name}
	if srv.ID == "" {
		res.Error = "id is required"
		return res
	}

	desc, err := srv.Descriptor()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	info, err := a.manager.Create(ctx, srv.ID, desc)
	if err != nil {
		logger.From(ctx).Warn("failed to reconnect server", slog.String("id", srv.ID), "err", err)
		res.Error = err.Error()
		return res
	}

	tools, err := a.manager.ListTools(ctx, srv.ID)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Tools = tagTools(srv.ID, info.Name, tools)
	res.ToolCount = len(tools)
	return res
}

func (a *API) test(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ServerConfig == nil {
		a.writeError(w, http.StatusBadRequest, errors.New("serverConfig is required"))
		return
	}
	desc, err := req.ServerConfig.Descriptor()
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	info, tools, err := a.manager.Test(r.Context(), desc)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}

	a.writeJSON(w, http.StatusOK, connectResponse{
		Success:    true,
		Tools:      tagTools("", info.Name, tools),
		ServerInfo: serverInfo{ServerInfo: info, Type: desc.Kind()},
	})
}

func (a *API) listTools(w http.ResponseWriter, r *http.Request) {
	filter, err := compileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	tools := []manager.ServerTool{}
	for _, tool := range a.manager.AllTools(r.Context()) {
		if filter(tool) {
			tools = append(tools, tool)
		}
	}

	a.writeJSON(w, http.StatusOK, toolsResponse{
		Success:      true,
		Tools:        tools,
		TotalClients: len(a.manager.List()),
	})
}

// compileFilter builds a matcher from comma separated glob patterns. A pattern containing a
// slash is matched against serverId/toolName, any other against the tool name alone. An
// empty filter matches everything.
func compileFilter(raw string) (func(manager.ServerTool) bool, error) {
	type matcher struct {
		g         glob.Glob
		qualified bool
	}

	var matchers []matcher
	for _, pattern := range strings.Split(raw, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
		}
		matchers = append(matchers, matcher{g: g, qualified: strings.Contains(pattern, "/")})
	}

	return func(tool manager.ServerTool) bool {
		if len(matchers) == 0 {
			return true
		}
		for _, m := range matchers {
			subject := tool.Name
			if m.qualified {
				subject = tool.ServerID + "/" + tool.Name
			}
			if m.g.Match(subject) {
				return true
			}
		}
		return false
	}, nil
}

func (a *API) callTool(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ServerID == "" || req.ToolName == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("serverId and toolName are required"))
		return
	}

	start := a.clock.Now()
	res, err := a.manager.CallTool(r.Context(), req.ServerID, req.ToolName, req.Args)
	if err != nil {
		logger.From(r.Context()).Error("failed to call tool",
			slog.String("id", req.ServerID), slog.String("tool", req.ToolName), "err", err)
		a.writeError(w, statusFor(err), err)
		return
	}
	duration := a.clock.Since(start)

	result := res.Raw
	if len(result) == 0 {
		if result, err = json.Marshal(res); err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	a.writeJSON(w, http.StatusOK, callResponse{
		Success:   true,
		Result:    result,
		CallID:    ulid.MustNew(ulid.Timestamp(start), rand.Reader).String(),
		Duration:  duration.Milliseconds(),
		ToolName:  req.ToolName,
		ServerID:  req.ServerID,
		Timestamp: a.clock.Now(),
	})
}

// requestLogger tags the request's logger with its request id.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := a.logger.With(
			slog.String("requestId", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), l)))
	})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to write response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		timeoutErr *mcp.TimeoutError
		usageErr   *mcp.UsageError
	)
	switch {
	case errors.Is(err, mcp.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, mcp.ErrNotReady), errors.Is(err, mcp.ErrSessionClosed), errors.Is(err, mcp.ErrUnsupported):
		return http.StatusConflict
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &usageErr):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func tagTools(id, name string, tools []mcp.Tool) []manager.ServerTool {
	tagged := make([]manager.ServerTool, 0, len(tools))
	for _, tool := range tools {
		tagged = append(tagged, manager.ServerTool{Tool: tool, ServerID: id, ServerName: name})
	}
	return tagged
}
