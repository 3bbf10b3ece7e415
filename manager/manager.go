// Package manager keeps a registry of named MCP sessions. It builds the transport a
// connection descriptor asks for, connects a session over it and registers the session only
// once it is Ready. Sessions whose transport terminates are removed on their own.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/metrics"
)

// TransportFactory builds the transport for a descriptor.
type TransportFactory func(desc Descriptor) (mcp.Transport, error)

// Option represents the options for the Manager.
type Option func(*Manager)

// Manager is a registry of sessions keyed by caller-chosen ids. At most one session is
// registered per id; operations on the same id are serialized while different ids proceed
// in parallel.
//
// Instances should be created using New. A Manager is safe for concurrent use.
type Manager struct {
	logger         *slog.Logger
	clock          clockwork.Clock
	metrics        *metrics.Metrics
	sessionOptions []mcp.SessionOption
	factory        TransportFactory
	concurrency    int

	processGrace      time.Duration
	processKill       time.Duration
	httpTimeout       time.Duration
	sseConnectTimeout time.Duration
	sseEndpointWait   time.Duration

	locks *keyedMutex

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Target      string         `json:"target"`
	Server      mcp.ServerInfo `json:"server"`
	State       string         `json:"state"`
	ConnectedAt time.Time      `json:"connectedAt"`
}

// ServerTool is a tool tagged with the session that exposes it.
type ServerTool struct {
	mcp.Tool
	ServerID   string `json:"serverId"`
	ServerName string `json:"server"`
}

// ProbeResult is the outcome of probing one session.
type ProbeResult struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
	Err     error  `json:"-"`
}

type entry struct {
	id          string
	desc        Descriptor
	session     *mcp.Session
	connectedAt time.Time
}

var defaultConcurrency = 8

// WithLogger sets the logger for the manager and the sessions it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the clock used for timestamps and call durations.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithMetrics sets the collectors the manager reports to.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithSessionOptions adds options applied to every session the manager creates.
func WithSessionOptions(options ...mcp.SessionOption) Option {
	return func(m *Manager) {
		m.sessionOptions = append(m.sessionOptions, options...)
	}
}

// WithClientInfo sets the client info every session announces.
func WithClientInfo(info mcp.Info) Option {
	return WithSessionOptions(mcp.WithClientInfo(info))
}

// WithTransportFactory replaces the way transports are built from descriptors.
func WithTransportFactory(factory TransportFactory) Option {
	return func(m *Manager) {
		m.factory = factory
	}
}

// WithConcurrency bounds how many sessions fan-out operations touch at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		m.concurrency = n
	}
}

// WithProcessTimeouts sets the readiness grace period and kill timeout of stdio servers.
func WithProcessTimeouts(grace, kill time.Duration) Option {
	return func(m *Manager) {
		m.processGrace = grace
		m.processKill = kill
	}
}

// WithHTTPTimeout sets the per-call timeout of HTTP servers.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.httpTimeout = timeout
	}
}

// WithSSETimeouts sets the connect timeout and endpoint wait of SSE servers.
func WithSSETimeouts(connect, endpointWait time.Duration) Option {
	return func(m *Manager) {
		m.sseConnectTimeout = connect
		m.sseEndpointWait = endpointWait
	}
}

// New creates an empty Manager.
func New(options ...Option) *Manager {
	m := &Manager{
		logger:      slog.Default(),
		clock:       clockwork.NewRealClock(),
		concurrency: defaultConcurrency,
		locks:       newKeyedMutex(),
		entries:     make(map[string]*entry),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.factory == nil {
		m.factory = m.newTransport
	}
	if m.concurrency <= 0 {
		m.concurrency = defaultConcurrency
	}
	return m
}

// Create connects a session for desc and registers it under id. Any session already
// registered under id is closed first, and Create returns only after it is fully gone. The
// new session is registered only if it connects; on failure nothing is registered under id.
func (m *Manager) Create(ctx context.Context, id string, desc Descriptor) (mcp.ServerInfo, error) {
	if id == "" {
		return mcp.ServerInfo{}, &mcp.UsageError{Op: "create", Err: errors.New("session id is required")}
	}
	if desc == nil {
		return mcp.ServerInfo{}, &mcp.UsageError{Op: "create", Err: errors.New("descriptor is required")}
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if old := m.unregister(id, nil); old != nil {
		m.logger.Info("replacing session", slog.String("id", id))
		_ = m.closeEntry(old)
	}

	sess, err := m.connect(ctx, id, desc)
	m.metrics.Connected(string(desc.Kind()), err)
	if err != nil {
		return mcp.ServerInfo{}, err
	}

	e := &entry{
		id:          id,
		desc:        desc,
		session:     sess,
		connectedAt: m.clock.Now(),
	}
	m.mu.Lock()
	m.entries[id] = e
	m.order = append(m.order, id)
	m.mu.Unlock()

	go m.watch(e)

	info := sess.ServerInfo()
	m.logger.Info("session registered",
		slog.String("id", id),
		slog.String("kind", string(desc.Kind())),
		slog.String("server", info.Name))
	return info, nil
}

// Get returns the session registered under id.
func (m *Manager) Get(id string) (*mcp.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Remove closes and unregisters the session under id. Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	e := m.unregister(id, nil)
	if e == nil {
		return nil
	}
	if err := m.closeEntry(e); err != nil {
		return err
	}
	m.logger.Info("session removed", slog.String("id", id))
	return nil
}

// RemoveAll closes every registered session in parallel. Failures are aggregated; every
// session is unregistered regardless.
func (m *Manager) RemoveAll() error {
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	p := pool.New().WithMaxGoroutines(m.concurrency)
	for _, id := range m.List() {
		p.Go(func() {
			if err := m.Remove(id); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("failed to remove %s: %w", id, err))
				mu.Unlock()
			}
		})
	}
	p.Wait()

	return errs.ErrorOrNil()
}

// List returns the registered ids in registration order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Sessions describes every registered session, in registration order.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		infos = append(infos, SessionInfo{
			ID:          id,
			Kind:        e.desc.Kind(),
			Target:      e.desc.Target(),
			Server:      e.session.ServerInfo(),
			State:       e.session.State().String(),
			ConnectedAt: e.connectedAt,
		})
	}
	return infos
}

// ListTools lists the tools of the session under id.
func (m *Manager) ListTools(ctx context.Context, id string) ([]mcp.Tool, error) {
	e, err := m.lookup("list tools", id)
	if err != nil {
		return nil, err
	}
	return e.session.ListTools(ctx)
}

// CallTool calls a tool on the session under id. A tool-level failure is reported in the
// result's IsError, not as an error.
func (m *Manager) CallTool(ctx context.Context, id, name string, args json.RawMessage) (mcp.CallToolResult, error) {
	e, err := m.lookup("call tool", id)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	start := m.clock.Now()
	res, err := e.session.CallTool(ctx, name, args)

	result := metrics.ResultOK
	switch {
	case err != nil:
		result = metrics.ResultError
	case res.IsError:
		result = metrics.ResultToolError
	}
	m.metrics.ToolCalled(string(e.desc.Kind()), result, m.clock.Since(start))

	return res, err
}

// AllTools lists the tools of every registered session in parallel. Sessions that fail to
// answer are logged and skipped. Tools are returned grouped by session in registration
// order.
func (m *Manager) AllTools(ctx context.Context) []ServerTool {
	entries := m.snapshot()
	results := make([][]ServerTool, len(entries))

	eg := &errgroup.Group{}
	eg.SetLimit(m.concurrency)
	for i, e := range entries {
		eg.Go(func() error {
			tools, err := e.session.ListTools(ctx)
			if err != nil {
				m.logger.Warn("failed to list tools", slog.String("id", e.id), "err", err)
				return nil
			}
			name := e.session.ServerInfo().Name
			for _, tool := range tools {
				results[i] = append(results[i], ServerTool{Tool: tool, ServerID: e.id, ServerName: name})
			}
			return nil
		})
	}
	_ = eg.Wait()

	all := []ServerTool{}
	for _, tools := range results {
		all = append(all, tools...)
	}
	return all
}

// Probe checks every registered session in parallel and removes the ones that fail. A
// server that answers ping with a JSON-RPC error is alive, it just does not implement ping.
func (m *Manager) Probe(ctx context.Context) []ProbeResult {
	entries := m.snapshot()

	p := pool.NewWithResults[ProbeResult]().WithMaxGoroutines(m.concurrency)
	for _, e := range entries {
		p.Go(func() ProbeResult {
			err := e.session.Ping(ctx)
			var pErr *mcp.ProtocolError
			if errors.As(err, &pErr) {
				err = nil
			}
			m.metrics.Probed(err == nil)
			if err != nil {
				m.logger.Warn("session failed probe, removing it", slog.String("id", e.id), "err", err)
				if m.unregister(e.id, e.session) != nil {
					_ = m.closeEntry(e)
				}
			}
			return ProbeResult{ID: e.id, Healthy: err == nil, Err: err}
		})
	}
	results := p.Wait()

	order := make(map[string]int, len(entries))
	for i, e := range entries {
		order[e.id] = i
	}
	slices.SortFunc(results, func(a, b ProbeResult) int {
		return order[a.ID] - order[b.ID]
	})
	return results
}

// Test connects a throwaway session for desc, lists its tools and closes it. Nothing is
// registered.
func (m *Manager) Test(ctx context.Context, desc Descriptor) (mcp.ServerInfo, []mcp.Tool, error) {
	if desc == nil {
		return mcp.ServerInfo{}, nil, &mcp.UsageError{Op: "test", Err: errors.New("descriptor is required")}
	}

	id := "test-" + uuid.New().String()
	sess, err := m.connect(ctx, id, desc)
	if err != nil {
		return mcp.ServerInfo{}, nil, err
	}
	defer sess.Close()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return mcp.ServerInfo{}, nil, err
	}
	return sess.ServerInfo(), tools, nil
}

func (m *Manager) connect(ctx context.Context, id string, desc Descriptor) (*mcp.Session, error) {
	tr, err := m.factory(desc)
	if err != nil {
		return nil, &mcp.UsageError{Op: "create", Err: err}
	}

	opts := append([]mcp.SessionOption{
		mcp.WithSessionLogger(m.logger.With(slog.String("session", id))),
	}, m.sessionOptions...)
	sess := mcp.NewSession(tr, opts...)

	if _, err := sess.Connect(ctx); err != nil {
		m.logger.Warn("failed to connect session",
			slog.String("id", id),
			slog.String("target", desc.Target()),
			"err", err)
		return nil, err
	}
	return sess, nil
}

func (m *Manager) newTransport(desc Descriptor) (mcp.Transport, error) {
	switch d := desc.(type) {
	case StdioDescriptor:
		opts := []mcp.ProcessOption{
			mcp.WithProcessEnv(d.Env),
			mcp.WithProcessDir(d.Dir),
			mcp.WithProcessLogger(m.logger),
		}
		if m.processGrace > 0 {
			opts = append(opts, mcp.WithProcessGracePeriod(m.processGrace))
		}
		if m.processKill > 0 {
			opts = append(opts, mcp.WithProcessKillTimeout(m.processKill))
		}
		return mcp.NewProcessTransport(d.Command, d.Args, opts...), nil
	case HTTPDescriptor:
		opts := []mcp.HTTPOption{
			mcp.WithHTTPHeaders(d.Headers),
			mcp.WithHTTPLogger(m.logger),
		}
		if m.httpTimeout > 0 {
			opts = append(opts, mcp.WithHTTPCallTimeout(m.httpTimeout))
		}
		return mcp.NewHTTPTransport(d.URL, opts...), nil
	case SSEDescriptor:
		opts := []mcp.SSEOption{
			mcp.WithSSEHeaders(d.Headers),
			mcp.WithSSELogger(m.logger),
		}
		if m.sseConnectTimeout > 0 {
			opts = append(opts, mcp.WithSSEConnectTimeout(m.sseConnectTimeout))
		}
		if m.sseEndpointWait > 0 {
			opts = append(opts, mcp.WithSSEEndpointWait(m.sseEndpointWait))
		}
		return mcp.NewSSETransport(d.URL, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported descriptor %T", desc)
	}
}

// watch removes the entry once its session closes on its own. A session closed through the
// manager is already unregistered, and a replacement registered under the same id is left
// alone.
func (m *Manager) watch(e *entry) {
	<-e.session.Done()

	if m.unregister(e.id, e.session) == nil {
		return
	}
	m.metrics.Removed(string(e.desc.Kind()), true)
	m.logger.Warn("session terminated, removed from registry",
		slog.String("id", e.id),
		"err", e.session.Err())
}

// unregister deletes the entry under id and returns it. With a non-nil want, the entry is
// only deleted if it holds that session.
func (m *Manager) unregister(id string, want *mcp.Session) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || (want != nil && e.session != want) {
		return nil
	}
	delete(m.entries, id)
	if i := slices.Index(m.order, id); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	return e
}

func (m *Manager) closeEntry(e *entry) error {
	m.metrics.Removed(string(e.desc.Kind()), false)
	if err := e.session.Close(); err != nil {
		m.logger.Warn("failed to close session", slog.String("id", e.id), "err", err)
		return err
	}
	return nil
}

func (m *Manager) lookup(op, id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &mcp.UsageError{Op: op, Err: fmt.Errorf("%w: %s", mcp.ErrSessionNotFound, id)}
	}
	return e, nil
}

func (m *Manager) snapshot() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.entries[id])
	}
	return entries
}
