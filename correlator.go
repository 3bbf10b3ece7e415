package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// SendFunc hands one framed message to a transport.
type SendFunc func(ctx context.Context, frame []byte) error

// CorrelatorOption is a function that configures a Correlator.
type CorrelatorOption func(*Correlator)

// Correlator pairs outgoing requests with their responses. It issues integer ids starting
// at 1 that are never reused, keeps one pending entry per outstanding request and resolves
// entries in whatever order responses arrive. Messages that answer no pending request are
// forwarded to the Incoming channel.
//
// A Correlator must be created using NewCorrelator. Once RejectAll is called it refuses new
// requests; it cannot be reopened.
type Correlator struct {
	send    SendFunc
	timeout time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger

	lastID atomic.Int64

	mu       sync.Mutex
	pending  map[string]*Pending
	closeErr error
	incoming chan JSONRPCMessage
}

// Pending is the completion handle of one outstanding request.
type Pending struct {
	id       *RequestID
	method   string
	issuedAt time.Time

	corr  *Correlator
	timer clockwork.Timer

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

var (
	defaultRequestTimeout = 30 * time.Second
	defaultIncomingBuffer = 64
)

// WithCorrelatorTimeout sets the deadline applied to every request.
func WithCorrelatorTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.timeout = timeout
	}
}

// WithCorrelatorClock sets the clock used to arm request deadlines.
func WithCorrelatorClock(clock clockwork.Clock) CorrelatorOption {
	return func(c *Correlator) {
		c.clock = clock
	}
}

// WithCorrelatorLogger sets the logger for the correlator.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithIncomingBuffer sets how many unsolicited messages may wait in the Incoming channel
// before new ones are dropped.
func WithIncomingBuffer(size int) CorrelatorOption {
	return func(c *Correlator) {
		c.incoming = make(chan JSONRPCMessage, size)
	}
}

// NewCorrelator creates a Correlator that writes its frames through send.
func NewCorrelator(send SendFunc, options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		send:    send,
		timeout: defaultRequestTimeout,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		pending: make(map[string]*Pending),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.incoming == nil {
		c.incoming = make(chan JSONRPCMessage, defaultIncomingBuffer)
	}
	return c
}

// NextID returns the id the next request will use, without consuming it.
func (c *Correlator) NextID() int64 {
	return c.lastID.Load() + 1
}

// Send issues a request and returns its completion handle. The pending entry is registered
// before the frame reaches the transport, so a response can never outrun its entry.
func (c *Correlator) Send(ctx context.Context, method string, params any) (*Pending, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	id := NumberID(c.lastID.Add(1))
	p := &Pending{
		id:       id,
		method:   method,
		issuedAt: c.clock.Now(),
		corr:     c,
		done:     make(chan struct{}),
	}
	key := id.String()
	c.pending[key] = p
	p.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(key) })
	c.mu.Unlock()

	frame, err := EncodeMessage(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err == nil {
		err = c.sendPending(ctx, p, frame)
	}
	if err != nil {
		select {
		case <-p.done:
			// Resolved while the frame was in flight; Wait reports the outcome.
			return p, nil
		default:
		}
		c.drop(key)
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	return p, nil
}

// sendPending writes frame with a context that is cancelled as soon as p fails, so a
// transport blocked on a hung peer gives up when the request times out or is rejected.
func (c *Correlator) sendPending(ctx context.Context, p *Pending, frame []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.done:
			if p.err != nil {
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	return c.send(ctx, frame)
}

// Call issues a request and waits for its result.
func (c *Correlator) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := c.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Notify sends a notification. Nothing is registered, no response is expected.
func (c *Correlator) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	frame, err := EncodeMessage(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return err
	}
	if err := c.send(ctx, frame); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", method, err)
	}
	return nil
}

// Respond answers a request the peer sent. Exactly one of result and rpcErr should be set.
func (c *Correlator) Respond(ctx context.Context, id *RequestID, result any, rpcErr *JSONRPCError) error {
	if err := c.Err(); err != nil {
		return err
	}
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil {
		raw, err := marshalParams(result)
		if err != nil {
			return err
		}
		if raw == nil {
			raw = json.RawMessage("{}")
		}
		msg.Result = raw
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

// Deliver routes an incoming message. A response matching a pending entry completes that
// entry and Deliver returns true. Anything else is forwarded to Incoming and Deliver returns
// false.
func (c *Correlator) Deliver(msg JSONRPCMessage) bool {
	if msg.IsResponse() {
		key := msg.ID.String()

		c.mu.Lock()
		p, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		if ok {
			p.timer.Stop()
			if msg.Error != nil {
				p.complete(nil, &ProtocolError{Method: p.method, Err: *msg.Error})
			} else {
				p.complete(msg.Result, nil)
			}
			return true
		}
		c.logger.Debug("received response for unknown request", slog.String("id", key))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return false
	}
	select {
	case c.incoming <- msg:
	default:
		c.logger.Warn("incoming buffer is full, dropping message", slog.String("method", msg.Method))
	}
	return false
}

// Incoming returns the side channel of messages that answered no pending request: server
// notifications, server requests and stray responses. It is closed by RejectAll.
func (c *Correlator) Incoming() <-chan JSONRPCMessage {
	return c.incoming
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Err returns the error passed to RejectAll, or nil while the correlator is open.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// RejectAll rejects every outstanding request with err and makes every later Send fail
// with err. Only the first call has an effect.
func (c *Correlator) RejectAll(err error) {
	if err == nil {
		err = ErrSessionClosed
	}

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*Pending)
	close(c.incoming)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.complete(nil, err)
	}
}

func (c *Correlator) expire(key string) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.logger.Warn("request timed out", slog.String("method", p.method), slog.String("id", key))
	p.complete(nil, &TimeoutError{Method: p.method, ID: key, After: c.timeout})
}

// drop forgets a pending entry without completing it.
func (c *Correlator) drop(key string) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok {
		p.timer.Stop()
	}
}

// ID returns the request id.
func (p *Pending) ID() *RequestID {
	return p.id
}

// Method returns the request method.
func (p *Pending) Method() string {
	return p.method
}

// IssuedAt returns the time the request was registered.
func (p *Pending) IssuedAt() time.Time {
	return p.issuedAt
}

// Done is closed once the request is resolved or rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request completes or ctx ends. When ctx ends first the pending entry
// is abandoned and ctx's error is returned.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		p.corr.drop(p.id.String())
		// The response may have landed while we were dropping the entry.
		select {
		case <-p.done:
			return p.result, p.err
		default:
		}
		return nil, ctx.Err()
	}
}

func (p *Pending) complete(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}
