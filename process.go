package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
)

// ProcessTransport runs an MCP server as a child process and speaks to it over the child's
// standard input and output. Standard error is only logged and kept as a short tail for
// error messages; it is never parsed as protocol.
//
// The child inherits the parent's environment, overlaid with the configured variables. A
// child that exits within the readiness grace period fails Start with a ConnectionError; one
// that exits later terminates the transport with a TerminationError.
//
// Instances should be created using NewProcessTransport.
type ProcessTransport struct {
	command string
	args    []string
	env     map[string]string
	dir     string

	gracePeriod time.Duration
	killTimeout time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger

	started atomic.Bool
	closing atomic.Bool

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	writeMessages chan processWrite
	chunks        chan []byte
	done          chan struct{}
	exited        chan struct{}
	exitErr       error

	closeOnce sync.Once
}

// ProcessOption represents the options for the ProcessTransport.
type ProcessOption func(*ProcessTransport)

type processWrite struct {
	frame []byte
	errs  chan error
}

var (
	defaultProcessGracePeriod = 100 * time.Millisecond
	defaultProcessKillTimeout = 2 * time.Second

	stderrTailSize = 4 * 1024
)

// WithProcessEnv sets environment variables that override the inherited environment.
func WithProcessEnv(env map[string]string) ProcessOption {
	return func(p *ProcessTransport) {
		p.env = env
	}
}

// WithProcessDir sets the working directory of the child process.
func WithProcessDir(dir string) ProcessOption {
	return func(p *ProcessTransport) {
		p.dir = dir
	}
}

// WithProcessGracePeriod sets how long Start watches the child for an early exit.
func WithProcessGracePeriod(d time.Duration) ProcessOption {
	return func(p *ProcessTransport) {
		p.gracePeriod = d
	}
}

// WithProcessKillTimeout sets how long Close waits after SIGTERM before killing the child,
// and again after the kill before giving up on it.
func WithProcessKillTimeout(d time.Duration) ProcessOption {
	return func(p *ProcessTransport) {
		p.killTimeout = d
	}
}

// WithProcessClock sets the clock used for the grace period and kill timeout.
func WithProcessClock(clock clockwork.Clock) ProcessOption {
	return func(p *ProcessTransport) {
		p.clock = clock
	}
}

// WithProcessLogger sets the logger for the transport.
func WithProcessLogger(logger *slog.Logger) ProcessOption {
	return func(p *ProcessTransport) {
		p.logger = logger
	}
}

// NewProcessTransport creates a transport for the given command. Nothing is spawned until
// Start is called.
func NewProcessTransport(command string, args []string, options ...ProcessOption) *ProcessTransport {
	p := &ProcessTransport{
		command:       command,
		args:          args,
		gracePeriod:   defaultProcessGracePeriod,
		killTimeout:   defaultProcessKillTimeout,
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
		stderr:        newTailBuffer(stderrTailSize),
		writeMessages: make(chan processWrite),
		chunks:        make(chan []byte, 64),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("command", command))
	return p
}

// Start spawns the child and waits out the readiness grace period.
func (p *ProcessTransport) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return &ConnectionError{Op: "spawn", Target: p.command, Err: errors.New("transport already started")}
	}

	cmd := exec.Command(p.command, p.args...)
	cmd.Env = mergeEnv(os.Environ(), p.env)
	cmd.Dir = p.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Op: "spawn", Target: p.command, Err: fmt.Errorf("failed to open stdin: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ConnectionError{Op: "spawn", Target: p.command, Err: fmt.Errorf("failed to open stdout: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ConnectionError{Op: "spawn", Target: p.command, Err: fmt.Errorf("failed to open stderr: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &ConnectionError{Op: "spawn", Target: p.command, Err: err}
	}
	p.cmd = cmd
	p.stdin = stdin
	p.logger.Debug("spawned server process", slog.Int("pid", cmd.Process.Pid))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	// Wait must not run before the pipes are fully read.
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		// Err must see the exit by the time Chunks ends.
		close(p.exited)
		close(p.chunks)
	}()
	go p.processWriteMessages()

	timer := p.clock.NewTimer(p.gracePeriod)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-p.exited:
		err := p.exitErr
		if err == nil {
			err = errors.New("process exited")
		}
		_ = p.Close()
		return &ConnectionError{
			Op:     "start",
			Target: p.command,
			Err:    fmt.Errorf("exited during startup: %w%s", err, p.stderrSuffix()),
		}
	case <-ctx.Done():
		_ = p.Close()
		return &ConnectionError{Op: "start", Target: p.command, Err: ctx.Err()}
	}
}

// Send queues frame for the child's standard input and waits for the write to finish.
func (p *ProcessTransport) Send(ctx context.Context, frame []byte) error {
	if !p.started.Load() {
		return errors.New("transport not started")
	}

	msg := processWrite{
		frame: frame,
		errs:  make(chan error, 1),
	}

	// Queue the message so writes to stdin never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrSessionClosed
	case <-p.exited:
		return p.terminated()
	case p.writeMessages <- msg:
	}

	select {
	case err := <-msg.errs:
		if err != nil {
			return fmt.Errorf("failed to write to process stdin: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.exited:
		return p.terminated()
	}
}

// Chunks implements Transport by yielding what the child writes to standard output.
func (p *ProcessTransport) Chunks() iter.Seq[[]byte] {
	return chunkSeq(p.chunks, p.done)
}

// Err implements Transport.
func (p *ProcessTransport) Err() error {
	select {
	case <-p.exited:
	default:
		return nil
	}
	if p.closing.Load() {
		return nil
	}
	return p.terminated()
}

// Exited is closed once the child process has been reaped.
func (p *ProcessTransport) Exited() <-chan struct{} {
	return p.exited
}

// PID returns the child's process id, or 0 before Start.
func (p *ProcessTransport) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stderr returns the last bytes the child wrote to standard error.
func (p *ProcessTransport) Stderr() string {
	return p.stderr.String()
}

// Close closes the child's standard input and sends it SIGTERM. If the child has not exited
// after the kill timeout it is killed; Close then waits at most one more kill timeout and
// returns regardless.
func (p *ProcessTransport) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		close(p.done)

		if p.cmd == nil {
			return
		}
		_ = p.stdin.Close()

		select {
		case <-p.exited:
			return
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Debug("failed to signal server process", "err", err)
		}
		if p.waitExit(p.killTimeout) {
			return
		}

		p.logger.Warn("server process ignored SIGTERM, killing it")
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Warn("failed to kill server process", "err", err)
		}
		if !p.waitExit(p.killTimeout) {
			p.logger.Error("server process did not exit after kill", slog.Int("pid", p.cmd.Process.Pid))
		}
	})
	return nil
}

func (p *ProcessTransport) waitExit(d time.Duration) bool {
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.exited:
		return true
	case <-timer.Chan():
		return false
	}
}

func (p *ProcessTransport) terminated() error {
	reason := fmt.Sprintf("process %s exited", p.command)
	var exitErr *exec.ExitError
	if errors.As(p.exitErr, &exitErr) {
		reason = fmt.Sprintf("process %s exited with code %d", p.command, exitErr.ExitCode())
	}
	return &TerminationError{Reason: reason + p.stderrSuffix(), Err: p.exitErr}
}

func (p *ProcessTransport) stderrSuffix() string {
	tail := strings.TrimSpace(p.stderr.String())
	if tail == "" {
		return ""
	}
	return ", stderr: " + tail
}

func (p *ProcessTransport) readStdout(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.done:
				// Keep the pipe drained so the child never blocks on a full stdout while it is
				// being shut down.
				_, _ = io.Copy(io.Discard, r)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Error("failed to read server stdout", "err", err)
			}
			return
		}
	}
}

func (p *ProcessTransport) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = p.stderr.Write([]byte(line + "\n"))
		p.logger.Debug("server stderr", slog.String("line", line))
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("failed to read server stderr", "err", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *ProcessTransport) processWriteMessages() {
	for {
		// Process writing the message queue until the transport is closed or the child exits.
		var msg processWrite
		select {
		case <-p.done:
			return
		case <-p.exited:
			return
		case msg = <-p.writeMessages:
		}

		_, err := p.stdin.Write(msg.frame)
		msg.errs <- err
	}
}

// mergeEnv overlays overrides onto base, a list of KEY=VALUE pairs as returned by
// os.Environ. Overridden keys are removed from base; overrides are appended in key order.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}

// tailBuffer keeps the last size bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (t *tailBuffer) Write(bs []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, bs...)
	if over := len(t.buf) - t.size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(bs), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
