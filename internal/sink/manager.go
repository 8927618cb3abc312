package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/glowgrab/internal/diag"
	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/metrics"
)

// Config controls the sink session.
type Config struct {
	Address          string        // host:port of the lighting server
	Priority         int           // channel priority sent at registration
	Origin           string        // origin name sent at registration
	Timeout          time.Duration // dial and per-message I/O deadline
	MaxRetries       int           // consecutive failures before fallback
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	RecoveryInterval time.Duration // probe period while in fallback
	HealthInterval   time.Duration // idle liveness check period
	StatsInterval    time.Duration
	QueueDepth       int
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:19400"
	}
	if c.Priority == 0 {
		c.Priority = 150
	}
	if c.Origin == "" {
		c.Origin = "glowgrab"
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 2 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Minute
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 8
	}
	return c
}

// Stats is a point-in-time snapshot of the connection counters.
type Stats struct {
	State               string `json:"state"`
	Address             string `json:"address"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FramesSent          uint64 `json:"frames_sent"`
	FramesDropped       uint64 `json:"frames_dropped"`
	Connects            uint64 `json:"connects"`
	Transitions         uint64 `json:"transitions"`
	LastError           string `json:"last_error,omitempty"`
	ConnectedSince      string `json:"connected_since,omitempty"`
}

// Manager owns the TCP session to the sink and drives the connection
// state machine. Run is the only goroutine that touches the socket;
// producers interact through the frame queue, readers through Stats.
type Manager struct {
	cfg    Config
	queue  *Queue
	bus    *events.Bus
	logger *slog.Logger
	codec  codec

	dial   func(ctx context.Context, address string, timeout time.Duration) (net.Conn, error)
	jitter func() float64

	// Owned by the Run goroutine.
	conn      net.Conn
	attempt   int
	tolerated bool

	mu          sync.Mutex
	state       State
	failures    int
	lastErr     string
	connectedAt time.Time

	sent        atomic.Uint64
	connects    atomic.Uint64
	transitions atomic.Uint64
}

// NewManager creates a sink manager. Nothing connects until Run.
func NewManager(cfg Config, bus *events.Bus) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		queue:  NewQueue(cfg.QueueDepth),
		bus:    bus,
		logger: logging.GetLogger("sink"),
		dial: func(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", address)
		},
		jitter: rand.Float64,
		state:  StateDisconnected,
	}
}

// Queue returns the frame queue the capture engine pushes into.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the connection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		State:               m.state.String(),
		Address:             m.cfg.Address,
		ConsecutiveFailures: m.failures,
		FramesSent:          m.sent.Load(),
		FramesDropped:       m.queue.Dropped(),
		Connects:            m.connects.Load(),
		Transitions:         m.transitions.Load(),
		LastError:           m.lastErr,
	}
	if !m.connectedAt.IsZero() {
		s.ConnectedSince = m.connectedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// Run drives the state machine until ctx is cancelled. Transport
// errors never escape; they feed the machine.
func (m *Manager) Run(ctx context.Context) error {
	statsTicker := time.NewTicker(m.cfg.StatsInterval)
	defer statsTicker.Stop()
	defer m.closeConn()
	defer m.queue.Drain()

	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected, "shutdown")
			return ctx.Err()
		}
		switch m.State() {
		case StateDisconnected:
			m.setState(StateConnecting, "startup")
		case StateConnecting:
			m.connect(ctx)
		case StateConnected:
			m.pump(ctx, statsTicker.C)
		case StateBackoff:
			m.holdBackoff(ctx)
		case StateFallback:
			m.holdFallback(ctx)
		}
	}
}

func (m *Manager) connect(ctx context.Context) {
	conn, err := m.dial(ctx, m.cfg.Address, m.cfg.Timeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.noteFailure("dial", err)
		return
	}
	if err := m.handshake(conn); err != nil {
		conn.Close()
		m.noteFailure("handshake", err)
		return
	}
	m.conn = conn
	m.tolerated = false
	m.connects.Add(1)
	metrics.IncSinkConnect()
	m.logger.Info("Connected to sink", "address", m.cfg.Address)
	m.setState(StateConnected, "handshake complete")
}

// handshake registers the channel at its priority and paints one black
// warm-up color so the sink has a live source before frames arrive.
func (m *Manager) handshake(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(m.cfg.Timeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	if err := writeMessage(conn, m.codec.encodeRegister(m.cfg.Origin, m.cfg.Priority)); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if _, err := readMessage(conn); err != nil {
		return fmt.Errorf("register reply: %w", err)
	}
	if err := writeMessage(conn, m.codec.encodeColor(m.cfg.Priority, 0, 0, 0)); err != nil {
		return fmt.Errorf("warm-up color: %w", err)
	}
	return nil
}

// pump forwards queued frames over the established connection until an
// error tears it down or ctx ends.
func (m *Manager) pump(ctx context.Context, statsC <-chan time.Time) {
	health := time.NewTicker(m.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeConn()
			return
		case f := <-m.queue.Pop():
			err := m.send(f)
			f.Release()
			if err == nil {
				m.noteSuccess()
				continue
			}
			if m.absorbBrokenPipe(err) {
				continue
			}
			m.closeConn()
			m.noteFailure("send", err)
			return
		case <-health.C:
			if err := m.checkPeer(); err != nil {
				m.closeConn()
				m.noteFailure("health check", err)
				return
			}
		case <-statsC:
			m.logStats()
		}
	}
}

func (m *Manager) send(f Frame) error {
	if err := m.conn.SetWriteDeadline(time.Now().Add(m.cfg.Timeout)); err != nil {
		return err
	}
	return writeMessage(m.conn, m.codec.encodeImage(f.Width, f.Height, f.RGB))
}

// noteSuccess resets the failure accounting. This is the only place
// consecutive_failures goes back to zero while connected; a successful
// connect alone does not clear it.
func (m *Manager) noteSuccess() {
	m.sent.Add(1)
	metrics.IncFrameSent()
	m.attempt = 0
	m.tolerated = false

	m.mu.Lock()
	recovered := m.failures != 0
	m.failures = 0
	m.lastErr = ""
	m.mu.Unlock()

	if recovered {
		m.logger.Debug("Sink delivery recovered")
	}
}

// noteFailure advances the failure count and picks the next state:
// backoff while under the retry budget, fallback once it is spent.
func (m *Manager) noteFailure(op string, err error) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.lastErr = fmt.Sprintf("%s: %v", op, err)
	m.mu.Unlock()

	m.logger.Warn("Sink "+op+" failed",
		"error", err,
		"consecutive_failures", failures,
		"max_retries", m.cfg.MaxRetries)

	if failures >= m.cfg.MaxRetries {
		m.setState(StateFallback, fmt.Sprintf("%d consecutive failures", failures))
		return
	}
	m.setState(StateBackoff, op+" failed")
}

// absorbBrokenPipe keeps the connection across a single broken pipe.
// The sink restarting mid-write surfaces as EPIPE or ECONNRESET on a
// socket that is often usable again on the next frame; only a second
// one in a row tears the connection down.
func (m *Manager) absorbBrokenPipe(err error) bool {
	if m.tolerated || !isBrokenPipe(err) {
		return false
	}
	m.tolerated = true

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.lastErr = fmt.Sprintf("send: %v", err)
	m.mu.Unlock()

	m.logger.Warn("Send hit a broken pipe, keeping connection",
		"error", err,
		"consecutive_failures", failures)
	return true
}

// checkPeer notices a dead peer during idle stretches. The sink never
// sends after registration, so a read timeout is the healthy outcome.
func (m *Manager) checkPeer() error {
	if err := m.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return err
	}
	defer m.conn.SetReadDeadline(time.Time{})

	var b [1]byte
	_, err := m.conn.Read(b[:])
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	return err
}

func (m *Manager) holdBackoff(ctx context.Context) {
	m.attempt++
	delay := backoffDelay(m.attempt, m.cfg.BackoffInitial, m.cfg.BackoffMax, m.jitter)
	m.logger.Debug("Waiting before reconnect", "attempt", m.attempt, "delay", delay)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		m.setState(StateConnecting, "backoff elapsed")
	}
}

// holdFallback probes the sink on a slow period and leaves fallback
// only after a probe round-trips. The queue keeps turning over via its
// drop-oldest policy in the meantime.
func (m *Manager) holdFallback(ctx context.Context) {
	t := time.NewTicker(m.cfg.RecoveryInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.probe(ctx); err != nil {
				m.logger.Debug("Recovery probe failed", "error", err)
				continue
			}
			m.mu.Lock()
			m.failures = 0
			m.lastErr = ""
			m.mu.Unlock()
			m.attempt = 0
			m.setState(StateConnecting, "recovery probe succeeded")
			return
		}
	}
}

// probe dials and registers on a throwaway connection.
func (m *Manager) probe(ctx context.Context) error {
	conn, err := m.dial(ctx, m.cfg.Address, m.cfg.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	return m.handshake(conn)
}

func (m *Manager) closeConn() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// setState records a transition, logs it and publishes it on the bus.
// Entering fallback logs at error level; that line is the episode's
// single fallback announcement.
func (m *Manager) setState(to State, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	if to == StateConnected {
		m.connectedAt = time.Now()
	} else {
		m.connectedAt = time.Time{}
	}
	failures := m.failures
	m.mu.Unlock()

	m.transitions.Add(1)
	metrics.SetConnectionState(int(to))

	level := slog.LevelInfo
	if to == StateFallback {
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "Connection state changed",
		slog.String(diag.AttrCategory, diag.CategoryState),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
		slog.Int("consecutive_failures", failures),
	)

	if m.bus != nil {
		m.bus.Publish(events.ConnectionStateEvent{
			From:                from.String(),
			To:                  to.String(),
			ConsecutiveFailures: failures,
			Timestamp:           time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (m *Manager) logStats() {
	m.logger.Info("Connection stats",
		slog.String(diag.AttrCategory, diag.CategorySummary),
		slog.String("state", m.State().String()),
		slog.Uint64("frames_sent", m.sent.Load()),
		slog.Uint64("frames_dropped", m.queue.Dropped()),
		slog.Uint64("connects", m.connects.Load()),
	)
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}
