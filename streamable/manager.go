package streamable

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
	"github.com/ggoodman/mcp-conformance-go/internal/logctx"
)

const (
	// DefaultHandshakeTimeout is how long a session may sit in the pending
	// state before the janitor closes it.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultIdleTimeout is the sliding window after which an active session
	// with no traffic is closed.
	DefaultIdleTimeout = time.Hour
)

// ManagerOption configures a SessionManager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	logger           *slog.Logger
	isolated         bool
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	requestTimeout   time.Duration
	resumeRate       rate.Limit
	resumeBurst      int
}

// WithoutSessionIsolation collapses every physical client onto one implicit
// shared session: no session ID is issued or required, duplicate request IDs
// overwrite each other, and every POST drains the one shared stream. This is
// the intentionally-unsafe configuration the negative conformance scenarios
// assert against; its failure signature is deterministic cross-client
// leakage, never a crash.
func WithoutSessionIsolation() ManagerOption {
	return func(c *managerConfig) { c.isolated = false }
}

// WithHandshakeTimeout bounds how long a session may remain pending before
// it is garbage collected.
func WithHandshakeTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithIdleTimeout sets the sliding idle window for active sessions.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithRequestTimeout faults a session whose oldest pending request has been
// unresolved for longer than d. Disabled by default: timeout semantics are a
// deployment parameter, not a protocol requirement.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithResumeRateLimit paces a session's reconnecting GETs so a non-compliant
// client hammering resumption is throttled (429) instead of amplifying
// replay work. Disabled by default.
func WithResumeRateLimit(r rate.Limit, burst int) ManagerOption {
	return func(c *managerConfig) {
		c.resumeRate = r
		c.resumeBurst = burst
	}
}

// WithManagerLogger sets the slog logger used by the manager and its
// sessions. Defaults to slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// SessionManager owns the set of live sessions and is the isolation
// boundary between them: no lock or lookup ever spans two sessions.
type SessionManager struct {
	store eventlog.Store
	log   *slog.Logger

	isolated         bool
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	requestTimeout   time.Duration
	resumeRate       rate.Limit
	resumeBurst      int

	mu       sync.Mutex
	sessions map[string]*Session

	// shared is the one implicit session of the degraded mode.
	shared *Session

	janitorRunning atomic.Bool
}

// NewSessionManager creates a manager over the given event store. With the
// defaults, sessions are isolated, pending sessions expire after
// DefaultHandshakeTimeout, and idle sessions after DefaultIdleTimeout.
func NewSessionManager(store eventlog.Store, opts ...ManagerOption) *SessionManager {
	cfg := &managerConfig{
		logger:           slog.Default(),
		isolated:         true,
		handshakeTimeout: DefaultHandshakeTimeout,
		idleTimeout:      DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	m := &SessionManager{
		store:            store,
		log:              slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		isolated:         cfg.isolated,
		handshakeTimeout: cfg.handshakeTimeout,
		idleTimeout:      cfg.idleTimeout,
		requestTimeout:   cfg.requestTimeout,
		resumeRate:       cfg.resumeRate,
		resumeBurst:      cfg.resumeBurst,
		sessions:         make(map[string]*Session),
	}
	if !m.isolated {
		// The shared session never expires; it is the process's one implicit
		// context for an unbounded number of physical clients.
		m.shared = newSession(m, "", SessionStateActive)
	}
	return m
}

// Isolated reports whether session isolation is enabled.
func (m *SessionManager) Isolated() bool { return m.isolated }

// CreateSession materializes a new pending session with an unguessable ID.
// Only valid in response to an initialize request arriving without a session
// header; in degraded mode it returns the shared session.
func (m *SessionManager) CreateSession(ctx context.Context) (*Session, error) {
	if !m.isolated {
		return m.shared, nil
	}

	sess := newSession(m, uuid.NewString(), SessionStatePending)
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session.create", slog.String("session_id", sess.id))
	return sess, nil
}

// LookupSession resolves a session ID, refreshing its idle clock. Absent or
// closed sessions yield ErrUnknownSession. In degraded mode the shared
// session is returned regardless of the ID.
func (m *SessionManager) LookupSession(ctx context.Context, id string) (*Session, error) {
	if !m.isolated {
		return m.shared, nil
	}

	m.mu.Lock()
	sess := m.sessions[id]
	m.mu.Unlock()

	if sess == nil || sess.State() == SessionStateClosed {
		return nil, fmt.Errorf("session %q: %w", id, ErrUnknownSession)
	}
	sess.touch()
	return sess, nil
}

// CloseSession terminates a session and releases everything it owns:
// stream claims, the routing table, and the event log entries. Idempotent.
func (m *SessionManager) CloseSession(ctx context.Context, id string) error {
	if !m.isolated {
		return nil
	}

	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.close(ctx)
	m.log.InfoContext(ctx, "session.close", slog.String("session_id", id))
	return nil
}

// Run drives the lifecycle janitor until ctx is canceled, then closes every
// live session (transport shutdown). Only one janitor runs per manager;
// further calls block until ctx ends.
func (m *SessionManager) Run(ctx context.Context) error {
	if !m.janitorRunning.CompareAndSwap(false, true) {
		<-ctx.Done()
		return ctx.Err()
	}

	tick := m.sweepInterval()
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown(ctx)
			return ctx.Err()
		case now := <-t.C:
			m.sweep(ctx, now)
		}
	}
}

func (m *SessionManager) sweepInterval() time.Duration {
	tick := m.handshakeTimeout
	if m.idleTimeout < tick {
		tick = m.idleTimeout
	}
	if m.requestTimeout > 0 && m.requestTimeout < tick {
		tick = m.requestTimeout
	}
	tick /= 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 30*time.Second {
		tick = 30 * time.Second
	}
	return tick
}

func (m *SessionManager) sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		candidates = append(candidates, sess)
	}
	m.mu.Unlock()

	for _, sess := range candidates {
		sess.mu.Lock()
		state := sess.state
		createdAt := sess.createdAt
		lastActive := sess.lastActive
		sess.mu.Unlock()

		var reason string
		switch {
		case state == SessionStatePending && now.Sub(createdAt) > m.handshakeTimeout:
			reason = "handshake_timeout"
		case state == SessionStateActive && now.Sub(lastActive) > m.idleTimeout:
			reason = "idle_timeout"
		case m.requestTimeout > 0:
			if oldest, ok := sess.oldestPending(); ok && now.Sub(oldest) > m.requestTimeout {
				reason = "request_timeout"
			}
		}
		if reason == "" {
			continue
		}

		m.log.InfoContext(ctx, "session.gc",
			slog.String("session_id", sess.id), slog.String("reason", reason))
		if err := m.CloseSession(ctx, sess.id); err != nil {
			m.log.WarnContext(ctx, "session.gc.fail",
				slog.String("session_id", sess.id), slog.String("err", err.Error()))
		}
	}
}

func (m *SessionManager) shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.close(ctx)
	}
	if m.shared != nil {
		m.shared.close(ctx)
	}
}
