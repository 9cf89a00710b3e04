package streamable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
)

// SessionState describes where a session sits in its lifecycle.
type SessionState string

const (
	// SessionStatePending means the session exists but the client has not
	// completed the initialize/initialized handshake.
	SessionStatePending SessionState = "pending"
	// SessionStateActive means the handshake completed.
	SessionStateActive SessionState = "active"
	// SessionStateClosed means the session was terminated.
	SessionStateClosed SessionState = "closed"
)

// Session is one server-side context persisting across HTTP requests. It owns
// the request routing table and the logical streams for exactly one logical
// client; two sessions never share either. Its mutex never spans another
// session's, which is what makes the isolation invariant mechanically
// checkable.
type Session struct {
	id  string
	mgr *SessionManager
	log *slog.Logger

	// ctx bounds handler execution to the session lifetime, independent of
	// the HTTP request that dispatched the handler.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	resumeLimiter *rate.Limiter // nil unless resume rate limiting is configured

	mu              sync.Mutex
	state           SessionState
	protocolVersion string
	createdAt       time.Time
	lastActive      time.Time
	nextStreamID    int64
	pending         map[string]*pendingRequest
	streams         map[int64]*stream
	closeOnce       sync.Once
}

// pendingRequest is one live routing table entry: an in-flight JSON-RPC
// request bound to the stream that must receive its response and any
// notifications emitted while it executes.
type pendingRequest struct {
	id      *jsonrpc.RequestID
	st      *stream
	created time.Time

	// respond, when non-nil, collects the response for a buffered JSON-mode
	// POST instead of writing it through the stream's event log.
	respond chan *jsonrpc.Response
}

func newSession(mgr *SessionManager, id string, state SessionState) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		mgr:        mgr,
		log:        mgr.log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      state,
		createdAt:  time.Now(),
		lastActive: time.Now(),
		pending:    make(map[string]*pendingRequest),
		streams:    make(map[int64]*stream),
	}
	if mgr.resumeRate > 0 {
		s.resumeLimiter = rate.NewLimiter(mgr.resumeRate, mgr.resumeBurst)
	}
	return s
}

// ID returns the opaque session identifier. Empty in the degraded shared
// mode, where no session header is issued or required.
func (s *Session) ID() string { return s.id }

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the protocol version negotiated at initialize, or
// empty before then.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) setProtocolVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v != "" {
		s.protocolVersion = v
	}
}

// activate moves a pending session to active. Idempotent.
func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionStatePending {
		s.state = SessionStateActive
	}
}

// touch refreshes the idle clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) allowResume() bool {
	return s.resumeLimiter == nil || s.resumeLimiter.Allow()
}

// standaloneStream returns the session's stream 0, creating it on first use.
func (s *Session) standaloneStream() *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamLocked(standaloneStreamID)
}

func (s *Session) streamLocked(id int64) *stream {
	st, ok := s.streams[id]
	if !ok {
		st = newStream(s.id, id, s.mgr.isolated)
		s.streams[id] = st
	}
	return st
}

// newRequestStream allocates a fresh logical stream for a request-carrying
// POST. In the degraded shared mode every POST binds to the shared stream 0
// instead, so concurrent physical clients drain one another's traffic.
func (s *Session) newRequestStream() *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mgr.isolated {
		return s.streamLocked(standaloneStreamID)
	}
	s.nextStreamID++
	return s.streamLocked(s.nextStreamID)
}

// lookupStream returns an existing stream without creating one.
func (s *Session) lookupStream(id int64) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

// register creates the routing table entry for an in-flight request. While
// isolation is enabled a colliding live entry fails with
// ErrDuplicateRequestID; the degraded shared mode reproduces the naive
// overwrite the negative conformance scenarios probe.
func (s *Session) register(id *jsonrpc.RequestID, st *stream, respond chan *jsonrpc.Response) error {
	key := id.Key()

	s.mu.Lock()
	existing, collision := s.pending[key]
	if collision && s.mgr.isolated {
		s.mu.Unlock()
		return fmt.Errorf("request %q: %w", id, ErrDuplicateRequestID)
	}
	s.pending[key] = &pendingRequest{id: id, st: st, created: time.Now(), respond: respond}
	s.mu.Unlock()

	if collision {
		existing.st.decPending()
	}
	st.incPending()
	return nil
}

// unregister drops a routing entry without resolving it. Used to back out a
// partially registered batch.
func (s *Session) unregister(id *jsonrpc.RequestID) {
	key := id.Key()

	s.mu.Lock()
	pr, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if ok {
		pr.st.decPending()
	}
}

// routeNotification delivers a request-scoped notification to the stream
// owning the request. Notifications for unknown or already-resolved requests
// are silently dropped.
func (s *Session) routeNotification(ctx context.Context, id *jsonrpc.RequestID, payload []byte) error {
	s.mu.Lock()
	pr := s.pending[id.Key()]
	s.mu.Unlock()

	if pr == nil {
		s.log.DebugContext(ctx, "route.notification.drop", slog.String("request_id", id.String()))
		return nil
	}
	return s.append(ctx, pr.st, payload)
}

// resolve writes the final response for a request to its owning stream and
// releases the routing entry, exactly once. Resolving an unknown request is
// a no-op.
func (s *Session) resolve(ctx context.Context, id *jsonrpc.RequestID, resp *jsonrpc.Response) error {
	key := id.Key()

	s.mu.Lock()
	pr, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		s.log.DebugContext(ctx, "route.resolve.miss", slog.String("request_id", id.String()))
		return nil
	}

	if pr.respond != nil {
		pr.respond <- resp
		pr.st.decPending()
		return nil
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		pr.st.decPending()
		return fmt.Errorf("marshal response for request %q: %w", id, err)
	}
	if err := s.append(ctx, pr.st, payload); err != nil {
		pr.st.decPending()
		return err
	}
	// Decrement only after the response is in the log so the serve loop
	// never observes a drained stream with the response still undelivered.
	pr.st.decPending()
	return nil
}

// Notify appends an unsolicited notification to the session's standalone
// stream, where only a standalone GET (live or by later replay) observes it.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	payload, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return s.append(ctx, s.standaloneStream(), payload)
}

// append writes a payload through the event store to the stream and wakes
// its claimants. No session or stream lock is held during store I/O.
func (s *Session) append(ctx context.Context, st *stream, payload []byte) error {
	seq, err := s.mgr.store.Append(ctx, st.key, payload)
	if err != nil {
		return fmt.Errorf("append to stream %q: %w", st.key, err)
	}
	st.noteAppend(seq)
	return nil
}

// primeStream writes the stream's priming event: sequence 1, empty payload,
// emitted before any application payload so the client always has a
// resumption handle.
func (s *Session) primeStream(ctx context.Context, st *stream) error {
	var err error
	st.primeOnce.Do(func() {
		if appendErr := s.append(ctx, st, nil); appendErr != nil {
			err = appendErr
			return
		}
		st.mu.Lock()
		st.primed = true
		st.mu.Unlock()
	})
	return err
}

// oldestPending returns the creation time of the oldest live request and
// whether one exists. Used by the manager's unresolved-request fault sweep.
func (s *Session) oldestPending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, pr := range s.pending {
		if oldest.IsZero() || pr.created.Before(oldest) {
			oldest = pr.created
		}
	}
	return oldest, !oldest.IsZero()
}

// close releases everything the session owns: handler contexts, stream
// claims, the routing table, and the event log entries. Idempotent.
func (s *Session) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionStateClosed
		streams := make([]*stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.pending = make(map[string]*pendingRequest)
		s.mu.Unlock()

		s.cancel()
		close(s.done)

		// Best-effort: the retention horizon is bounded to the session's
		// lifetime, so drop the logs now rather than waiting for backend GC.
		c := context.WithoutCancel(ctx)
		for _, st := range streams {
			if err := s.mgr.store.Drop(c, st.key); err != nil {
				s.log.WarnContext(c, "session.close.drop.fail",
					slog.String("stream", st.key), slog.String("err", err.Error()))
			}
		}
	})
}

func marshalNotification(method string, params any) ([]byte, error) {
	n := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %q: %w", method, err)
		}
		n.Params = b
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification %q: %w", method, err)
	}
	return payload, nil
}
