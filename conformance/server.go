package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
	"github.com/ggoodman/mcp-conformance-go/eventlog/memorylog"
	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-conformance-go/streamable"
)

// ServerOption configures a fixture deployment.
type ServerOption func(*serverConfig)

type serverConfig struct {
	store       eventlog.Store
	log         *slog.Logger
	degraded    bool
	handlerOpts []streamable.Option
	managerOpts []streamable.ManagerOption
}

// WithStore backs the deployment with a specific event log. The default is
// an unbounded in-memory store.
func WithStore(store eventlog.Store) ServerOption {
	return func(c *serverConfig) { c.store = store }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.log = l }
}

// WithDegradedMode runs the deployment without session isolation: one shared
// session, no handshake gate, cross-client visibility. The degraded
// scenarios use it to demonstrate what the isolated mode prevents.
func WithDegradedMode() ServerOption {
	return func(c *serverConfig) { c.degraded = true }
}

// WithRetryInterval sets the retry directive advertised on stream-opening
// frames.
func WithRetryInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.handlerOpts = append(c.handlerOpts, streamable.WithRetryInterval(d))
	}
}

// WithHandlerOptions forwards options to the transport endpoint.
func WithHandlerOptions(opts ...streamable.Option) ServerOption {
	return func(c *serverConfig) { c.handlerOpts = append(c.handlerOpts, opts...) }
}

// WithManagerOptions forwards options to the session manager.
func WithManagerOptions(opts ...streamable.ManagerOption) ServerOption {
	return func(c *serverConfig) { c.managerOpts = append(c.managerOpts, opts...) }
}

// ResumeArrival records one reconnecting GET as observed by the fixture
// server. The timing scenarios compare arrival times against the interrupts
// that provoked them.
type ResumeArrival struct {
	At          time.Time
	LastEventID string
}

// Server is the reference fixture deployment: the transport endpoint wired
// to a method set exercising every scenario, plus the instrumentation the
// scenarios assert on. It implements http.Handler.
type Server struct {
	handler *streamable.Handler
	mgr     *streamable.SessionManager
	log     *slog.Logger

	barrier rendezvous

	mu         sync.Mutex
	arrivals   []ResumeArrival
	interrupts []time.Time
}

// NewServer builds a fixture deployment. The manager's janitor runs on ctx;
// canceling it tears every session down.
func NewServer(ctx context.Context, opts ...ServerOption) (*Server, error) {
	cfg := &serverConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		cfg.store = memorylog.New()
	}

	mgrOpts := append([]streamable.ManagerOption{streamable.WithManagerLogger(cfg.log)}, cfg.managerOpts...)
	if cfg.degraded {
		mgrOpts = append(mgrOpts, streamable.WithoutSessionIsolation())
	}
	mgr := streamable.NewSessionManager(cfg.store, mgrOpts...)

	handlerOpts := append([]streamable.Option{
		streamable.WithLogger(cfg.log),
		streamable.WithServerInfo("conformance-fixture", "1.0.0"),
	}, cfg.handlerOpts...)
	h, err := streamable.New(ctx, mgr, handlerOpts...)
	if err != nil {
		return nil, fmt.Errorf("build fixture endpoint: %w", err)
	}

	s := &Server{handler: h, mgr: mgr, log: cfg.log}
	s.registerFixtures(h)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		if id := r.Header.Get("Last-Event-ID"); id != "" {
			s.mu.Lock()
			s.arrivals = append(s.arrivals, ResumeArrival{At: time.Now(), LastEventID: id})
			s.mu.Unlock()
		}
	}
	s.handler.ServeHTTP(w, r)
}

// ResumeArrivals returns every reconnecting GET observed so far.
func (s *Server) ResumeArrivals() []ResumeArrival {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResumeArrival, len(s.arrivals))
	copy(out, s.arrivals)
	return out
}

// Interrupts returns the completion time of every stream interruption the
// checkpoint fixture performed.
func (s *Server) Interrupts() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.interrupts))
	copy(out, s.interrupts)
	return out
}

func (s *Server) recordInterrupt(at time.Time) {
	s.mu.Lock()
	s.interrupts = append(s.interrupts, at)
	s.mu.Unlock()
}

// rendezvous is a reusable two-party barrier. The pairing fixtures use it to
// hold both clients' requests in flight at the same moment, so concurrency
// bugs cannot hide behind sequential scheduling.
type rendezvous struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (r *rendezvous) meet(ctx context.Context) error {
	r.mu.Lock()
	if r.gate == nil {
		gate := make(chan struct{})
		r.gate = gate
		r.mu.Unlock()
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	gate := r.gate
	r.gate = nil
	r.mu.Unlock()
	close(gate)
	return nil
}

type fixtureParams struct {
	Rendezvous bool   `json:"rendezvous,omitempty"`
	Steps      int    `json:"steps,omitempty"`
	Message    string `json:"message,omitempty"`
}

func decodeFixtureParams(req *streamable.Request) (fixtureParams, error) {
	var p fixtureParams
	if len(req.Params()) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(req.Params(), &p); err != nil {
		return p, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return p, nil
}

const fixtureImageData = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="

func (s *Server) registerFixtures(h *streamable.Handler) {
	h.Handle("initialize", s.handleInitialize)
	h.Handle("ping", func(ctx context.Context, req *streamable.Request) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	h.Handle("echo", func(ctx context.Context, req *streamable.Request) (any, error) {
		if len(req.Params()) == 0 {
			return map[string]any{}, nil
		}
		return json.RawMessage(req.Params()), nil
	})
	h.Handle("fixture/text", s.handleText)
	h.Handle("fixture/image", s.handleImage)
	h.Handle("fixture/progress", s.handleProgress)
	h.Handle("fixture/checkpoints", s.handleCheckpoints)
	h.Handle("fixture/broadcast", s.handleBroadcast)
	h.Handle("tools/list", s.handleToolsList)
	h.Handle("tools/call", s.handleToolsCall)
}

// handleInitialize replaces the endpoint default so the fixture can
// advertise a tools capability for interoperability clients.
func (s *Server) handleInitialize(ctx context.Context, req *streamable.Request) (any, error) {
	pv := req.Session().ProtocolVersion()
	if pv == "" {
		pv = streamable.DefaultProtocolVersion
	}
	return map[string]any{
		"protocolVersion": pv,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    "conformance-fixture",
			"version": "1.0.0",
		},
	}, nil
}

func (s *Server) handleText(ctx context.Context, req *streamable.Request) (any, error) {
	p, err := decodeFixtureParams(req)
	if err != nil {
		return nil, err
	}
	if p.Rendezvous {
		if err := s.barrier.meet(ctx); err != nil {
			return nil, fmt.Errorf("rendezvous: %w", err)
		}
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": "the quick brown fox"},
		},
	}, nil
}

func (s *Server) handleImage(ctx context.Context, req *streamable.Request) (any, error) {
	p, err := decodeFixtureParams(req)
	if err != nil {
		return nil, err
	}
	if p.Rendezvous {
		if err := s.barrier.meet(ctx); err != nil {
			return nil, fmt.Errorf("rendezvous: %w", err)
		}
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "image", "data": fixtureImageData, "mimeType": "image/png"},
		},
	}, nil
}

// handleProgress emits one notifications/progress per step on the request's
// own stream, then resolves. Step notifications carry the request ID as the
// progress token, so clients can verify no foreign progress leaked in.
func (s *Server) handleProgress(ctx context.Context, req *streamable.Request) (any, error) {
	p, err := decodeFixtureParams(req)
	if err != nil {
		return nil, err
	}
	if p.Steps <= 0 {
		p.Steps = 3
	}
	if p.Rendezvous {
		if err := s.barrier.meet(ctx); err != nil {
			return nil, fmt.Errorf("rendezvous: %w", err)
		}
	}
	for i := 1; i <= p.Steps; i++ {
		if err := req.NotifyProgress(ctx, float64(i), float64(p.Steps)); err != nil {
			return nil, fmt.Errorf("emit progress %d/%d: %w", i, p.Steps, err)
		}
	}
	return map[string]any{"steps": p.Steps}, nil
}

// handleCheckpoints drives the resumption fixtures: three rounds of a
// checkpoint notification followed by a forced stream interruption, then the
// final response. Each interruption waits for a live reader, so round N+1
// only disconnects a client that already resumed past round N.
func (s *Server) handleCheckpoints(ctx context.Context, req *streamable.Request) (any, error) {
	const rounds = 3
	for i := 0; i < rounds; i++ {
		err := req.Notify(ctx, "notifications/message", map[string]any{
			"level": "info",
			"data":  fmt.Sprintf("checkpoint_%d", i),
		})
		if err != nil {
			return nil, fmt.Errorf("emit checkpoint %d: %w", i, err)
		}
		if err := req.InterruptStream(ctx); err != nil {
			return nil, fmt.Errorf("interrupt after checkpoint %d: %w", i, err)
		}
		s.recordInterrupt(time.Now())
	}
	return map[string]any{"status": "complete", "checkpoints": rounds}, nil
}

// handleBroadcast emits a session-scoped notification, which lands on the
// standalone stream rather than the calling request's stream.
func (s *Server) handleBroadcast(ctx context.Context, req *streamable.Request) (any, error) {
	p, err := decodeFixtureParams(req)
	if err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = "broadcast"
	}
	err = req.Session().Notify(ctx, "notifications/message", map[string]any{
		"level": "info",
		"data":  p.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	return map[string]any{"delivered": true}, nil
}

func (s *Server) handleToolsList(ctx context.Context, req *streamable.Request) (any, error) {
	return map[string]any{
		"tools": []map[string]any{
			{
				"name":        "echo",
				"description": "Echoes the provided text back to the caller.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
					},
					"required": []string{"text"},
				},
			},
		},
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, req *streamable.Request) (any, error) {
	var p struct {
		Name      string `json:"name"`
		Arguments struct {
			Text string `json:"text"`
		} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params(), &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if p.Name != "echo" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", p.Name)}
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": p.Arguments.Text},
		},
	}, nil
}
