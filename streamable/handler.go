package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-conformance-go/internal/logctx"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"

	// DefaultProtocolVersion is negotiated when the initialize params carry
	// no explicit version.
	DefaultProtocolVersion = "2025-06-18"

	maxBodyBytes = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC message exchange is possible. We do NOT claim JSON-RPC framing
// here; this is transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeJSONRPCError rejects a message with a proper JSON-RPC error body. A
// nil id renders as JSON null per the spec.
func writeJSONRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil))
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	path              string
	retryInterval     time.Duration
	standaloneStreams bool
	jsonResponse      bool
	serverName        string
	serverVersion     string
}

// WithLogger sets the slog logger used by the handler. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEndpointPath mounts the transport somewhere other than the default
// "/mcp".
func WithEndpointPath(path string) Option {
	return func(c *newConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithRetryInterval advertises a reconnection interval to clients via the
// retry directive on priming frames. A deployment constant, not negotiated.
func WithRetryInterval(d time.Duration) Option {
	return func(c *newConfig) { c.retryInterval = d }
}

// WithoutStandaloneStreams disables the standalone GET stream; such GETs are
// answered with 405. Resuming POST streams still works.
func WithoutStandaloneStreams() Option {
	return func(c *newConfig) { c.standaloneStreams = false }
}

// WithJSONResponse lets request-only POSTs be answered with a buffered
// application/json body when the client's Accept header prefers it.
// Notifications emitted while such requests execute land on the session's
// standalone stream log, where a later GET replays them.
func WithJSONResponse() Option {
	return func(c *newConfig) { c.jsonResponse = true }
}

// WithServerInfo sets the name/version reported by the built-in initialize
// result when the application registers no initialize handler.
func WithServerInfo(name, version string) Option {
	return func(c *newConfig) {
		c.serverName = name
		c.serverVersion = version
	}
}

// Handler is the transport endpoint: a net/http handler binding POST, GET,
// and DELETE on one path to the session manager, the request router, and the
// event-log-backed streams. Authentication middleware, if any, is expected
// to wrap it and reject before any session state is touched.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger
	mgr *SessionManager

	path              string
	retryInterval     time.Duration
	standaloneStreams bool
	jsonResponse      bool
	serverName        string
	serverVersion     string

	handlers map[string]HandlerFunc
}

// New constructs a Handler over the session manager and starts the manager's
// lifecycle janitor on ctx. Method handlers are registered with Handle before
// serving traffic.
func New(ctx context.Context, mgr *SessionManager, opts ...Option) (*Handler, error) {
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	cfg := &newConfig{
		logger:            slog.Default(),
		path:              "/mcp",
		standaloneStreams: true,
		serverName:        "streamable",
		serverVersion:     "0.0.0",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasPrefix(cfg.path, "/") {
		return nil, fmt.Errorf("endpoint path must start with /, got %q", cfg.path)
	}

	h := &Handler{
		log:               slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		mgr:               mgr,
		path:              cfg.path,
		retryInterval:     cfg.retryInterval,
		standaloneStreams: cfg.standaloneStreams,
		jsonResponse:      cfg.jsonResponse,
		serverName:        cfg.serverName,
		serverVersion:     cfg.serverVersion,
		handlers:          make(map[string]HandlerFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.path), h.handleDelete)
	h.mux = mux

	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("manager.run.fail", slog.String("err", err.Error()))
		}
	}()

	return h, nil
}

// Handle registers application logic for a JSON-RPC method. Requests for
// unregistered methods resolve with error -32601; notifications for
// unregistered methods are dropped. Not safe to call once traffic is being
// served.
func (h *Handler) Handle(method string, fn HandlerFunc) {
	h.handlers[method] = fn
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func sessionLogData(sess *Session) *logctx.SessionData {
	return &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	msgs, batch, err := jsonrpc.DecodeMessages(body)
	if err != nil {
		// Malformed envelopes are rejected at ingress and never reach routing.
		writeJSONRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, err.Error())
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		return
	}

	var requests, notifications []*jsonrpc.Request
	for _, m := range msgs {
		switch m.Type() {
		case "request":
			requests = append(requests, m.AsRequest())
		case "notification":
			notifications = append(notifications, m.AsRequest())
		case "response":
			// Inbound responses belong to server-initiated calls, which this
			// transport does not issue. Accept and drop.
			h.log.DebugContext(ctx, "response.inbound.drop")
		}
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	var sess *Session
	if h.mgr.Isolated() {
		if sessID == "" {
			if batch || len(requests) != 1 || requests[0].Method != methodInitialize {
				writeJSONError(w, http.StatusBadRequest, "expected initialize request without session header")
				h.log.WarnContext(ctx, "session.initialize.invalid")
				return
			}
			sess, err = h.mgr.CreateSession(ctx)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to create session")
				h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
				return
			}
			h.handleInitialize(ctx, w, sess, requests[0], start)
			return
		}

		sess, err = h.mgr.LookupSession(ctx, sessID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		for _, req := range requests {
			if req.Method == methodInitialize {
				writeJSONError(w, http.StatusConflict, "session already initialized")
				h.log.WarnContext(ctx, "session.initialize.redundant")
				return
			}
		}
		if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion() != "" && pv != sess.ProtocolVersion() {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	} else {
		sess, _ = h.mgr.LookupSession(ctx, sessID)
		for _, req := range requests {
			if req.Method == methodInitialize {
				h.noteInitialize(sess, req)
			}
		}
	}

	ctx = logctx.WithSessionData(ctx, sessionLogData(sess))

	for _, n := range notifications {
		h.handleNotification(ctx, sess, n)
	}

	if len(requests) == 0 {
		if spv := sess.ProtocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	wantJSON, err := h.negotiatePostMode(r)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	if wantJSON {
		h.respondJSON(ctx, w, sess, requests, batch, start)
		return
	}
	h.respondStream(ctx, w, r, sess, requests, start)
}

// negotiatePostMode reports whether the client prefers a buffered JSON body
// over an SSE stream for this POST. JSON is only offered when enabled.
func (h *Handler) negotiatePostMode(r *http.Request) (wantJSON bool, err error) {
	acceptable := eventStreamMediaTypes
	if h.jsonResponse {
		acceptable = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, acceptable)
	if err != nil {
		return false, err
	}
	return mt.Matches(jsonMediaType), nil
}

// noteInitialize records the protocol version requested by an initialize
// request on the session.
func (h *Handler) noteInitialize(sess *Session, req *jsonrpc.Request) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = DefaultProtocolVersion
	}
	sess.setProtocolVersion(params.ProtocolVersion)
}

// handleInitialize answers the session-creating initialize POST with a
// single buffered JSON body carrying the new session ID.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, sess *Session, req *jsonrpc.Request, start time.Time) {
	h.noteInitialize(sess, req)
	ctx = logctx.WithSessionData(ctx, sessionLogData(sess))

	respond := make(chan *jsonrpc.Response, 1)
	if err := sess.register(req.ID, sess.standaloneStream(), respond); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to register initialize request")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	h.dispatch(sess, sess.standaloneStream(), req)

	var resp *jsonrpc.Response
	select {
	case resp = <-respond:
	case <-ctx.Done():
		h.log.InfoContext(ctx, "session.initialize.abandoned")
		return
	case <-sess.done:
		writeJSONError(w, http.StatusNotFound, "session closed")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleNotification processes one inbound notification: the handshake
// completion updates the session state machine, everything else goes to the
// registered handler, if any.
func (h *Handler) handleNotification(ctx context.Context, sess *Session, n *jsonrpc.Request) {
	if n.Method == methodInitialized {
		sess.activate()
		h.log.InfoContext(ctx, "session.handshake.ok")
		return
	}

	fn := h.handlers[n.Method]
	if fn == nil {
		h.log.DebugContext(ctx, "notification.inbound.unhandled", slog.String("method", n.Method))
		return
	}

	hctx := logctx.WithSessionData(sess.ctx, sessionLogData(sess))
	hctx = logctx.WithRPCMessage(hctx, &logctx.RPCMessage{Method: n.Method, Type: "notification"})
	go func() {
		req := &Request{method: n.Method, params: n.Params, sess: sess, st: sess.standaloneStream()}
		if _, err := fn(hctx, req); err != nil {
			h.log.WarnContext(hctx, "notification.handler.fail", slog.String("err", err.Error()))
		}
	}()
}

// respondStream answers a request-carrying POST with an SSE stream: a fresh
// logical stream (the shared stream in degraded mode), a priming event, and
// then responses and request-scoped notifications as they arrive, until
// every request in the POST has resolved and been delivered.
func (h *Handler) respondStream(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session, requests []*jsonrpc.Request, start time.Time) {
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	st := sess.newRequestStream()
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: st.id})

	registered := make([]*jsonrpc.RequestID, 0, len(requests))
	for _, req := range requests {
		if err := sess.register(req.ID, st, nil); err != nil {
			for _, id := range registered {
				sess.unregister(id)
			}
			writeJSONRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id")
			h.log.WarnContext(ctx, "request.register.duplicate", slog.String("request_id", req.ID.String()))
			return
		}
		registered = append(registered, req.ID)
	}

	if err := sess.primeStream(ctx, st); err != nil {
		for _, id := range registered {
			sess.unregister(id)
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to prime stream")
		h.log.ErrorContext(ctx, "stream.prime.fail", slog.String("err", err.Error()))
		return
	}

	for _, req := range requests {
		h.dispatch(sess, st, req)
	}

	c, err := st.claim()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "stream already has a live consumer")
		h.log.WarnContext(ctx, "stream.claim.conflict")
		return
	}
	defer st.release(c)

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	writeSSEHeaders(w)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	if err := h.serveStream(ctx, wf, sess, st, c, 0, true); err != nil {
		if errors.Is(err, ErrStreamClosedBeforeResolution) {
			// Recoverable: the requests stay pending and the client is
			// expected to resume via GET within the retention window.
			h.log.InfoContext(ctx, "sse.stream.detach")
			return
		}
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// respondJSON answers a request-only POST with a buffered JSON body: the
// requests run through the same router, but their responses are collected
// instead of streamed. Notifications they emit land on the standalone
// stream's log for later GET replay.
func (h *Handler) respondJSON(ctx context.Context, w http.ResponseWriter, sess *Session, requests []*jsonrpc.Request, batch bool, start time.Time) {
	st := sess.standaloneStream()
	respond := make(chan *jsonrpc.Response, len(requests))

	registered := make([]*jsonrpc.RequestID, 0, len(requests))
	for _, req := range requests {
		if err := sess.register(req.ID, st, respond); err != nil {
			for _, id := range registered {
				sess.unregister(id)
			}
			writeJSONRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id")
			h.log.WarnContext(ctx, "request.register.duplicate", slog.String("request_id", req.ID.String()))
			return
		}
		registered = append(registered, req.ID)
	}

	for _, req := range requests {
		h.dispatch(sess, st, req)
	}

	responses := make([]*jsonrpc.Response, 0, len(requests))
	for range requests {
		select {
		case resp := <-respond:
			responses = append(responses, resp)
		case <-ctx.Done():
			h.log.InfoContext(ctx, "http.post.abandoned")
			return
		case <-sess.done:
			writeJSONError(w, http.StatusNotFound, "session closed")
			return
		}
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	var encErr error
	if batch {
		encErr = enc.Encode(responses)
	} else {
		encErr = enc.Encode(responses[0])
	}
	if encErr != nil {
		h.log.ErrorContext(ctx, "json.response.write.fail", slog.String("err", encErr.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	var sess *Session
	if h.mgr.Isolated() {
		sessID := r.Header.Get(mcpSessionIDHeader)
		if sessID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
			h.log.WarnContext(ctx, "session.id.missing")
			return
		}
		var err error
		sess, err = h.mgr.LookupSession(ctx, sessID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion() != "" && pv != sess.ProtocolVersion() {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	} else {
		sess, _ = h.mgr.LookupSession(ctx, "")
	}
	ctx = logctx.WithSessionData(ctx, sessionLogData(sess))

	lastEventID := r.Header.Get(lastEventIDHeader)
	var (
		st     *stream
		cursor uint64
	)
	if lastEventID == "" {
		if !h.standaloneStreams {
			writeJSONError(w, http.StatusMethodNotAllowed, "standalone streams unsupported")
			h.log.InfoContext(ctx, "stream.standalone.unsupported")
			return
		}
		st = sess.standaloneStream()
		if err := sess.primeStream(ctx, st); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to prime stream")
			h.log.ErrorContext(ctx, "stream.prime.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		if !sess.allowResume() {
			writeJSONError(w, http.StatusTooManyRequests, "reconnecting too fast")
			h.log.WarnContext(ctx, "stream.resume.throttled")
			return
		}
		streamID, seq, ok := parseEventID(lastEventID)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "invalid "+lastEventIDHeader+" header")
			h.log.WarnContext(ctx, "stream.resume.bad_event_id", slog.String("last_event_id", lastEventID))
			return
		}
		st = sess.lookupStream(streamID)
		if st == nil {
			writeJSONError(w, http.StatusBadRequest, "unknown stream in "+lastEventIDHeader)
			h.log.WarnContext(ctx, "stream.resume.unknown_stream", slog.Int64("stream_id", streamID))
			return
		}
		// Validate the checkpoint before committing to SSE headers so a
		// replay gap is an explicit 400 rather than silent data loss.
		if err := h.probeReplay(ctx, st, seq); err != nil {
			if errors.Is(err, eventlog.ErrReplayGap) {
				writeJSONError(w, http.StatusBadRequest, "event replay window exceeded")
				h.log.WarnContext(ctx, "stream.resume.gap", slog.String("last_event_id", lastEventID))
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "failed to validate resume checkpoint")
			h.log.ErrorContext(ctx, "stream.resume.fail", slog.String("err", err.Error()))
			return
		}
		cursor = seq
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: st.id, LastEventID: lastEventID})

	c, err := st.claim()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "stream already has a live consumer")
		h.log.WarnContext(ctx, "stream.claim.conflict")
		return
	}
	defer st.release(c)

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	writeSSEHeaders(w)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	// Replay is mandatory and ordered before any new live event; POST-owned
	// streams end once drained, the standalone stream stays open.
	endOnDrain := st.id != standaloneStreamID
	if err := h.serveStream(ctx, wf, sess, st, c, cursor, endOnDrain); err != nil {
		switch {
		case errors.Is(err, ErrStreamClosedBeforeResolution):
			h.log.InfoContext(ctx, "sse.stream.detach")
		case errors.Is(err, eventlog.ErrReplayGap):
			// Eviction raced the probe. Headers are out; fail loudly in-band.
			_ = writeSSEEvent(wf, SSEEvent{Name: "error", Data: []byte(`{"error":"event replay window exceeded"}`)})
			h.log.WarnContext(ctx, "stream.resume.gap")
		default:
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		}
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.mgr.Isolated() {
		writeJSONError(w, http.StatusMethodNotAllowed, "session management disabled")
		h.log.InfoContext(ctx, "session.delete.unsupported")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.mgr.LookupSession(ctx, sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionLogData(sess))

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion() != "" && pv != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	if err := h.mgr.CloseSession(ctx, sessID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to close session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

var errProbeStop = errors.New("probe stop")

// probeReplay checks a resume checkpoint against the store's retained window
// without delivering anything.
func (h *Handler) probeReplay(ctx context.Context, st *stream, afterSeq uint64) error {
	err := h.mgr.store.Replay(ctx, st.key, afterSeq, func(eventlog.Event) error { return errProbeStop })
	if errors.Is(err, errProbeStop) {
		return nil
	}
	return err
}

// serveStream drains a claimed stream into the HTTP response: replay from
// the cursor first, then live events as claimants are poked, in one loop so
// ordering is structural. Returns nil on a graceful end (drained POST
// stream, interrupt, or session close); ErrStreamClosedBeforeResolution when
// the physical connection went away with work still pending.
func (h *Handler) serveStream(ctx context.Context, wf *lockedWriteFlusher, sess *Session, st *stream, c *streamClaim, cursor uint64, endOnDrain bool) error {
	for {
		err := h.mgr.store.Replay(ctx, st.key, cursor, func(ev eventlog.Event) error {
			frame := SSEEvent{ID: formatEventID(st.id, ev.Seq), Data: ev.Payload}
			if ev.Seq == 1 && h.retryInterval > 0 {
				frame.Retry = h.retryInterval
			}
			if err := writeSSEEvent(wf, frame); err != nil {
				return err
			}
			cursor = ev.Seq
			return nil
		})
		if err != nil {
			if errors.Is(err, eventlog.ErrReplayGap) {
				return err
			}
			if ctx.Err() != nil {
				return ErrStreamClosedBeforeResolution
			}
			return err
		}

		drained, interrupted := st.status(cursor)
		if interrupted {
			return nil
		}
		if drained && endOnDrain {
			return nil
		}

		select {
		case <-c.signal:
		case <-sess.done:
			return nil
		case <-ctx.Done():
			return ErrStreamClosedBeforeResolution
		}
	}
}

// dispatch runs one request's handler on its own goroutine, bounded by the
// session lifetime rather than the originating HTTP request, and resolves
// the routing entry with the outcome.
func (h *Handler) dispatch(sess *Session, st *stream, req *jsonrpc.Request) {
	ctx := logctx.WithSessionData(sess.ctx, sessionLogData(sess))
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	go func() {
		resp := h.invoke(ctx, sess, st, req)
		if err := sess.resolve(ctx, req.ID, resp); err != nil {
			h.log.ErrorContext(ctx, "rpc.resolve.fail", slog.String("err", err.Error()))
		}
	}()
}

func (h *Handler) invoke(ctx context.Context, sess *Session, st *stream, req *jsonrpc.Request) *jsonrpc.Response {
	fn := h.handlers[req.Method]
	if fn == nil {
		if req.Method == methodInitialize {
			return h.defaultInitializeResponse(sess, req)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}

	result, err := fn(ctx, &Request{method: req.Method, params: req.Params, id: req.ID, sess: sess, st: st})
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
		}
		h.log.ErrorContext(ctx, "rpc.handler.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return resp
}

func (h *Handler) defaultInitializeResponse(sess *Session, req *jsonrpc.Request) *jsonrpc.Response {
	pv := sess.ProtocolVersion()
	if pv == "" {
		pv = DefaultProtocolVersion
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, map[string]any{
		"protocolVersion": pv,
		"capabilities":    map[string]any{},
		"serverInfo": map[string]any{
			"name":    h.serverName,
			"version": h.serverVersion,
		},
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return resp
}
