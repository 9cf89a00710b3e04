package streamable

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
)

// HandlerFunc is application logic for one JSON-RPC method. The returned
// value is marshaled as the result; a returned *jsonrpc.Error resolves the
// request as that JSON-RPC error, any other error as an internal error.
// Handler execution is bounded by the session lifetime, not by the HTTP
// request that carried the triggering message.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Request is one dispatched JSON-RPC request, carrying the notification and
// stream controls bound to it. Notifications emitted through it reach the
// exact stream the caller is reading from, however many requests and
// sessions are in flight concurrently.
type Request struct {
	method string
	params json.RawMessage
	id     *jsonrpc.RequestID
	sess   *Session
	st     *stream
}

// Method returns the JSON-RPC method name.
func (r *Request) Method() string { return r.method }

// Params returns the raw request parameters.
func (r *Request) Params() json.RawMessage { return r.params }

// ID returns the caller-supplied JSON-RPC request ID. Nil for notifications.
func (r *Request) ID() *jsonrpc.RequestID { return r.id }

// SessionID returns the owning session's ID. Empty in degraded shared mode.
func (r *Request) SessionID() string { return r.sess.ID() }

// Session returns the owning session.
func (r *Request) Session() *Session { return r.sess }

// Notify emits a request-scoped notification, routed to the stream owning
// this request. After the request resolves, further notifications are
// silently dropped.
func (r *Request) Notify(ctx context.Context, method string, params any) error {
	payload, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return r.sess.routeNotification(ctx, r.id, payload)
}

// progressParams mirrors the wire shape of notifications/progress.
type progressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

// NotifyProgress emits a notifications/progress notification tied to this
// request, using the request ID as the progress token.
func (r *Request) NotifyProgress(ctx context.Context, progress, total float64) error {
	return r.Notify(ctx, "notifications/progress", progressParams{
		ProgressToken: r.id.Value(),
		Progress:      progress,
		Total:         total,
	})
}

// InterruptStream gracefully closes the live response draining this
// request's stream without resolving anything, forcing the client through
// its reconnect-and-replay path. It refuses to run before the stream's
// priming event exists (ErrStreamNotPrimed), waits for a live connection if
// none is attached, and returns once that connection has ended.
func (r *Request) InterruptStream(ctx context.Context) error {
	return r.st.interrupt(ctx)
}
