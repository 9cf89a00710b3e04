// Package streamable implements a resumable, session-scoped, multi-stream
// JSON-RPC transport over HTTP with Server-Sent-Event streaming. It mounts
// as a standard net/http handler serving POST (messages in), GET (standalone
// or resumed streams out), and DELETE (session termination) on one path.
//
// Responsibilities
//   - Session lifecycle: creation on initialize, activation on the
//     initialized notification, teardown on DELETE/shutdown/GC
//   - Request routing: every response and request-scoped notification is
//     delivered to the exact logical stream that carried the triggering
//     request, keyed by (session, request ID)
//   - Resumability: every outbound frame is written through an
//     eventlog.Store before delivery, so a dropped connection resumes via
//     Last-Event-ID replay without loss or duplication
//   - Reconnection policy: priming events before any payload, an advertised
//     retry interval, and proactive stream interrupts for exercising the
//     resume path
//
// Construction
//
//	store := memorylog.New()
//	mgr := streamable.NewSessionManager(store)
//	h, err := streamable.New(ctx, mgr)
//	h.Handle("tools/echo", echoHandler)
//	http.ListenAndServe(":8080", h)
//
// # Session Context Lifetimes
//
// Handler execution is bounded by the owning session's lifetime, not by the
// HTTP request that dispatched it: dropping the physical connection detaches
// the stream but leaves the request pending and routable to a future
// reconnecting stream within the retention window.
//
// # Degraded shared mode
//
// NewSessionManager(store, WithoutSessionIsolation()) reproduces the naive
// shared-state configuration in which every physical client shares one
// implicit session and one stream. Duplicate request IDs overwrite each
// other and concurrent clients observe each other's traffic. The failure
// signature is deterministic cross-client leakage, never a crash; the
// conformance package's negative scenarios assert exactly that.
//
// # Error Handling
//
// Transport-level rejections map to HTTP status codes (400/404/405/429);
// malformed envelopes are rejected at ingress with a JSON-RPC error body;
// handler errors resolve as JSON-RPC error responses on the stream. A resume
// checkpoint older than the store's retention floor fails loudly rather than
// silently skipping (eventlog.ErrReplayGap).
package streamable
