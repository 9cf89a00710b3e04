package streamable

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
	"github.com/ggoodman/mcp-conformance-go/eventlog/memorylog"
	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
)

// testLogWriter forwards handler logs to the test output.
type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type handlerOptions struct {
	store    eventlog.Store
	mgrOpts  []ManagerOption
	handlers map[string]HandlerFunc
	opts     []Option
}

func newTestServer(t *testing.T, cfg handlerOptions) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := cfg.store
	if store == nil {
		store = memorylog.New()
	}
	mgrOpts := append([]ManagerOption{WithManagerLogger(testLogger(t))}, cfg.mgrOpts...)
	mgr := NewSessionManager(store, mgrOpts...)

	opts := append([]Option{WithLogger(testLogger(t))}, cfg.opts...)
	h, err := New(ctx, mgr, opts...)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	h.Handle("ping", func(ctx context.Context, req *Request) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	h.Handle("task", func(ctx context.Context, req *Request) (any, error) {
		if err := req.NotifyProgress(ctx, 1, 1); err != nil {
			return nil, err
		}
		return "done", nil
	})
	for method, fn := range cfg.handlers {
		h.Handle(method, fn)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func postMCP(t *testing.T, srv *httptest.Server, sessID, accept, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if sessID != "" {
		req.Header.Set(mcpSessionIDHeader, sessID)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	return resp
}

func getMCP(t *testing.T, ctx context.Context, srv *httptest.Server, sessID, lastEventID string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sessID != "" {
		req.Header.Set(mcpSessionIDHeader, sessID)
	}
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	return srv.Client().Do(req)
}

func deleteMCP(t *testing.T, srv *httptest.Server, sessID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if sessID != "" {
		req.Header.Set(mcpSessionIDHeader, sessID)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	return resp
}

const initializeBody = `{"jsonrpc":"2.0","id":"init-1","method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"0.0.1"}}}`

// initializeSession performs the full handshake and returns the session ID.
func initializeSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	resp := postMCP(t, srv, "", "application/json, text/event-stream", initializeBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("initialize returned %d: %s", resp.StatusCode, body)
	}
	sessID := resp.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		t.Fatal("initialize response carries no session ID")
	}

	ack := postMCP(t, srv, sessID, "application/json, text/event-stream", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer ack.Body.Close()
	if ack.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification returned %d, want 202", ack.StatusCode)
	}
	return sessID
}

// readFrames drains an SSE body until EOF.
func readFrames(t *testing.T, r io.Reader) []*SSEEvent {
	t.Helper()
	s := NewSSEScanner(r)
	var frames []*SSEEvent
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("failed to read SSE frame: %v", err)
		}
		frames = append(frames, ev)
	}
}

func decodeResponse(t *testing.T, payload []byte) *jsonrpc.Response {
	t.Helper()
	var resp jsonrpc.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("payload %q does not decode as a response: %v", payload, err)
	}
	return &resp
}

func TestHandlerHandshake(t *testing.T) {
	t.Run("initialize issues a session", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})

		resp := postMCP(t, srv, "", "application/json, text/event-stream", initializeBody)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("initialize returned %d, want 200", resp.StatusCode)
		}
		if got := resp.Header.Get(mcpSessionIDHeader); got == "" {
			t.Error("expected a session ID header")
		}
		if want, got := "2025-06-18", resp.Header.Get(mcpProtocolVersionHeader); want != got {
			t.Errorf("unexpected protocol version header: want %q, got %q", want, got)
		}
		if want, got := "application/json", resp.Header.Get("Content-Type"); want != got {
			t.Errorf("unexpected content type: want %q, got %q", want, got)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		r := decodeResponse(t, body)
		if r.Error != nil {
			t.Fatalf("initialize resolved with error: %v", r.Error)
		}
		var result struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		if err := json.Unmarshal(r.Result, &result); err != nil {
			t.Fatalf("failed to decode initialize result: %v", err)
		}
		if want, got := "2025-06-18", result.ProtocolVersion; want != got {
			t.Errorf("unexpected protocol version: want %q, got %q", want, got)
		}
	})

	t.Run("non-initialize request without a session is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})

		resp := postMCP(t, srv, "", "application/json, text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("batched initialize is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})

		resp := postMCP(t, srv, "", "application/json, text/event-stream", "["+initializeBody+"]")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("reinitializing a live session conflicts", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "application/json, text/event-stream", initializeBody)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
	})

	t.Run("protocol version mismatch is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(mcpSessionIDHeader, sessID)
		req.Header.Set(mcpProtocolVersionHeader, "1999-01-01")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestHandlerPostStreaming(t *testing.T) {
	t.Run("priming precedes the response", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{opts: []Option{WithRetryInterval(123 * time.Millisecond)}})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
			t.Fatalf("unexpected content type %q", ct)
		}

		frames := readFrames(t, resp.Body)
		if len(frames) != 2 {
			t.Fatalf("expected priming + response, got %d frames", len(frames))
		}
		if want, got := "1_1", frames[0].ID; want != got {
			t.Errorf("unexpected priming event ID: want %q, got %q", want, got)
		}
		if len(frames[0].Data) != 0 {
			t.Errorf("priming event must carry no payload, got %q", frames[0].Data)
		}
		if want, got := 123*time.Millisecond, frames[0].Retry; want != got {
			t.Errorf("unexpected retry directive: want %v, got %v", want, got)
		}

		if want, got := "1_2", frames[1].ID; want != got {
			t.Errorf("unexpected response event ID: want %q, got %q", want, got)
		}
		r := decodeResponse(t, frames[1].Data)
		if r.Error != nil {
			t.Fatalf("ping resolved with error: %v", r.Error)
		}
	})

	t.Run("request-scoped notifications precede the response", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":"t1","method":"task"}`)
		defer resp.Body.Close()

		frames := readFrames(t, resp.Body)
		if len(frames) != 3 {
			t.Fatalf("expected priming + notification + response, got %d frames", len(frames))
		}
		var n jsonrpc.Request
		if err := json.Unmarshal(frames[1].Data, &n); err != nil {
			t.Fatalf("frame 1 does not decode as a notification: %v", err)
		}
		if want, got := "notifications/progress", n.Method; want != got {
			t.Errorf("unexpected notification method: want %q, got %q", want, got)
		}
		var params struct {
			ProgressToken any `json:"progressToken"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil {
			t.Fatalf("failed to decode progress params: %v", err)
		}
		if want, got := "t1", params.ProgressToken; want != got {
			t.Errorf("unexpected progress token: want %v, got %v", want, got)
		}
		if r := decodeResponse(t, frames[2].Data); r.Error != nil {
			t.Fatalf("task resolved with error: %v", r.Error)
		}
	})

	t.Run("batch requests stream every response", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "text/event-stream", `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)
		defer resp.Body.Close()

		frames := readFrames(t, resp.Body)
		if len(frames) != 3 {
			t.Fatalf("expected priming + 2 responses, got %d frames", len(frames))
		}
		got := map[string]bool{}
		for _, f := range frames[1:] {
			got[decodeResponse(t, f.Data).ID.String()] = true
		}
		if !got["1"] || !got["2"] {
			t.Errorf("missing responses, got IDs %v", got)
		}
	})

	t.Run("notification-only POST is accepted without a stream", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "application/json, text/event-stream", `{"jsonrpc":"2.0","method":"notifications/whatever"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}
	})

	t.Run("unknown method resolves in-band", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":9,"method":"no/such/method"}`)
		defer resp.Body.Close()

		frames := readFrames(t, resp.Body)
		if len(frames) != 2 {
			t.Fatalf("expected priming + error response, got %d frames", len(frames))
		}
		r := decodeResponse(t, frames[1].Data)
		if r.Error == nil || r.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("expected method-not-found, got %+v", r)
		}
	})

	t.Run("duplicate request IDs are rejected before dispatch", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "text/event-stream", `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		r := decodeResponse(t, body)
		if r.Error == nil || r.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("expected an invalid-request error body, got %s", body)
		}
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		for _, body := range []string{"{", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, `[]`, `{"jsonrpc":"2.0","id":1}`} {
			resp := postMCP(t, srv, sessID, "text/event-stream", body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("body %q: expected 400, got %d", body, resp.StatusCode)
			}
		}
	})

	t.Run("wrong content type is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(mcpSessionIDHeader, sessID)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("expected 415, got %d", resp.StatusCode)
		}
	})

	t.Run("unacceptable Accept is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "text/plain", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("expected 406, got %d", resp.StatusCode)
		}
	})

	t.Run("unknown session is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})

		resp := postMCP(t, srv, "does-not-exist", "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestHandlerStandaloneStream(t *testing.T) {
	t.Run("unsolicited notifications arrive on the standalone stream", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{
			handlers: map[string]HandlerFunc{
				"note": func(ctx context.Context, req *Request) (any, error) {
					if err := req.Session().Notify(ctx, "notifications/message", map[string]any{"data": "hi"}); err != nil {
						return nil, err
					}
					return "sent", nil
				},
			},
		})
		sessID := initializeSession(t, srv)

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		get, err := getMCP(t, ctx, srv, sessID, "")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer get.Body.Close()
		if get.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", get.StatusCode)
		}

		s := NewSSEScanner(get.Body)
		prime, err := s.Next()
		if err != nil {
			t.Fatalf("failed to read priming frame: %v", err)
		}
		if want, got := "0_1", prime.ID; want != got {
			t.Errorf("unexpected priming event ID: want %q, got %q", want, got)
		}

		post := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":"n1","method":"note"}`)
		readFrames(t, post.Body)
		post.Body.Close()

		note, err := s.Next()
		if err != nil {
			t.Fatalf("failed to read notification frame: %v", err)
		}
		if want, got := "0_2", note.ID; want != got {
			t.Errorf("unexpected notification event ID: want %q, got %q", want, got)
		}
		var n jsonrpc.Request
		if err := json.Unmarshal(note.Data, &n); err != nil {
			t.Fatalf("notification does not decode: %v", err)
		}
		if want, got := "notifications/message", n.Method; want != got {
			t.Errorf("unexpected method: want %q, got %q", want, got)
		}
	})

	t.Run("the standalone stream admits one consumer", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		first, err := getMCP(t, ctx, srv, sessID, "")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer first.Body.Close()
		if first.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", first.StatusCode)
		}
		// Wait for the priming frame so the claim is known to be held.
		if _, err := NewSSEScanner(first.Body).Next(); err != nil {
			t.Fatalf("failed to read priming frame: %v", err)
		}

		second, err := getMCP(t, t.Context(), srv, sessID, "")
		if err != nil {
			t.Fatalf("second GET failed: %v", err)
		}
		defer second.Body.Close()
		if second.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for the second consumer, got %d", second.StatusCode)
		}
	})

	t.Run("standalone streams can be disabled", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{opts: []Option{WithoutStandaloneStreams()}})
		sessID := initializeSession(t, srv)

		resp, err := getMCP(t, t.Context(), srv, sessID, "")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})

	t.Run("GET without an acceptable Accept is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/mcp", nil)
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(mcpSessionIDHeader, sessID)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("expected 406, got %d", resp.StatusCode)
		}
	})

	t.Run("GET without a session is rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})

		resp, err := getMCP(t, t.Context(), srv, "", "")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestHandlerResume(t *testing.T) {
	t.Run("a completed stream replays from the checkpoint", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		post := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		frames := readFrames(t, post.Body)
		post.Body.Close()
		if len(frames) != 2 {
			t.Fatalf("expected priming + response, got %d frames", len(frames))
		}

		// Resume after the priming event: only the response replays.
		resume, err := getMCP(t, t.Context(), srv, sessID, frames[0].ID)
		if err != nil {
			t.Fatalf("resume GET failed: %v", err)
		}
		replayed := readFrames(t, resume.Body)
		resume.Body.Close()
		if len(replayed) != 1 {
			t.Fatalf("expected 1 replayed frame, got %d", len(replayed))
		}
		if replayed[0].ID != frames[1].ID {
			t.Errorf("unexpected replayed event ID: want %q, got %q", frames[1].ID, replayed[0].ID)
		}
		if !bytes.Equal(replayed[0].Data, frames[1].Data) {
			t.Errorf("replayed payload differs: want %q, got %q", frames[1].Data, replayed[0].Data)
		}

		// Resume at the head: nothing left, the stream ends immediately.
		head, err := getMCP(t, t.Context(), srv, sessID, frames[1].ID)
		if err != nil {
			t.Fatalf("resume GET failed: %v", err)
		}
		if rest := readFrames(t, head.Body); len(rest) != 0 {
			t.Errorf("expected no frames at the head, got %d", len(rest))
		}
		head.Body.Close()
	})

	t.Run("interrupted stream delivers the response after reconnect", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{
			handlers: map[string]HandlerFunc{
				"checkpoint": func(ctx context.Context, req *Request) (any, error) {
					if err := req.Notify(ctx, "notifications/progress", map[string]any{"progressToken": req.ID().Value(), "progress": 1}); err != nil {
						return nil, err
					}
					if err := req.InterruptStream(ctx); err != nil {
						return nil, err
					}
					return "resumed", nil
				},
			},
		})
		sessID := initializeSession(t, srv)

		post := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":"c1","method":"checkpoint"}`)
		frames := readFrames(t, post.Body)
		post.Body.Close()
		if len(frames) != 2 {
			t.Fatalf("expected priming + notification before the interrupt, got %d frames", len(frames))
		}

		resume, err := getMCP(t, t.Context(), srv, sessID, frames[1].ID)
		if err != nil {
			t.Fatalf("resume GET failed: %v", err)
		}
		replayed := readFrames(t, resume.Body)
		resume.Body.Close()
		if len(replayed) != 1 {
			t.Fatalf("expected the response after reconnect, got %d frames", len(replayed))
		}
		r := decodeResponse(t, replayed[0].Data)
		if r.Error != nil {
			t.Fatalf("checkpoint resolved with error: %v", r.Error)
		}
		var result string
		if err := json.Unmarshal(r.Result, &result); err != nil || result != "resumed" {
			t.Errorf("unexpected result %s (err %v)", r.Result, err)
		}
	})

	t.Run("invalid checkpoints are rejected", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		post := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		readFrames(t, post.Body)
		post.Body.Close()

		for _, lastEventID := range []string{"bogus", "x_1", "1_z"} {
			resp, err := getMCP(t, t.Context(), srv, sessID, lastEventID)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Last-Event-ID %q: expected 400, got %d", lastEventID, resp.StatusCode)
			}
		}

		// Well-formed but referencing a stream that never existed.
		resp, err := getMCP(t, t.Context(), srv, sessID, "99_1")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for an unknown stream, got %d", resp.StatusCode)
		}
	})

	t.Run("a checkpoint evicted from the log is a replay gap", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{
			store: memorylog.New(memorylog.WithMaxEvents(2)),
			handlers: map[string]HandlerFunc{
				"chatty": func(ctx context.Context, req *Request) (any, error) {
					for i := 0; i < 4; i++ {
						if err := req.NotifyProgress(ctx, float64(i), 4); err != nil {
							return nil, err
						}
					}
					return "done", nil
				},
			},
		})
		sessID := initializeSession(t, srv)

		post := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"chatty"}`)
		frames := readFrames(t, post.Body)
		post.Body.Close()
		// The handler outruns the tiny retention window, so the live frame
		// count is racy. Only the priming checkpoint matters here.
		if len(frames) == 0 || frames[0].ID != "1_1" {
			t.Fatalf("expected the stream to open with its priming event, got %+v", frames)
		}

		resume, err := getMCP(t, t.Context(), srv, sessID, frames[0].ID)
		if err != nil {
			t.Fatalf("resume GET failed: %v", err)
		}
		defer resume.Body.Close()
		if resume.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for an evicted checkpoint, got %d", resume.StatusCode)
		}
	})

	t.Run("reconnects can be rate limited", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{
			mgrOpts: []ManagerOption{WithResumeRateLimit(rate.Every(time.Hour), 1)},
		})
		sessID := initializeSession(t, srv)

		post := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		frames := readFrames(t, post.Body)
		post.Body.Close()

		first, err := getMCP(t, t.Context(), srv, sessID, frames[0].ID)
		if err != nil {
			t.Fatalf("first resume failed: %v", err)
		}
		first.Body.Close()
		if first.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for the first resume, got %d", first.StatusCode)
		}

		second, err := getMCP(t, t.Context(), srv, sessID, frames[0].ID)
		if err != nil {
			t.Fatalf("second resume failed: %v", err)
		}
		second.Body.Close()
		if second.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("expected 429 for the second resume, got %d", second.StatusCode)
		}
	})
}

func TestHandlerDelete(t *testing.T) {
	t.Run("deleting a session is terminal", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})
		sessID := initializeSession(t, srv)

		resp := deleteMCP(t, srv, sessID)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}

		post := postMCP(t, srv, sessID, "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		post.Body.Close()
		if post.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404 after delete, got %d", post.StatusCode)
		}

		again := deleteMCP(t, srv, sessID)
		again.Body.Close()
		if again.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404 for a repeated delete, got %d", again.StatusCode)
		}
	})

	t.Run("delete requires a session header", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{})

		resp := deleteMCP(t, srv, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestHandlerDegradedMode(t *testing.T) {
	srv := newTestServer(t, handlerOptions{mgrOpts: []ManagerOption{WithoutSessionIsolation()}})

	t.Run("no handshake or session header is required", func(t *testing.T) {
		resp := postMCP(t, srv, "", "text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get(mcpSessionIDHeader); got != "" {
			t.Errorf("expected no session ID header, got %q", got)
		}

		frames := readFrames(t, resp.Body)
		if len(frames) != 2 {
			t.Fatalf("expected priming + response, got %d frames", len(frames))
		}
		if want, got := "0_1", frames[0].ID; want != got {
			t.Errorf("expected the shared stream, got event ID %q", got)
		}
	})

	t.Run("later posts replay earlier traffic", func(t *testing.T) {
		// The shared stream accumulates every event, so a second client's
		// POST drains the first client's history too. That leakage is the
		// degraded mode's defining observable.
		resp := postMCP(t, srv, "", "text/event-stream", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
		defer resp.Body.Close()

		frames := readFrames(t, resp.Body)
		if len(frames) != 3 {
			t.Fatalf("expected the prior response to leak in, got %d frames", len(frames))
		}
		ids := map[string]bool{}
		for _, f := range frames[1:] {
			ids[decodeResponse(t, f.Data).ID.String()] = true
		}
		if !ids["1"] || !ids["2"] {
			t.Errorf("expected responses for requests 1 and 2, got %v", ids)
		}
	})

	t.Run("session deletion is not supported", func(t *testing.T) {
		resp := deleteMCP(t, srv, "anything")
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})
}

func TestHandlerJSONResponse(t *testing.T) {
	t.Run("a request-only POST can buffer its response", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{opts: []Option{WithJSONResponse()}})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "application/json", `{"jsonrpc":"2.0","id":5,"method":"ping"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if want, got := "application/json", resp.Header.Get("Content-Type"); want != got {
			t.Fatalf("unexpected content type: want %q, got %q", want, got)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		r := decodeResponse(t, body)
		if r.Error != nil {
			t.Fatalf("ping resolved with error: %v", r.Error)
		}
		if want, got := "5", r.ID.String(); want != got {
			t.Errorf("unexpected response ID: want %q, got %q", want, got)
		}
	})

	t.Run("batches mirror their shape", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{opts: []Option{WithJSONResponse()}})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "application/json", `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)
		defer resp.Body.Close()

		var responses []*jsonrpc.Response
		if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
			t.Fatalf("failed to decode batch response: %v", err)
		}
		if len(responses) != 2 {
			t.Fatalf("expected 2 responses, got %d", len(responses))
		}
	})

	t.Run("notifications emitted in JSON mode surface on a later GET", func(t *testing.T) {
		srv := newTestServer(t, handlerOptions{opts: []Option{WithJSONResponse()}})
		sessID := initializeSession(t, srv)

		resp := postMCP(t, srv, sessID, "application/json", `{"jsonrpc":"2.0","id":"t9","method":"task"}`)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		get, err := getMCP(t, ctx, srv, sessID, "")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer get.Body.Close()

		s := NewSSEScanner(get.Body)
		found := false
		for i := 0; i < 2 && !found; i++ {
			ev, err := s.Next()
			if err != nil {
				t.Fatalf("failed to read frame: %v", err)
			}
			if len(ev.Data) == 0 {
				continue // priming
			}
			var n jsonrpc.Request
			if err := json.Unmarshal(ev.Data, &n); err != nil {
				t.Fatalf("frame does not decode: %v", err)
			}
			found = n.Method == "notifications/progress"
		}
		if !found {
			t.Error("the buffered request's notification never surfaced on the standalone stream")
		}
	})
}

func TestHandlerEndpointPath(t *testing.T) {
	srv := newTestServer(t, handlerOptions{opts: []Option{WithEndpointPath("/rpc")}})

	resp, err := srv.Client().Post(srv.URL+"/rpc", "application/json", strings.NewReader(initializeBody))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on the configured path, got %d", resp.StatusCode)
	}

	missing, err := srv.Client().Post(srv.URL+"/mcp", "application/json", strings.NewReader(initializeBody))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on the default path, got %d", missing.StatusCode)
	}
}
