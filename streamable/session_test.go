package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
	"github.com/ggoodman/mcp-conformance-go/eventlog/memorylog"
	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
)

// collectLog replays the full event log of a stream into memory.
func collectLog(t *testing.T, store eventlog.Store, st *stream) []eventlog.Event {
	t.Helper()
	var events []eventlog.Event
	err := store.Replay(context.Background(), st.key, 0, func(ev eventlog.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("replay of %q failed: %v", st.key, err)
	}
	return events
}

func newTestSession(t *testing.T, opts ...ManagerOption) (*SessionManager, *Session) {
	t.Helper()
	mgr := NewSessionManager(memorylog.New(), opts...)
	sess, err := mgr.CreateSession(t.Context())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return mgr, sess
}

func TestSessionRouting(t *testing.T) {
	t.Run("duplicate registration is rejected", func(t *testing.T) {
		_, sess := newTestSession(t)
		st := sess.newRequestStream()

		if err := sess.register(jsonrpc.NewRequestID(1), st, nil); err != nil {
			t.Fatalf("first register failed: %v", err)
		}
		err := sess.register(jsonrpc.NewRequestID(1), st, nil)
		if !errors.Is(err, ErrDuplicateRequestID) {
			t.Fatalf("expected ErrDuplicateRequestID, got %v", err)
		}
	})

	t.Run("string and numeric IDs do not collide", func(t *testing.T) {
		_, sess := newTestSession(t)
		st := sess.newRequestStream()

		if err := sess.register(jsonrpc.NewRequestID(1), st, nil); err != nil {
			t.Fatalf("register(1) failed: %v", err)
		}
		if err := sess.register(jsonrpc.NewRequestID("1"), st, nil); err != nil {
			t.Fatalf("register(\"1\") failed: %v", err)
		}
	})

	t.Run("resolve appends the response and releases the entry", func(t *testing.T) {
		mgr, sess := newTestSession(t)
		st := sess.newRequestStream()
		id := jsonrpc.NewRequestID("r1")

		if err := sess.register(id, st, nil); err != nil {
			t.Fatalf("register failed: %v", err)
		}

		resp, err := jsonrpc.NewResultResponse(id, map[string]any{"ok": true})
		if err != nil {
			t.Fatalf("NewResultResponse failed: %v", err)
		}
		if err := sess.resolve(t.Context(), id, resp); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}

		events := collectLog(t, mgr.store, st)
		if len(events) != 1 {
			t.Fatalf("expected 1 event in the log, got %d", len(events))
		}
		var got jsonrpc.Response
		if err := json.Unmarshal(events[0].Payload, &got); err != nil {
			t.Fatalf("response payload does not decode: %v", err)
		}
		if got.ID.String() != id.String() {
			t.Errorf("unexpected response id: want %q, got %q", id, got.ID)
		}

		st.mu.Lock()
		pending := st.pending
		st.mu.Unlock()
		if pending != 0 {
			t.Errorf("expected no pending requests after resolve, got %d", pending)
		}
	})

	t.Run("notifications for resolved requests are dropped", func(t *testing.T) {
		mgr, sess := newTestSession(t)
		st := sess.newRequestStream()
		id := jsonrpc.NewRequestID(42)

		if err := sess.register(id, st, nil); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		resp, err := jsonrpc.NewResultResponse(id, "done")
		if err != nil {
			t.Fatalf("NewResultResponse failed: %v", err)
		}
		if err := sess.resolve(t.Context(), id, resp); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}

		payload, err := marshalNotification("notifications/progress", nil)
		if err != nil {
			t.Fatalf("marshalNotification failed: %v", err)
		}
		if err := sess.routeNotification(t.Context(), id, payload); err != nil {
			t.Fatalf("routeNotification failed: %v", err)
		}

		if events := collectLog(t, mgr.store, st); len(events) != 1 {
			t.Errorf("expected the dropped notification to leave the log untouched, got %d events", len(events))
		}
	})

	t.Run("resolving an unknown request is a no-op", func(t *testing.T) {
		_, sess := newTestSession(t)
		id := jsonrpc.NewRequestID("ghost")
		resp, err := jsonrpc.NewResultResponse(id, nil)
		if err != nil {
			t.Fatalf("NewResultResponse failed: %v", err)
		}
		if err := sess.resolve(t.Context(), id, resp); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
	})

	t.Run("degraded mode overwrites colliding registrations", func(t *testing.T) {
		_, sess := newTestSession(t, WithoutSessionIsolation())
		stA := sess.newRequestStream()
		stB := sess.newRequestStream()
		if stA != stB {
			t.Fatal("expected every request stream to be the shared stream in degraded mode")
		}

		id := jsonrpc.NewRequestID(7)
		if err := sess.register(id, stA, nil); err != nil {
			t.Fatalf("first register failed: %v", err)
		}
		if err := sess.register(id, stB, nil); err != nil {
			t.Fatalf("colliding register failed: %v", err)
		}

		stA.mu.Lock()
		pending := stA.pending
		stA.mu.Unlock()
		if pending != 1 {
			t.Errorf("expected the overwrite to keep pending at 1, got %d", pending)
		}
	})
}

func TestSessionStreams(t *testing.T) {
	t.Run("request streams get fresh IDs", func(t *testing.T) {
		_, sess := newTestSession(t)

		st1 := sess.newRequestStream()
		st2 := sess.newRequestStream()
		if st1.id == st2.id {
			t.Fatalf("expected distinct stream IDs, got %d twice", st1.id)
		}
		if st1.id == standaloneStreamID || st2.id == standaloneStreamID {
			t.Fatal("request streams must not reuse the standalone stream ID")
		}
		if sess.lookupStream(st1.id) != st1 {
			t.Error("lookupStream did not return the allocated stream")
		}
		if sess.lookupStream(999) != nil {
			t.Error("lookupStream invented a stream")
		}
	})

	t.Run("priming writes sequence 1 with an empty payload, once", func(t *testing.T) {
		mgr, sess := newTestSession(t)
		st := sess.newRequestStream()

		if err := sess.primeStream(t.Context(), st); err != nil {
			t.Fatalf("primeStream failed: %v", err)
		}
		if err := sess.primeStream(t.Context(), st); err != nil {
			t.Fatalf("second primeStream failed: %v", err)
		}

		events := collectLog(t, mgr.store, st)
		if len(events) != 1 {
			t.Fatalf("expected exactly one priming event, got %d", len(events))
		}
		if events[0].Seq != 1 {
			t.Errorf("priming event must be sequence 1, got %d", events[0].Seq)
		}
		if len(events[0].Payload) != 0 {
			t.Errorf("priming event must have an empty payload, got %q", events[0].Payload)
		}
	})

	t.Run("notify lands on the standalone stream", func(t *testing.T) {
		mgr, sess := newTestSession(t)

		if err := sess.Notify(t.Context(), "notifications/message", map[string]any{"level": "info"}); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}

		events := collectLog(t, mgr.store, sess.standaloneStream())
		if len(events) != 1 {
			t.Fatalf("expected 1 event on the standalone stream, got %d", len(events))
		}
		var n jsonrpc.Request
		if err := json.Unmarshal(events[0].Payload, &n); err != nil {
			t.Fatalf("notification payload does not decode: %v", err)
		}
		if want, got := "notifications/message", n.Method; want != got {
			t.Errorf("unexpected method: want %q, got %q", want, got)
		}
		if !n.ID.IsNil() {
			t.Errorf("notifications must not carry an ID, got %q", n.ID)
		}
	})

	t.Run("close drops the stream logs", func(t *testing.T) {
		mgr, sess := newTestSession(t)
		st := sess.newRequestStream()
		if err := sess.primeStream(t.Context(), st); err != nil {
			t.Fatalf("primeStream failed: %v", err)
		}

		sess.close(t.Context())

		if events := collectLog(t, mgr.store, st); len(events) != 0 {
			t.Errorf("expected the log to be dropped on close, got %d events", len(events))
		}
	})
}

func TestStreamClaims(t *testing.T) {
	t.Run("exclusive streams admit one claimant", func(t *testing.T) {
		st := newStream("s", 1, true)

		c, err := st.claim()
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if _, err := st.claim(); !errors.Is(err, ErrStreamBusy) {
			t.Fatalf("expected ErrStreamBusy, got %v", err)
		}

		st.release(c)
		if _, err := st.claim(); err != nil {
			t.Fatalf("claim after release failed: %v", err)
		}
	})

	t.Run("shared streams admit several claimants", func(t *testing.T) {
		st := newStream("", 0, false)

		if _, err := st.claim(); err != nil {
			t.Fatalf("first claim failed: %v", err)
		}
		if _, err := st.claim(); err != nil {
			t.Fatalf("second claim failed: %v", err)
		}
	})

	t.Run("append pokes the claimant", func(t *testing.T) {
		st := newStream("s", 1, true)
		c, err := st.claim()
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}

		st.noteAppend(1)
		select {
		case <-c.signal:
		default:
			t.Fatal("expected a poke after noteAppend")
		}
	})

	t.Run("interrupt refuses unprimed streams", func(t *testing.T) {
		st := newStream("s", 1, true)
		if err := st.interrupt(t.Context()); !errors.Is(err, ErrStreamNotPrimed) {
			t.Fatalf("expected ErrStreamNotPrimed, got %v", err)
		}
	})

	t.Run("interrupt waits for a claimant and returns on release", func(t *testing.T) {
		_, sess := newTestSession(t)
		st := sess.newRequestStream()
		if err := sess.primeStream(t.Context(), st); err != nil {
			t.Fatalf("primeStream failed: %v", err)
		}

		interrupted := make(chan error, 1)
		go func() { interrupted <- st.interrupt(context.Background()) }()

		// The interrupt must block until a connection attaches and drains up
		// to the watermark.
		select {
		case err := <-interrupted:
			t.Fatalf("interrupt returned with no claimant attached: %v", err)
		case <-time.After(20 * time.Millisecond):
		}

		c, err := st.claim()
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}

		// Wait for the watermark, then behave like the serve loop: observe
		// the interrupt at the cursor and detach.
		deadline := time.Now().Add(2 * time.Second)
		for {
			if _, stop := st.status(1); stop {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("interrupt watermark never became observable")
			}
			time.Sleep(time.Millisecond)
		}
		st.release(c)

		select {
		case err := <-interrupted:
			if err != nil {
				t.Fatalf("interrupt failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("interrupt did not return after release")
		}

		// A later claim starts clean: no stale watermark.
		c2, err := st.claim()
		if err != nil {
			t.Fatalf("claim after interrupt failed: %v", err)
		}
		if _, stop := st.status(1); stop {
			t.Error("interrupt watermark leaked into the next claim")
		}
		st.release(c2)
	})

	t.Run("interrupt gives up with the context", func(t *testing.T) {
		_, sess := newTestSession(t)
		st := sess.newRequestStream()
		if err := sess.primeStream(t.Context(), st); err != nil {
			t.Fatalf("primeStream failed: %v", err)
		}

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		if err := st.interrupt(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
	})
}
