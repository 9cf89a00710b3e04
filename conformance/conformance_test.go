package conformance

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-conformance-go/streamable"
)

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{
		Tick: 40 * time.Millisecond,
		Client: ClientConfig{
			FallbackRetry: 20 * time.Millisecond,
		},
		Log: testLogger(t),
	}
}

// TestScenariosAgainstReferenceServer runs every registered scenario against
// the in-process reference deployment. The reference server must pass its
// own conformance suite for the harness to mean anything.
func TestScenariosAgainstReferenceServer(t *testing.T) {
	for _, sc := range Scenarios() {
		t.Run(sc.Name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			if err := sc.Run(ctx, testEnv(t)); err != nil {
				t.Fatalf("scenario failed: %v", err)
			}
		})
	}
}

type recordingReporter struct {
	logs []string
	errs []string
}

func (r *recordingReporter) Logf(format string, args ...any) {
	r.logs = append(r.logs, format)
}

func (r *recordingReporter) Errorf(format string, args ...any) {
	r.errs = append(r.errs, format)
}

func TestRunSelection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	t.Run("unknown scenario", func(t *testing.T) {
		rep := &recordingReporter{}
		err := Run(ctx, rep, testEnv(t), "no_such_scenario")
		if err == nil {
			t.Fatal("expected an error for an unknown scenario name")
		}
		if !strings.Contains(err.Error(), "no_such_scenario") {
			t.Errorf("error %q does not name the unknown scenario", err)
		}
	})

	t.Run("named scenario", func(t *testing.T) {
		rep := &recordingReporter{}
		if err := Run(ctx, rep, testEnv(t), "lifecycle"); err != nil {
			t.Fatalf("Run(lifecycle): %v", err)
		}
		if len(rep.errs) != 0 {
			t.Errorf("reporter recorded %d errors, want 0", len(rep.errs))
		}
		if len(rep.logs) == 0 {
			t.Error("reporter recorded no progress")
		}
	})
}

func TestRegistryContents(t *testing.T) {
	want := []string{
		"degraded_shared_session",
		"lifecycle",
		"multiple_streams",
		"notification_isolation",
		"reconnect_timing",
		"replay_gap",
		"resume_replay",
		"session_isolation",
	}
	got := Scenarios()
	if len(got) != len(want) {
		t.Fatalf("got %d registered scenarios, want %d", len(got), len(want))
	}
	for i, sc := range got {
		if sc.Name != want[i] {
			t.Errorf("scenario %d: got %q, want %q", i, sc.Name, want[i])
		}
		if sc.Description == "" {
			t.Errorf("scenario %q has no description", sc.Name)
		}
	}
}

// TestClientJSONMode exercises the buffered consumption style against a
// deployment that offers it.
func TestClientJSONMode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	srv, err := NewServer(ctx,
		WithServerLogger(testLogger(t)),
		WithHandlerOptions(streamable.WithJSONResponse()),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL, ClientConfig{Log: testLogger(t)})
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	resp, err := client.CallJSON(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("CallJSON(ping): %v", err)
	}
	result, err := decodeResult(resp)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if result["ok"] != true {
		t.Errorf("ping result = %v, want ok:true", result)
	}

	if err := client.Notify(ctx, "notifications/message", map[string]any{"level": "info", "data": "hi"}); err != nil {
		t.Errorf("Notify: %v", err)
	}
}

// TestClientEcho pins the streamed request/response round trip outside the
// scenario machinery.
func TestClientEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	srv, err := NewServer(ctx, WithServerLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL, ClientConfig{Log: testLogger(t)})
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	res, err := client.Call(ctx, "echo", map[string]any{"greeting": "hello"})
	if err != nil {
		t.Fatalf("Call(echo): %v", err)
	}
	result, err := decodeResult(res.Response)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if result["greeting"] != "hello" {
		t.Errorf("echo result = %v, want the posted params", result)
	}
	if res.Reconnects != 0 {
		t.Errorf("echo performed %d reconnects, want 0", res.Reconnects)
	}
}
