package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-conformance-go/eventlog/memorylog"
	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-conformance-go/streamable"
)

func init() {
	Register(Scenario{
		Name:        "session_isolation",
		Description: "concurrent sessions with colliding request IDs each receive exactly their own response",
		Run:         runSessionIsolation,
	})
	Register(Scenario{
		Name:        "notification_isolation",
		Description: "request-scoped notifications reach only the stream that carried the request",
		Run:         runNotificationIsolation,
	})
	Register(Scenario{
		Name:        "multiple_streams",
		Description: "a session serves concurrent request streams and a standalone stream without cross-talk",
		Run:         runMultipleStreams,
	})
	Register(Scenario{
		Name:        "resume_replay",
		Description: "a client disconnected mid-stream resumes from its checkpoint without loss or duplication",
		Run:         runResumeReplay,
	})
	Register(Scenario{
		Name:        "reconnect_timing",
		Description: "reconnecting clients honor the advertised retry interval",
		Run:         runReconnectTiming,
	})
	Register(Scenario{
		Name:        "replay_gap",
		Description: "resumption from an evicted checkpoint is rejected rather than silently lossy",
		Run:         runReplayGap,
	})
	Register(Scenario{
		Name:        "degraded_shared_session",
		Description: "without session isolation, colliding request IDs produce observable cross-client leakage",
		Run:         runDegradedSharedSession,
	})
	Register(Scenario{
		Name:        "lifecycle",
		Description: "handshake, header, and termination edges return the mandated status codes",
		Run:         runLifecycle,
	})
}

func decodeResult(resp *jsonrpc.Response) (map[string]any, error) {
	if resp == nil {
		return nil, fmt.Errorf("no response")
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("request resolved with error: %w", resp.Error)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

type progressNote struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total"`
}

type messageNote struct {
	Level string `json:"level"`
	Data  string `json:"data"`
}

func decodeParams(n *jsonrpc.Request, into any) error {
	if err := json.Unmarshal(n.Params, into); err != nil {
		return fmt.Errorf("decode %s params: %w", n.Method, err)
	}
	return nil
}

func runSessionIsolation(ctx context.Context, env *Env) error {
	base, d, err := env.deploy(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	clientA := env.newClient(base)
	clientB := env.newClient(base)
	if err := clientA.Initialize(ctx); err != nil {
		return fmt.Errorf("client A: %w", err)
	}
	if err := clientB.Initialize(ctx); err != nil {
		return fmt.Errorf("client B: %w", err)
	}
	if clientA.SessionID() == clientB.SessionID() {
		return fmt.Errorf("both clients were issued session %q", clientA.SessionID())
	}

	// Both sessions use request ID 2 at the same moment. The rendezvous
	// holds both requests in flight together, so any routing keyed on the
	// bare ID would cross the responses.
	var resA, resB *CallResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resA, err = clientA.CallWithID(gctx, 2, "fixture/text", fixtureParams{Rendezvous: true})
		return err
	})
	g.Go(func() error {
		var err error
		resB, err = clientB.CallWithID(gctx, 2, "fixture/image", fixtureParams{Rendezvous: true})
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	gotA, err := decodeResult(resA.Response)
	if err != nil {
		return fmt.Errorf("client A: %w", err)
	}
	gotB, err := decodeResult(resB.Response)
	if err != nil {
		return fmt.Errorf("client B: %w", err)
	}

	wantA := map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "the quick brown fox"}},
	}
	wantB := map[string]any{
		"content": []any{map[string]any{"type": "image", "data": fixtureImageData, "mimeType": "image/png"}},
	}
	if diff := cmp.Diff(wantA, gotA); diff != "" {
		return fmt.Errorf("client A received the wrong response (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantB, gotB); diff != "" {
		return fmt.Errorf("client B received the wrong response (-want +got):\n%s", diff)
	}
	if len(resA.Notifications) != 0 || len(resB.Notifications) != 0 {
		return fmt.Errorf("unexpected notifications leaked into the calls: A=%d B=%d", len(resA.Notifications), len(resB.Notifications))
	}
	return nil
}

func runNotificationIsolation(ctx context.Context, env *Env) error {
	base, d, err := env.deploy(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	clientA := env.newClient(base)
	clientB := env.newClient(base)
	if err := clientA.Initialize(ctx); err != nil {
		return fmt.Errorf("client A: %w", err)
	}
	if err := clientB.Initialize(ctx); err != nil {
		return fmt.Errorf("client B: %w", err)
	}

	const stepsA, stepsB = 2, 5
	var resA, resB *CallResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resA, err = clientA.CallWithID(gctx, 7, "fixture/progress", fixtureParams{Steps: stepsA, Rendezvous: true})
		return err
	})
	g.Go(func() error {
		var err error
		resB, err = clientB.CallWithID(gctx, 7, "fixture/progress", fixtureParams{Steps: stepsB, Rendezvous: true})
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	check := func(name string, res *CallResult, steps int) error {
		if len(res.Notifications) != steps {
			return fmt.Errorf("client %s: got %d progress notifications, want %d", name, len(res.Notifications), steps)
		}
		for i, n := range res.Notifications {
			if n.Method != "notifications/progress" {
				return fmt.Errorf("client %s: notification %d has method %q", name, i, n.Method)
			}
			var p progressNote
			if err := decodeParams(n, &p); err != nil {
				return fmt.Errorf("client %s: %w", name, err)
			}
			if tok, ok := p.ProgressToken.(float64); !ok || tok != 7 {
				return fmt.Errorf("client %s: notification %d carries foreign progress token %v", name, i, p.ProgressToken)
			}
			if p.Progress != float64(i+1) || p.Total != float64(steps) {
				return fmt.Errorf("client %s: notification %d reports %v/%v, want %d/%d", name, i, p.Progress, p.Total, i+1, steps)
			}
		}
		return nil
	}
	if err := check("A", resA, stepsA); err != nil {
		return err
	}
	return check("B", resB, stepsB)
}

func runMultipleStreams(ctx context.Context, env *Env) error {
	base, d, err := env.deploy(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	client := env.newClient(base)
	if err := client.Initialize(ctx); err != nil {
		return err
	}

	standalone, err := client.OpenStandalone(ctx)
	if err != nil {
		return fmt.Errorf("open standalone stream: %w", err)
	}
	defer standalone.Close()

	var progress, echoed *CallResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		progress, err = client.Call(gctx, "fixture/progress", fixtureParams{Steps: 3})
		return err
	})
	g.Go(func() error {
		var err error
		echoed, err = client.Call(gctx, "echo", map[string]any{"value": 42})
		return err
	})
	g.Go(func() error {
		_, err := client.Call(gctx, "fixture/broadcast", fixtureParams{Message: "hello, streams"})
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if len(progress.Notifications) != 3 {
		return fmt.Errorf("progress call got %d notifications, want 3", len(progress.Notifications))
	}
	if len(echoed.Notifications) != 0 {
		return fmt.Errorf("echo call got %d stray notifications", len(echoed.Notifications))
	}
	got, err := decodeResult(echoed.Response)
	if err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	if diff := cmp.Diff(map[string]any{"value": float64(42)}, got); diff != "" {
		return fmt.Errorf("echo result mismatch (-want +got):\n%s", diff)
	}

	// The standalone stream carries exactly the session-scoped broadcast;
	// none of the request-scoped progress belongs there.
	waitCtx, cancel := context.WithTimeout(ctx, 20*env.tick())
	n, err := standalone.Next(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("await broadcast on standalone stream: %w", err)
	}
	if n.Method != "notifications/message" {
		return fmt.Errorf("standalone stream delivered %q, want notifications/message", n.Method)
	}
	var msg messageNote
	if err := decodeParams(n, &msg); err != nil {
		return err
	}
	if msg.Data != "hello, streams" {
		return fmt.Errorf("standalone stream delivered %q, want the broadcast payload", msg.Data)
	}

	idleCtx, cancel := context.WithTimeout(ctx, 2*env.tick())
	extra, err := standalone.Next(idleCtx)
	cancel()
	if err == nil {
		return fmt.Errorf("standalone stream delivered unexpected %s notification", extra.Method)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("await standalone quiescence: %w", err)
	}
	return nil
}

func runResumeReplay(ctx context.Context, env *Env) error {
	base, d, err := env.deploy(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	client := env.newClient(base)
	if err := client.Initialize(ctx); err != nil {
		return err
	}

	res, err := client.Call(ctx, "fixture/checkpoints", nil)
	if err != nil {
		return fmt.Errorf("checkpointed call: %w", err)
	}
	if res.Reconnects != 3 {
		return fmt.Errorf("performed %d reconnects, want 3", res.Reconnects)
	}

	var got []string
	for _, n := range res.Notifications {
		if n.Method != "notifications/message" {
			return fmt.Errorf("unexpected %s notification in checkpointed stream", n.Method)
		}
		var msg messageNote
		if err := decodeParams(n, &msg); err != nil {
			return err
		}
		got = append(got, msg.Data)
	}
	want := []string{"checkpoint_0", "checkpoint_1", "checkpoint_2"}
	if diff := cmp.Diff(want, got); diff != "" {
		return fmt.Errorf("checkpoint notifications lost or duplicated across resumption (-want +got):\n%s", diff)
	}

	result, err := decodeResult(res.Response)
	if err != nil {
		return err
	}
	if result["status"] != "complete" {
		return fmt.Errorf("final response reports status %v, want complete", result["status"])
	}
	return nil
}

func runReconnectTiming(ctx context.Context, env *Env) error {
	tick := env.tick()
	retry := 8 * tick

	d, err := env.startServer(ctx, WithRetryInterval(retry))
	if err != nil {
		return err
	}
	defer d.Close()

	client := env.newClient(d.URL)
	if err := client.Initialize(ctx); err != nil {
		return err
	}

	res, err := client.Call(ctx, "fixture/checkpoints", nil)
	if err != nil {
		return fmt.Errorf("checkpointed call: %w", err)
	}
	if res.Retry != retry {
		return fmt.Errorf("client observed retry interval %v, want %v", res.Retry, retry)
	}
	for i, delay := range res.ReconnectDelays {
		if delay != retry {
			return fmt.Errorf("reconnect %d waited %v, want the advertised %v", i, delay, retry)
		}
	}

	if d.Server == nil {
		env.logger().Info("conformance.timing.skipped", "reason", "deployment exposes no server instrumentation")
		return nil
	}
	interrupts := d.Server.Interrupts()
	arrivals := d.Server.ResumeArrivals()
	if len(interrupts) < 3 || len(arrivals) < 3 {
		return fmt.Errorf("instrumentation recorded %d interrupts and %d resume arrivals, want 3 of each", len(interrupts), len(arrivals))
	}
	// A compliant client reconnects no earlier than the advertised interval
	// (minus scheduling slop) and without unbounded backoff.
	slop := tick / 5
	for i := 0; i < 3; i++ {
		gap := arrivals[i].At.Sub(interrupts[i])
		if gap < retry-slop {
			return fmt.Errorf("reconnect %d arrived %v after disconnect, before the advertised %v", i, gap, retry)
		}
		if gap > 2*retry {
			return fmt.Errorf("reconnect %d arrived %v after disconnect, beyond the %v tolerance", i, gap, 2*retry)
		}
	}
	return nil
}

func runReplayGap(ctx context.Context, env *Env) error {
	d, err := env.startServer(ctx, WithStore(memorylog.New(memorylog.WithMaxEvents(2))))
	if err != nil {
		return err
	}
	defer d.Close()

	client := env.newClient(d.URL)
	if err := client.Initialize(ctx); err != nil {
		return err
	}

	// Overrun the retention window. The live stream may or may not survive
	// the eviction race; either way the log ends up truncated well past the
	// stream's first events.
	if _, err := client.Call(ctx, "fixture/progress", fixtureParams{Steps: 8}); err != nil {
		env.logger().Info("conformance.gap.live_stream_lost", "err", err.Error())
	}

	_, err = client.TryResume(ctx, "1_1")
	if err == nil {
		return fmt.Errorf("resumption from an evicted checkpoint was accepted")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("evicted checkpoint produced %v, want an HTTP rejection", err)
	}
	if se.Status != http.StatusBadRequest {
		return fmt.Errorf("evicted checkpoint rejected with %d, want %d", se.Status, http.StatusBadRequest)
	}
	return nil
}

func runDegradedSharedSession(ctx context.Context, env *Env) error {
	d, err := env.startServer(ctx, WithDegradedMode())
	if err != nil {
		return err
	}
	defer d.Close()

	// No handshake: the degraded deployment accepts traffic into its single
	// shared session immediately.
	clientA := env.newClient(d.URL)
	clientB := env.newClient(d.URL)

	var resA, resB *CallResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resA, err = clientA.CallWithID(gctx, 2, "fixture/text", fixtureParams{Rendezvous: true})
		return err
	})
	g.Go(func() error {
		var err error
		resB, err = clientB.CallWithID(gctx, 2, "fixture/image", fixtureParams{Rendezvous: true})
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if clientA.SessionID() != "" || clientB.SessionID() != "" {
		return fmt.Errorf("degraded deployment issued session IDs %q and %q", clientA.SessionID(), clientB.SessionID())
	}

	// The colliding registrations left exactly one live entry, so exactly
	// one response exists and both clients observed it. Which fixture's
	// response won is a scheduling accident; that the clients cannot be told
	// apart is the leakage.
	if !bytes.Equal(resA.Response.Result, resB.Response.Result) {
		return fmt.Errorf("degraded clients observed different responses for the shared ID:\nA: %s\nB: %s", resA.Response.Result, resB.Response.Result)
	}
	return nil
}

func runLifecycle(ctx context.Context, env *Env) error {
	d, err := env.startServer(ctx, WithHandlerOptions(streamable.WithoutStandaloneStreams()))
	if err != nil {
		return err
	}
	defer d.Close()

	client := env.newClient(d.URL)
	if err := client.Initialize(ctx); err != nil {
		return err
	}
	if client.SessionID() == "" {
		return fmt.Errorf("handshake issued no session ID")
	}

	httpc := env.Client.HTTPClient
	if httpc == nil {
		httpc = http.DefaultClient
	}
	post := func(body string, headers map[string]string) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL, bytes.NewReader([]byte(body)))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := httpc.Do(req)
		if err != nil {
			return 0, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode, nil
	}

	if status, err := post(`{"jsonrpc":"2.0","method":`, nil); err != nil {
		return err
	} else if status != http.StatusBadRequest {
		return fmt.Errorf("malformed body accepted with %d, want %d", status, http.StatusBadRequest)
	}

	if status, err := post(`{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil); err != nil {
		return err
	} else if status != http.StatusBadRequest {
		return fmt.Errorf("sessionless request accepted with %d, want %d", status, http.StatusBadRequest)
	}

	_, err = client.OpenStandalone(ctx)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusMethodNotAllowed {
		return fmt.Errorf("standalone stream on a disabled deployment produced %v, want HTTP %d", err, http.StatusMethodNotAllowed)
	}

	if err := client.Delete(ctx); err != nil {
		return fmt.Errorf("session termination: %w", err)
	}
	if err := client.Delete(ctx); !errors.As(err, &se) || se.Status != http.StatusNotFound {
		return fmt.Errorf("repeated termination produced %v, want HTTP %d", err, http.StatusNotFound)
	}
	if _, err := client.Call(ctx, "ping", nil); !errors.As(err, &se) || se.Status != http.StatusNotFound {
		return fmt.Errorf("request on a terminated session produced %v, want HTTP %d", err, http.StatusNotFound)
	}
	return nil
}
