// Package logtest provides an acceptance suite for eventlog.Store
// implementations. Both bundled implementations run it from their own test
// packages so the contract stays identical across backends.
package logtest

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
)

// StoreFactory creates a fresh store for one test. maxEvents caps per-stream
// retention; values <= 0 mean the implementation default.
type StoreFactory func(t *testing.T, maxEvents int) eventlog.Store

// Run runs the complete Store contract suite against the factory.
func Run(t *testing.T, factory StoreFactory) {
	t.Run("AppendAssignsSequenceFromOne", func(t *testing.T) { testAppendSequence(t, factory) })
	t.Run("ReplayFromZeroReturnsAllInOrder", func(t *testing.T) { testReplayAll(t, factory) })
	t.Run("ReplayFromCheckpoint", func(t *testing.T) { testReplayCheckpoint(t, factory) })
	t.Run("ReplayAtHeadIsEmpty", func(t *testing.T) { testReplayAtHead(t, factory) })
	t.Run("ReplayIsRestartable", func(t *testing.T) { testReplayRestartable(t, factory) })
	t.Run("ReplayBeyondHeadIsGap", func(t *testing.T) { testReplayBeyondHead(t, factory) })
	t.Run("ReplayBelowRetentionFloorIsGap", func(t *testing.T) { testReplayEvicted(t, factory) })
	t.Run("StreamsAreIsolated", func(t *testing.T) { testStreamIsolation(t, factory) })
	t.Run("DropResetsSequence", func(t *testing.T) { testDropResets(t, factory) })
	t.Run("CallbackErrorStopsReplay", func(t *testing.T) { testCallbackError(t, factory) })
	t.Run("ConcurrentAppendsAssignUniqueSequences", func(t *testing.T) { testConcurrentAppends(t, factory) })
}

func mustAppend(t *testing.T, s eventlog.Store, stream string, payload string) uint64 {
	t.Helper()
	seq, err := s.Append(t.Context(), stream, []byte(payload))
	if err != nil {
		t.Fatalf("append %q to %q: %v", payload, stream, err)
	}
	return seq
}

func collect(t *testing.T, s eventlog.Store, stream string, afterSeq uint64) []eventlog.Event {
	t.Helper()
	var events []eventlog.Event
	if err := s.Replay(t.Context(), stream, afterSeq, func(ev eventlog.Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("replay %q after %d: %v", stream, afterSeq, err)
	}
	return events
}

func testAppendSequence(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	for want := uint64(1); want <= 5; want++ {
		got := mustAppend(t, s, "s1", "payload-"+strconv.FormatUint(want, 10))
		if got != want {
			t.Fatalf("append %d: got seq %d", want, got)
		}
	}
}

func testReplayAll(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	for i := 1; i <= 4; i++ {
		mustAppend(t, s, "s1", fmt.Sprintf("m%d", i))
	}

	events := collect(t, s, "s1", 0)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, ev := range events {
		if want := uint64(i + 1); ev.Seq != want {
			t.Fatalf("event %d: seq %d, want %d", i, ev.Seq, want)
		}
		if want := fmt.Sprintf("m%d", i+1); string(ev.Payload) != want {
			t.Fatalf("event %d: payload %q, want %q", i, ev.Payload, want)
		}
	}
}

func testReplayCheckpoint(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	for i := 1; i <= 5; i++ {
		mustAppend(t, s, "s1", fmt.Sprintf("m%d", i))
	}

	events := collect(t, s, "s1", 3)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after checkpoint 3, got %d", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Fatalf("unexpected sequences: %d, %d", events[0].Seq, events[1].Seq)
	}
}

func testReplayAtHead(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	last := mustAppend(t, s, "s1", "only")
	if events := collect(t, s, "s1", last); len(events) != 0 {
		t.Fatalf("expected no events at head, got %d", len(events))
	}

	// A stream that never produced anything replays empty from zero.
	if events := collect(t, s, "never-written", 0); len(events) != 0 {
		t.Fatalf("expected no events for unknown stream, got %d", len(events))
	}
}

func testReplayRestartable(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	for i := 1; i <= 3; i++ {
		mustAppend(t, s, "s1", fmt.Sprintf("m%d", i))
	}

	// A second reconnection with an older checkpoint must still work.
	first := collect(t, s, "s1", 1)
	second := collect(t, s, "s1", 1)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected both replays to return 2 events, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Seq != second[i].Seq || string(first[i].Payload) != string(second[i].Payload) {
			t.Fatalf("replay %d diverged: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func testReplayBeyondHead(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	mustAppend(t, s, "s1", "m1")

	err := s.Replay(t.Context(), "s1", 7, func(eventlog.Event) error { return nil })
	if !errors.Is(err, eventlog.ErrReplayGap) {
		t.Fatalf("expected ErrReplayGap beyond head, got %v", err)
	}

	err = s.Replay(t.Context(), "unknown", 7, func(eventlog.Event) error { return nil })
	if !errors.Is(err, eventlog.ErrReplayGap) {
		t.Fatalf("expected ErrReplayGap for unknown stream checkpoint, got %v", err)
	}
}

func testReplayEvicted(t *testing.T, factory StoreFactory) {
	s := factory(t, 4)

	for i := 1; i <= 10; i++ {
		mustAppend(t, s, "s1", fmt.Sprintf("m%d", i))
	}

	// Only 7..10 remain under a cap of 4. A checkpoint of 6 still works, a
	// checkpoint of 2 is below the floor.
	events := collect(t, s, "s1", 6)
	if len(events) != 4 || events[0].Seq != 7 {
		t.Fatalf("expected events 7..10, got %+v", events)
	}

	err := s.Replay(t.Context(), "s1", 2, func(eventlog.Event) error { return nil })
	if !errors.Is(err, eventlog.ErrReplayGap) {
		t.Fatalf("expected ErrReplayGap below retention floor, got %v", err)
	}
}

func testStreamIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	mustAppend(t, s, "a", "for-a")
	mustAppend(t, s, "b", "for-b")

	// Sequences advance independently.
	if seq := mustAppend(t, s, "a", "for-a-2"); seq != 2 {
		t.Fatalf("stream a: expected seq 2, got %d", seq)
	}

	events := collect(t, s, "b", 0)
	if len(events) != 1 || string(events[0].Payload) != "for-b" {
		t.Fatalf("stream b leaked foreign events: %+v", events)
	}
}

func testDropResets(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	mustAppend(t, s, "s1", "m1")
	mustAppend(t, s, "s1", "m2")

	if err := s.Drop(t.Context(), "s1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := s.Drop(t.Context(), "s1"); err != nil {
		t.Fatalf("drop (idempotent): %v", err)
	}

	if seq := mustAppend(t, s, "s1", "fresh"); seq != 1 {
		t.Fatalf("expected sequence to restart at 1 after drop, got %d", seq)
	}
}

func testCallbackError(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	for i := 1; i <= 3; i++ {
		mustAppend(t, s, "s1", fmt.Sprintf("m%d", i))
	}

	boom := errors.New("boom")
	seen := 0
	err := s.Replay(t.Context(), "s1", 0, func(eventlog.Event) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected replay to stop at the failing event, delivered %d", seen)
	}
}

func testConcurrentAppends(t *testing.T, factory StoreFactory) {
	s := factory(t, 0)

	const n = 32
	var g errgroup.Group
	var mu sync.Mutex
	seen := make(map[uint64]bool, n)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			seq, err := s.Append(t.Context(), "s1", []byte("concurrent"))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[seq] {
				return fmt.Errorf("sequence %d assigned twice", seq)
			}
			seen[seq] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	events := collect(t, s, "s1", 0)
	if len(events) != n {
		t.Fatalf("expected %d retained events, got %d", n, len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d out of order: seq %d", i, ev.Seq)
		}
	}
}
