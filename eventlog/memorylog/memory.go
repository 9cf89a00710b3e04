// Package memorylog provides an in-process implementation of eventlog.Store.
// Each stream keeps a bounded window of recent events (default 1024); older
// events are evicted and replaying past the eviction floor fails with
// eventlog.ErrReplayGap. Suitable for single-node deployments and tests.
package memorylog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
)

// DefaultMaxEvents is the per-stream retention cap unless overridden with
// WithMaxEvents. It comfortably covers the small number of reconnects the
// reference fixtures exercise.
const DefaultMaxEvents = 1024

// Option configures the store.
type Option func(*Store)

// WithMaxEvents caps the number of events retained per stream. Values below 1
// are ignored.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// Store implements eventlog.Store with a mutex-guarded map of per-stream
// windows.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*window
	maxEvents int
}

// window holds the retained tail of one stream. events[0] has sequence
// firstSeq; lastSeq == firstSeq + len(events) - 1.
type window struct {
	mu       sync.Mutex
	firstSeq uint64
	lastSeq  uint64
	events   [][]byte
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		streams:   make(map[string]*window),
		maxEvents: DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) window(stream string, create bool) *window {
	s.mu.RLock()
	w := s.streams[stream]
	s.mu.RUnlock()
	if w != nil || !create {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w = s.streams[stream]; w == nil {
		w = &window{firstSeq: 1}
		s.streams[stream] = w
	}
	return w
}

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, stream string, payload []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	w := s.window(stream, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Copy: the caller may reuse the payload buffer.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	w.lastSeq++
	w.events = append(w.events, buf)
	if len(w.events) > s.maxEvents {
		evict := len(w.events) - s.maxEvents
		w.events = w.events[evict:]
		w.firstSeq += uint64(evict)
	}
	return w.lastSeq, nil
}

// Replay implements eventlog.Store.
func (s *Store) Replay(ctx context.Context, stream string, afterSeq uint64, fn func(eventlog.Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w := s.window(stream, false)
	if w == nil {
		if afterSeq > 0 {
			return fmt.Errorf("stream %q: %w", stream, eventlog.ErrReplayGap)
		}
		return nil
	}

	// Snapshot the retained slice under the lock; event payloads are
	// immutable once appended so delivery can happen without it.
	w.mu.Lock()
	if afterSeq > w.lastSeq {
		w.mu.Unlock()
		return fmt.Errorf("stream %q: checkpoint %d beyond head %d: %w", stream, afterSeq, w.lastSeq, eventlog.ErrReplayGap)
	}
	if afterSeq+1 < w.firstSeq {
		w.mu.Unlock()
		return fmt.Errorf("stream %q: checkpoint %d below retention floor %d: %w", stream, afterSeq, w.firstSeq, eventlog.ErrReplayGap)
	}
	first := w.firstSeq
	events := w.events[afterSeq+1-first:]
	w.mu.Unlock()

	for i, payload := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := eventlog.Event{
			Stream:  stream,
			Seq:     afterSeq + 1 + uint64(i),
			Payload: payload,
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Drop implements eventlog.Store.
func (s *Store) Drop(ctx context.Context, stream string) error {
	s.mu.Lock()
	delete(s.streams, stream)
	s.mu.Unlock()
	return nil
}

var _ eventlog.Store = (*Store)(nil)
