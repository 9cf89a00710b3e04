// Package eventlog defines the append-only event store that makes SSE streams
// resumable. Each logical stream is an ordered log of opaque payloads with a
// sequence number assigned at append time, starting at 1. Replay re-delivers
// retained events after a checkpoint so a reconnecting client can catch up
// without loss or duplication.
package eventlog

import (
	"context"
	"errors"
)

// ErrReplayGap indicates that a replay checkpoint falls outside what the
// store retains for the stream: either the events after it have already been
// evicted, or the checkpoint names a sequence the stream never produced.
// Callers must surface this to the client rather than silently skipping.
var ErrReplayGap = errors.New("replay gap: checkpoint outside retained window")

// Event is one retained entry in a stream's log.
type Event struct {
	// Stream is the log key the event was appended under.
	Stream string
	// Seq is the position within the stream. The first event of a stream is 1
	// and the sequence has no holes as long as events are retained.
	Seq uint64
	// Payload is the opaque framed message. It may be empty (priming events).
	Payload []byte
}

// Store is an append-only, per-stream ordered log.
//
// Implementations may cap per-stream retention but must document the cap.
// Append and Replay must be safe for concurrent use across goroutines.
type Store interface {
	// Append assigns the next sequence number for the stream (1 for a new
	// stream) and stores the payload under it. The store never reorders or
	// drops an event once a sequence has been assigned, subject to the
	// documented retention cap.
	Append(ctx context.Context, stream string, payload []byte) (seq uint64, err error)

	// Replay invokes fn, in order, for every retained event with
	// Seq > afterSeq. It returns once it has caught up to the head of the
	// stream; live tailing is the caller's loop. Replay is restartable: an
	// older checkpoint still replays as long as its successor is retained.
	// A checkpoint below the retention floor or beyond the stream head yields
	// ErrReplayGap. An error from fn stops the replay and is returned as-is.
	Replay(ctx context.Context, stream string, afterSeq uint64, fn func(Event) error) error

	// Drop discards all state for the stream. Dropping an unknown stream is
	// not an error. A subsequent Append starts the sequence over at 1.
	Drop(ctx context.Context, stream string) error
}
