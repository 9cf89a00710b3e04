package streamable

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SSEEvent is one Server-Sent Event frame:
//
//	[event: <name>\n]
//	id: <event-id>\n
//	[retry: <ms>\n]
//	data: <line>\n        (one per payload line; "data:" alone if empty)
//	\n
type SSEEvent struct {
	Name  string
	ID    string
	Retry time.Duration // zero when the frame carries no retry directive
	Data  []byte
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent serializes one frame to the response writer and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, ev SSEEvent) error {
	var buf bytes.Buffer
	if ev.Name != "" {
		fmt.Fprintf(&buf, "event: %s\n", ev.Name)
	}
	if ev.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", ev.ID)
	}
	if ev.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", ev.Retry.Milliseconds())
	}
	if len(ev.Data) == 0 {
		buf.WriteString("data:\n")
	} else {
		for _, line := range bytes.Split(ev.Data, []byte("\n")) {
			buf.WriteString("data: ")
			buf.Write(line)
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')

	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	wf.Flush()
	return nil
}

// SSEScanner incrementally parses an SSE byte stream into frames. It
// tolerates \r\n line endings, skips comment lines, accumulates multi-line
// data, and tracks the sticky last-event-ID and retry interval the way a
// browser EventSource would. The conforming reference client and the test
// helpers both consume streams through it.
type SSEScanner struct {
	s *bufio.Scanner

	lastEventID string
	retry       time.Duration
}

// NewSSEScanner wraps r. The underlying scanner accepts frames up to 1 MiB.
func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{s: s}
}

// LastEventID reports the latest event ID observed on the stream. It remains
// valid after Next returns io.EOF, which is how a client derives its
// Last-Event-ID header for the reconnecting GET.
func (s *SSEScanner) LastEventID() string { return s.lastEventID }

// Retry reports the latest retry directive observed on the stream, or zero.
func (s *SSEScanner) Retry() time.Duration { return s.retry }

// Next returns the next complete frame. It returns io.EOF on a clean end of
// stream; per the SSE grammar an incomplete trailing frame is discarded.
func (s *SSEScanner) Next() (*SSEEvent, error) {
	var (
		ev        SSEEvent
		dataLines []string
		sawField  bool
	)

	flush := func() *SSEEvent {
		if len(dataLines) > 0 {
			ev.Data = []byte(strings.Join(dataLines, "\n"))
		}
		return &ev
	}

	for s.s.Scan() {
		line := strings.TrimSuffix(s.s.Text(), "\r")

		if line == "" {
			if !sawField {
				continue
			}
			return flush(), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
			sawField = true
		case "id":
			ev.ID = value
			s.lastEventID = value
			sawField = true
		case "retry":
			// Ignored unless the value is all digits, per the SSE spec.
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				ev.Retry = time.Duration(ms) * time.Millisecond
				s.retry = ev.Retry
			}
			sawField = true
		case "data":
			dataLines = append(dataLines, value)
			sawField = true
		default:
			// Unknown fields are ignored.
		}
	}

	if err := s.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// formatEventID renders the wire event ID for an event: the logical stream
// ID and the sequence joined by an underscore, matching the scheme used by
// the protocol's reference implementations.
func formatEventID(streamID int64, seq uint64) string {
	return strconv.FormatInt(streamID, 10) + "_" + strconv.FormatUint(seq, 10)
}

// parseEventID parses a Last-Event-ID value into a logical stream ID and
// sequence checkpoint.
func parseEventID(eventID string) (streamID int64, seq uint64, ok bool) {
	streamPart, seqPart, found := strings.Cut(eventID, "_")
	if !found {
		return 0, 0, false
	}
	streamID, err := strconv.ParseInt(streamPart, 10, 64)
	if err != nil || streamID < 0 {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return streamID, seq, true
}
