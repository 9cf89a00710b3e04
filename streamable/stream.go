package streamable

import (
	"context"
	"strconv"
	"sync"
)

// standaloneStreamID is the logical stream reserved for the session's
// standalone GET stream and its unsolicited notifications. Request-carrying
// POSTs allocate positive stream IDs.
const standaloneStreamID int64 = 0

// stream is one logical, resumable SSE stream within a session. A live HTTP
// response drains it by holding a claim; the stream itself is just claim and
// cursor bookkeeping around the session's event log.
//
// Lock order: a session's mutex may be held while taking a stream's mutex,
// never the reverse.
type stream struct {
	id  int64
	key string // event log key

	mu      sync.Mutex
	primed  bool
	lastSeq uint64 // highest sequence appended to the log
	pending int    // live requests bound to this stream

	// claims holds the live connections draining the stream. With isolation
	// enabled a stream has at most one claimant; the degraded shared mode
	// deliberately allows several, which is what makes its cross-client
	// leakage observable.
	claims       map[*streamClaim]struct{}
	exclusive    bool
	claimWaiters []chan struct{}

	// interruptAt, when non-zero, tells the claimant to end the live
	// response gracefully once its cursor has reached that sequence.
	interruptAt uint64

	primeOnce sync.Once
}

// streamClaim represents one live HTTP response attached to a stream.
type streamClaim struct {
	signal   chan struct{} // 1-buffered poke: new events or state change
	released chan struct{}
}

func newStream(sessionKey string, id int64, exclusive bool) *stream {
	return &stream{
		id:        id,
		key:       sessionKey + "/" + strconv.FormatInt(id, 10),
		claims:    make(map[*streamClaim]struct{}),
		exclusive: exclusive,
	}
}

// claim attaches a live connection. Fails with ErrStreamBusy when the stream
// is exclusive and already claimed.
func (st *stream) claim() (*streamClaim, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exclusive && len(st.claims) > 0 {
		return nil, ErrStreamBusy
	}

	c := &streamClaim{
		signal:   make(chan struct{}, 1),
		released: make(chan struct{}),
	}
	st.claims[c] = struct{}{}

	for _, w := range st.claimWaiters {
		close(w)
	}
	st.claimWaiters = nil

	return c, nil
}

// release detaches a connection. Pending requests are untouched; only a
// response write resolves them.
func (st *stream) release(c *streamClaim) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.claims[c]; !ok {
		return
	}
	delete(st.claims, c)
	close(c.released)
	if len(st.claims) == 0 {
		st.interruptAt = 0
	}
}

// noteAppend records a newly appended sequence and pokes every claimant.
func (st *stream) noteAppend(seq uint64) {
	st.mu.Lock()
	if seq > st.lastSeq {
		st.lastSeq = seq
	}
	st.pokeLocked()
	st.mu.Unlock()
}

func (st *stream) pokeLocked() {
	for c := range st.claims {
		select {
		case c.signal <- struct{}{}:
		default:
		}
	}
}

func (st *stream) incPending() {
	st.mu.Lock()
	st.pending++
	st.mu.Unlock()
}

func (st *stream) decPending() {
	st.mu.Lock()
	if st.pending > 0 {
		st.pending--
	}
	st.pokeLocked()
	st.mu.Unlock()
}

// status reports the serve loop's view of the stream given its delivery
// cursor: whether every bound request has resolved and been delivered, and
// whether an interrupt watermark has been satisfied.
func (st *stream) status(cursor uint64) (drained, interrupted bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	drained = st.pending == 0 && cursor >= st.lastSeq
	interrupted = st.interruptAt > 0 && cursor >= st.interruptAt
	return drained, interrupted
}

// interrupt gracefully ends the live response(s) draining the stream without
// resolving anything, forcing the client through its reconnection path. It
// refuses to run before the priming event exists, waits for a claimant if
// none is attached yet, and returns once the claim has been released.
func (st *stream) interrupt(ctx context.Context) error {
	st.mu.Lock()
	if !st.primed {
		st.mu.Unlock()
		return ErrStreamNotPrimed
	}

	for len(st.claims) == 0 {
		w := make(chan struct{})
		st.claimWaiters = append(st.claimWaiters, w)
		st.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
		st.mu.Lock()
	}

	st.interruptAt = st.lastSeq
	released := make([]chan struct{}, 0, len(st.claims))
	for c := range st.claims {
		released = append(released, c.released)
	}
	st.pokeLocked()
	st.mu.Unlock()

	for _, ch := range released {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
