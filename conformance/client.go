package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-conformance-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-conformance-go/streamable"
)

// DefaultMaxReconnects caps how many times the client re-attaches to one
// logical stream before giving up. A tuning parameter, not a protocol
// constant; the reference fixtures need at most 3.
const DefaultMaxReconnects = 10

// DefaultFallbackRetry is the reconnect wait applied when the server never
// advertised a retry interval.
const DefaultFallbackRetry = 50 * time.Millisecond

// ClientConfig tunes the conforming reference client.
type ClientConfig struct {
	HTTPClient *http.Client

	// MaxReconnects bounds reconnection attempts per logical stream.
	// Zero means DefaultMaxReconnects.
	MaxReconnects int

	// FallbackRetry is the wait before a reconnecting GET when no retry
	// directive was observed. Zero means DefaultFallbackRetry.
	FallbackRetry time.Duration

	// ProtocolVersion requested at initialize. Zero means the transport
	// default.
	ProtocolVersion string

	Log *slog.Logger
}

// StatusError is an HTTP-level rejection from the endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// CallResult is the observable outcome of one streamed request: the final
// response, every request-scoped notification in arrival order, and the
// reconnection telemetry the timing scenarios assert on.
type CallResult struct {
	Response      *jsonrpc.Response
	Notifications []*jsonrpc.Request

	// Reconnects counts the GET re-attachments performed for this call.
	Reconnects int
	// ReconnectDelays records the wait preceding each reconnecting GET.
	ReconnectDelays []time.Duration
	// Retry is the advertised retry interval, when the server sent one.
	Retry time.Duration
	// LastEventID is the highest event ID processed.
	LastEventID string
}

// Client is a conforming reference client for the streamable endpoint: it
// performs the initialize handshake, streams calls over SSE, honors retry
// directives, reconnects with Last-Event-ID after clean EOFs, and treats a
// response for its request ID as the end of the exchange.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     ClientConfig
	log     *slog.Logger

	idSeq atomic.Int64

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
}

// NewClient builds a client for the endpoint at baseURL (the URL of the
// transport path itself, e.g. "http://host/mcp", or the server root when the
// endpoint is mounted at the default path).
func NewClient(baseURL string, cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.FallbackRetry == 0 {
		cfg.FallbackRetry = DefaultFallbackRetry
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = streamable.DefaultProtocolVersion
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if !strings.Contains(baseURL[strings.Index(baseURL, "//")+2:], "/") {
		baseURL += "/mcp"
	}
	return &Client{
		baseURL: baseURL,
		http:    cfg.HTTPClient,
		cfg:     cfg,
		log:     cfg.Log,
	}
}

// SessionID returns the session issued at initialize. Empty before the
// handshake and against degraded deployments.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

// Initialize performs the full handshake: the initialize request, capture of
// the issued session ID and negotiated protocol version, and the
// notifications/initialized acknowledgement.
func (c *Client) Initialize(ctx context.Context) error {
	res, err := c.CallWithID(ctx, "init", "initialize", initializeParams{
		ProtocolVersion: c.cfg.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      map[string]any{"name": "conformance-client", "version": "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if res.Response.Error != nil {
		return fmt.Errorf("initialize resolved with error: %w", res.Response.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(res.Response.Result, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.mu.Lock()
	c.protocolVersion = result.ProtocolVersion
	c.mu.Unlock()

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized acknowledgement: %w", err)
	}
	return nil
}

func (c *Client) nextID() int64 {
	return c.idSeq.Add(1)
}

// Call issues a request with a fresh numeric ID and streams until its
// response arrives, reconnecting across clean EOFs.
func (c *Client) Call(ctx context.Context, method string, params any) (*CallResult, error) {
	return c.CallWithID(ctx, c.nextID(), method, params)
}

// CallWithID is Call with a caller-chosen request ID. The isolation
// scenarios use it to force distinct sessions onto colliding IDs.
func (c *Client) CallWithID(ctx context.Context, id any, method string, params any) (*CallResult, error) {
	reqID := jsonrpc.NewRequestID(id)
	body, err := encodeRequest(reqID, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, body, "application/json, text/event-stream", method == "initialize")
	if err != nil {
		return nil, err
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		defer resp.Body.Close()
		var r jsonrpc.Response
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return nil, fmt.Errorf("decode buffered response: %w", err)
		}
		return &CallResult{Response: &r}, nil
	case strings.HasPrefix(ct, "text/event-stream"):
		return c.consumeStream(ctx, resp.Body, reqID)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected response content type %q", ct)
	}
}

// CallJSON issues a request accepting only a buffered JSON response, the
// polling consumption style offered by WithJSONResponse deployments.
func (c *Client) CallJSON(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	body, err := encodeRequest(jsonrpc.NewRequestID(c.nextID()), method, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, body, "application/json", false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode buffered response: %w", err)
	}
	return &r, nil
}

// Notify posts a notification; the endpoint acknowledges with 202.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	body, err := encodeRequest(nil, method, params)
	if err != nil {
		return err
	}
	resp, err := c.postStatus(ctx, body, "application/json, text/event-stream", false, http.StatusAccepted)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Delete terminates the session.
func (c *Client) Delete(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL, nil)
	if err != nil {
		return err
	}
	c.setSessionHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return newStatusError(resp)
	}
	return nil
}

// TryResume issues a reconnecting GET at the given checkpoint and drains
// whatever replays. The gap scenarios call it expecting a *StatusError.
func (c *Client) TryResume(ctx context.Context, lastEventID string) ([]*streamable.SSEEvent, error) {
	resp, err := c.get(ctx, lastEventID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var events []*streamable.SSEEvent
	s := streamable.NewSSEScanner(resp.Body)
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		if ev.Name == "error" {
			return events, fmt.Errorf("server signaled a stream error: %s", ev.Data)
		}
		events = append(events, ev)
	}
}

// NotificationStream is a live standalone GET stream. Decoded notifications
// are delivered through Next until the stream or its session ends.
type NotificationStream struct {
	cancel context.CancelFunc

	notifications chan *jsonrpc.Request
	done          chan struct{}
	err           error
}

// OpenStandalone attaches the session's standalone notification stream.
func (c *Client) OpenStandalone(ctx context.Context) (*NotificationStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.get(ctx, "")
	if err != nil {
		cancel()
		return nil, err
	}

	ns := &NotificationStream{
		cancel:        cancel,
		notifications: make(chan *jsonrpc.Request, 16),
		done:          make(chan struct{}),
	}
	go func() {
		defer close(ns.done)
		defer resp.Body.Close()
		s := streamable.NewSSEScanner(resp.Body)
		for {
			ev, err := s.Next()
			if err != nil {
				if err != io.EOF {
					ns.err = err
				}
				return
			}
			if len(ev.Data) == 0 {
				continue // priming
			}
			var n jsonrpc.Request
			if err := json.Unmarshal(ev.Data, &n); err != nil {
				ns.err = fmt.Errorf("decode standalone frame: %w", err)
				return
			}
			select {
			case ns.notifications <- &n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ns, nil
}

// Next returns the next notification, blocking until one arrives, the
// stream ends, or ctx expires.
func (s *NotificationStream) Next(ctx context.Context) (*jsonrpc.Request, error) {
	select {
	case n := <-s.notifications:
		return n, nil
	case <-s.done:
		// Drain anything buffered before reporting the stream end.
		select {
		case n := <-s.notifications:
			return n, nil
		default:
		}
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the stream.
func (s *NotificationStream) Close() {
	s.cancel()
	<-s.done
}

// consumeStream drains one logical stream until the response for reqID has
// been processed, reconnecting with Last-Event-ID after each clean EOF. Per
// the client contract it waits at least the advertised retry interval
// before each reconnecting GET.
func (c *Client) consumeStream(ctx context.Context, first io.ReadCloser, reqID *jsonrpc.RequestID) (*CallResult, error) {
	res := &CallResult{}
	body := first

	for {
		s := streamable.NewSSEScanner(body)
		done, err := c.drainAttachment(s, reqID, res)
		body.Close()
		if err != nil {
			return res, err
		}

		if r := s.Retry(); r > 0 {
			res.Retry = r
		}
		if id := s.LastEventID(); id != "" {
			res.LastEventID = id
		}
		if done {
			return res, nil
		}

		// Clean EOF with the request unresolved: a reconnect trigger, not a
		// failure.
		if res.LastEventID == "" {
			return res, fmt.Errorf("stream ended with no resumption handle")
		}
		if res.Reconnects >= c.cfg.MaxReconnects {
			return res, fmt.Errorf("request %q unresolved after %d reconnects", reqID, res.Reconnects)
		}

		wait := res.Retry
		if wait == 0 {
			wait = c.cfg.FallbackRetry
		}
		res.ReconnectDelays = append(res.ReconnectDelays, wait)
		c.log.DebugContext(ctx, "client.reconnect",
			slog.String("last_event_id", res.LastEventID),
			slog.Duration("wait", wait),
			slog.Int("attempt", res.Reconnects+1))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return res, ctx.Err()
		}

		resp, err := c.get(ctx, res.LastEventID)
		if err != nil {
			return res, err
		}
		res.Reconnects++
		body = resp.Body
	}
}

// drainAttachment reads one physical attachment to exhaustion. It reports
// done=true once the response for reqID has been seen.
func (c *Client) drainAttachment(s *streamable.SSEScanner, reqID *jsonrpc.RequestID, res *CallResult) (bool, error) {
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read stream: %w", err)
		}
		if ev.Name == "error" {
			return false, fmt.Errorf("server signaled a stream error: %s", ev.Data)
		}
		if len(ev.Data) == 0 {
			continue // priming
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return false, fmt.Errorf("decode stream frame: %w", err)
		}
		switch msg.Type() {
		case "notification":
			res.Notifications = append(res.Notifications, msg.AsRequest())
		case "response":
			if msg.ID.Key() == reqID.Key() {
				res.Response = msg.AsResponse()
				if id := s.LastEventID(); id != "" {
					res.LastEventID = id
				}
				if r := s.Retry(); r > 0 {
					res.Retry = r
				}
				return true, nil
			}
			// A response for someone else's request: foreign traffic that
			// only the degraded deployments can produce. Ignore.
		}
	}
}

func encodeRequest(id *jsonrpc.RequestID, method string, params any) ([]byte, error) {
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %q: %w", method, err)
		}
		req.Params = b
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request %q: %w", method, err)
	}
	return body, nil
}

func (c *Client) setSessionHeaders(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set("Mcp-Protocol-Version", c.protocolVersion)
	}
}

func (c *Client) post(ctx context.Context, body []byte, accept string, initializing bool) (*http.Response, error) {
	return c.postStatus(ctx, body, accept, initializing, http.StatusOK)
}

func (c *Client) postStatus(ctx context.Context, body []byte, accept string, initializing bool, wantStatus int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if !initializing {
		c.setSessionHeaders(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != wantStatus {
		return nil, newStatusError(resp)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setSessionHeaders(req)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp)
	}
	return resp, nil
}

func newStatusError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Status: resp.StatusCode, Body: string(body)}
}
