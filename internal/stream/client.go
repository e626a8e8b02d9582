package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/omrdash/upload-agent/pkg/log"
)

// ErrSessionExpired marks a 401 on stream open. It is fatal; the caller
// must re-authenticate before subscribing again.
var ErrSessionExpired = errors.New("session expired, please sign in again")

// TokenSource supplies the current bearer token.
type TokenSource func() string

// State is the stream connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	reconnectBase    = time.Second
	reconnectCeiling = 30 * time.Second
)

// Client opens server-sent event subscriptions against the backend. At
// most one live stream exists per subscription key; resubscribing tears
// down the previous connection first.
type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	backoff    time.Duration

	mu      sync.Mutex
	streams map[string]*Stream
}

type ClientOption func(*Client)

// WithReconnectBase overrides the reconnect backoff unit.
func WithReconnectBase(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

func NewClient(baseURL string, token TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No client timeout; the response body stays open for the
		// lifetime of the subscription.
		httpClient: &http.Client{},
		backoff:    reconnectBase,
		streams:    make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubscribeBatch streams progress events for one batch.
func (c *Client) SubscribeBatch(ctx context.Context, batchID string, opts ...SubscribeOption) *Stream {
	url := fmt.Sprintf("%s/batches/%s/stream", c.baseURL, batchID)
	return c.subscribe(ctx, "batch:"+batchID, url, opts...)
}

// SubscribeReprocess streams progress events for one reprocess task.
func (c *Client) SubscribeReprocess(ctx context.Context, taskID string, opts ...SubscribeOption) *Stream {
	url := fmt.Sprintf("%s/sheets/reprocess/%s/stream", c.baseURL, taskID)
	return c.subscribe(ctx, "reprocess:"+taskID, url, opts...)
}

func (c *Client) subscribe(ctx context.Context, key, url string, opts ...SubscribeOption) *Stream {
	s := &Stream{
		url:        url,
		token:      c.token,
		httpClient: c.httpClient,
		backoff:    c.backoff,
		state:      StateDisconnected,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	c.mu.Lock()
	if prior, ok := c.streams[key]; ok {
		prior.Close()
	}
	c.streams[key] = s
	c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(streamCtx)
	return s
}

type SubscribeOption func(*Stream)

func WithOnEvent(fn func(ProgressEvent)) SubscribeOption {
	return func(s *Stream) { s.onEvent = fn }
}

// WithOnComplete registers a callback fired exactly once, on the first
// terminal event.
func WithOnComplete(fn func(ProgressEvent)) SubscribeOption {
	return func(s *Stream) { s.onComplete = fn }
}

// Stream is one live subscription. Events accumulate in arrival order;
// Current returns the latest.
type Stream struct {
	url        string
	token      TokenSource
	httpClient *http.Client
	backoff    time.Duration
	onEvent    func(ProgressEvent)
	onComplete func(ProgressEvent)
	cancel     context.CancelFunc

	mu       sync.Mutex
	state    State
	events   []ProgressEvent
	complete bool
	err      error

	closeOnce sync.Once
	done      chan struct{}
}

// Close aborts the underlying connection. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Done closes once the stream has stopped for good: terminal event,
// fatal error, or Close.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *Stream) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Err returns the fatal error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Events returns the ordered event log.
func (s *Stream) Events() []ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProgressEvent(nil), s.events...)
}

// Current returns the latest event.
func (s *Stream) Current() (ProgressEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return ProgressEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)

		fatal, finished := s.connectOnce(ctx)
		if fatal || finished || ctx.Err() != nil {
			return
		}

		// Transient failure: back off and re-establish.
		s.setState(StateDisconnected)
		delay := s.backoff * time.Duration(int64(1)<<uint(attempts))
		if delay > reconnectCeiling {
			delay = reconnectCeiling
		}
		attempts++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce opens the SSE connection and consumes it until it ends.
// fatal means no reconnect may follow; finished means a terminal event
// arrived and the subscription is complete.
func (s *Stream) connectOnce(ctx context.Context) (fatal, finished bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.setError(fmt.Errorf("create stream request: %w", err))
		return true, false
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+s.token())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, true
		}
		log.Warn("Progress stream connect failed: %v", err)
		return false, false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Connected; any prior transient error is stale now.
		s.mu.Lock()
		s.state = StateConnected
		s.err = nil
		s.mu.Unlock()
	case resp.StatusCode == http.StatusUnauthorized:
		s.setError(ErrSessionExpired)
		return true, false
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		s.setError(fmt.Errorf("progress stream rejected: %s", resp.Status))
		return true, false
	default:
		log.Warn("Progress stream open failed with status %d", resp.StatusCode)
		return false, false
	}

	return false, s.consume(ctx, resp)
}

// consume reads SSE frames until the body ends or a terminal event
// arrives. Returns true once the subscription is complete.
func (s *Stream) consume(ctx context.Context, resp *http.Response) bool {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if done := s.dispatch(eventName, data); done {
				return true
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			if data != "" {
				data += "\n"
			}
			data += payload
		}
		// Comment lines and unknown fields fall through.
	}

	if ctx.Err() != nil {
		return true
	}
	if err := scanner.Err(); err != nil {
		log.Warn("Progress stream read error: %v", err)
	}
	return false
}

// dispatch handles one complete SSE frame. Returns true on a terminal
// event.
func (s *Stream) dispatch(eventName, data string) bool {
	if strings.TrimSpace(data) == "" {
		return false
	}

	var event ProgressEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		log.Warn("Dropping malformed progress event: %v", err)
		return false
	}
	// Named complete/error events mirror the terminal stages.
	switch eventName {
	case "complete":
		event.Stage = StageCompleted
	case "error":
		event.Stage = StageFailed
	}
	if !event.Stage.Known() {
		log.Warn("Dropping progress event with unknown stage %q", string(event.Stage))
		return false
	}

	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return true
	}
	s.events = append(s.events, event)
	terminal := event.Stage.Terminal()
	if terminal {
		s.complete = true
		if event.Stage == StageFailed {
			msg := event.Error
			if msg == "" {
				msg = event.Message
			}
			if msg == "" {
				msg = "batch processing failed"
			}
			s.err = errors.New(msg)
		}
	}
	onEvent, onComplete := s.onEvent, s.onComplete
	s.mu.Unlock()

	if onEvent != nil {
		onEvent(event)
	}
	if terminal && onComplete != nil {
		onComplete(event)
	}
	return terminal
}

func (s *Stream) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Stream) setError(err error) {
	s.mu.Lock()
	s.err = err
	s.state = StateDisconnected
	s.mu.Unlock()
}
