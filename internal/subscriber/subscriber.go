// Package subscriber consumes a project's change stream, reconnecting with exponential backoff,
// and hands debounced, per-path deduplicated batches of changes to a callback.
package subscriber

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/fileapi"
	"github.com/yourorg/projectfeed/internal/logging"
)

// State of the connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateFailed is terminal: retries are exhausted and no further updates arrive.
	StateFailed State = "failed"
)

const (
	defaultDebounce       = 500 * time.Millisecond
	defaultMaxRetries     = 5
	defaultInitialBackoff = time.Second
	maxEventBytes         = 4 << 20
)

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("subscriber closed")
	// ErrAlreadyRunning is returned by Connect while the stream loop is active.
	ErrAlreadyRunning = errors.New("subscriber already running")
	errStreamEnded    = errors.New("stream ended")
)

// Options configures a Subscriber. Zero values select the defaults.
type Options struct {
	ServerURL      string
	ProjectID      string
	Token          string
	Debounce       time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	OnStateChange  func(State)
}

// Subscriber owns one stream connection, its reconnect timer and its debounce timer.
type Subscriber struct {
	opts    Options
	onBatch func([]changefeed.Change)
	logger  *logging.Logger

	mu       sync.Mutex
	state    State
	attempts int
	pending  map[string]changefeed.Change
	timer    *time.Timer
	gen      uint64 // debounce window; fires from older windows are ignored
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	deliverMu sync.Mutex
}

func New(opts Options, onBatch func([]changefeed.Change), logger *logging.Logger) *Subscriber {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Subscriber{
		opts:    opts,
		onBatch: onBatch,
		logger:  logger.Named("subscriber"),
		state:   StateDisconnected,
		pending: make(map[string]changefeed.Change),
	}
}

// NewBackOff returns the reconnect policy: initial, 2*initial, 4*initial ... for maxRetries
// attempts, then backoff.Stop.
func NewBackOff(initial time.Duration, maxRetries int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = time.Minute
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(maxRetries))
}

// Connect starts the stream loop in the background.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return ErrAlreadyRunning
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.attempts = 0
	done := s.done
	s.mu.Unlock()

	go s.run(runCtx, done)
	return nil
}

func (s *Subscriber) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := NewBackOff(s.opts.InitialBackoff, s.opts.MaxRetries)

	for {
		s.setState(StateConnecting)
		err := s.stream(ctx, b)
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			s.logger.Error("giving up on change stream",
				logging.String("project", s.opts.ProjectID),
				logging.Int("attempts", s.Attempts()),
				logging.Error(err),
			)
			s.setState(StateFailed)
			return
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()
		s.logger.Warn("change stream lost, reconnecting",
			logging.String("project", s.opts.ProjectID),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// stream opens one connection and reads it until it fails. A clean end of stream is an error too.
func (s *Subscriber) stream(ctx context.Context, b backoff.BackOff) error {
	url := strings.TrimRight(s.opts.ServerURL, "/") + fileapi.EventsPath(s.opts.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.opts.Token != "" {
		req.Header.Set(fileapi.TokenHeader, s.opts.Token)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &fileapi.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	b.Reset()
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.setState(StateConnected)
	s.logger.Info("change stream connected", logging.String("project", s.opts.ProjectID))

	return s.read(resp.Body)
}

// read parses the event stream: data lines accumulate until a blank line dispatches them.
// Comments and the retry, event and id fields are ignored.
func (s *Subscriber) read(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var data []string
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				s.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errStreamEnded
}

func (s *Subscriber) dispatch(payload string) {
	ev, err := changefeed.ParseEvent([]byte(payload))
	if err != nil {
		s.logger.Debug("dropping malformed event", logging.Error(err))
		return
	}
	if !ev.IsChange() {
		s.logger.Debug("stream handshake", logging.String("project", ev.ProjectID))
		return
	}
	if ev.ProjectID != s.opts.ProjectID {
		s.logger.Debug("dropping event for another project", logging.String("project", ev.ProjectID))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range ev.Changes() {
		s.pending[ch.Path] = ch
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.opts.Debounce, func() { s.flush(gen) })
}

// flush delivers the buffered changes as one batch sorted by path, unless a later event has
// opened a new debounce window since gen.
func (s *Subscriber) flush(gen uint64) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.closed || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]changefeed.Change, 0, len(s.pending))
	for _, ch := range s.pending {
		batch = append(batch, ch)
	}
	s.pending = make(map[string]changefeed.Change)
	s.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
	s.logger.Debug("delivering changes",
		logging.String("project", s.opts.ProjectID),
		logging.Int("files", len(batch)),
	)
	if s.onBatch != nil {
		s.onBatch(batch)
	}
}

// Close tears down the connection, stops both timers and discards buffered changes.
// It waits for the stream loop to exit and for a batch already being delivered, so it must not
// be called from the batch callback.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.pending = make(map[string]changefeed.Change)
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.deliverMu.Lock()
	s.deliverMu.Unlock() //nolint:staticcheck // waits out an in-flight delivery
	s.setState(StateDisconnected)
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the reconnect attempts made since the last successful connection.
func (s *Subscriber) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Done is closed when the stream loop exits, either after Close or when retries are exhausted.
func (s *Subscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	hook := s.opts.OnStateChange
	s.mu.Unlock()
	if hook != nil {
		hook(st)
	}
}
