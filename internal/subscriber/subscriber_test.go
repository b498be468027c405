package subscriber

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/logging"
)

func frame(t *testing.T, ev changefeed.Event) []byte {
	t.Helper()
	b, err := changefeed.Encode(ev)
	require.NoError(t, err)
	return b
}

// streamServer answers each request with the frames returned by script for that request number,
// then holds the connection open (hold) or ends it.
func streamServer(t *testing.T, script func(n int) (frames [][]byte, hold bool)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var reqs atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(reqs.Add(1))
		frames, hold := script(n)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		fl.Flush()
		for _, f := range frames {
			_, _ = w.Write(f)
			fl.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

type batches struct {
	mu  sync.Mutex
	got [][]changefeed.Change
}

func (b *batches) add(chs []changefeed.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, chs)
}

func (b *batches) snapshot() [][]changefeed.Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]changefeed.Change(nil), b.got...)
}

func TestBackOffSequence(t *testing.T) {
	b := NewBackOff(time.Second, 5)
	var delays []time.Duration
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestDebounceDeliversOneDedupedBatch(t *testing.T) {
	srv, _ := streamServer(t, func(int) ([][]byte, bool) {
		return [][]byte{
			frame(t, changefeed.Event{ProjectID: "p1", Type: changefeed.EventConnected}),
			frame(t, changefeed.NewChange("p1", changefeed.EventFileChanged, []string{"a.ts", "b.ts"})),
			[]byte(": ping\n\n"),
			[]byte("data: {not json}\n\n"),
			frame(t, changefeed.NewChange("other", changefeed.EventFileChanged, []string{"x.ts"})),
			frame(t, changefeed.NewChange("p1", changefeed.EventFileDeleted, []string{"a.ts"})),
		}, true
	})

	rec := &batches{}
	sub := New(Options{ServerURL: srv.URL, ProjectID: "p1", Debounce: 50 * time.Millisecond}, rec.add, logging.Nop())
	require.NoError(t, sub.Connect(context.Background()))
	t.Cleanup(sub.Close)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []changefeed.Change{
		{ProjectID: "p1", Path: "a.ts", Type: changefeed.EventFileDeleted},
		{ProjectID: "p1", Path: "b.ts", Type: changefeed.EventFileChanged},
	}, got[0])
	assert.Equal(t, StateConnected, sub.State())
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var reqs atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	var mu sync.Mutex
	var states []State
	sub := New(Options{
		ServerURL:      srv.URL,
		ProjectID:      "p1",
		InitialBackoff: 2 * time.Millisecond,
		OnStateChange: func(s State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		},
	}, nil, logging.Nop())
	require.NoError(t, sub.Connect(context.Background()))

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not give up")
	}

	assert.Equal(t, int32(6), reqs.Load())
	assert.Equal(t, StateFailed, sub.State())
	assert.Equal(t, 5, sub.Attempts())

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateFailed}, states)
	mu.Unlock()

	sub.Close()
	assert.Equal(t, StateDisconnected, sub.State())
}

func TestReconnectResetsAttempts(t *testing.T) {
	srv, reqs := streamServer(t, func(n int) ([][]byte, bool) {
		if n == 1 {
			return nil, false
		}
		return [][]byte{frame(t, changefeed.NewChange("p1", changefeed.EventFileChanged, []string{"late.ts"}))}, true
	})

	rec := &batches{}
	sub := New(Options{
		ServerURL:      srv.URL,
		ProjectID:      "p1",
		Debounce:       20 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
	}, rec.add, logging.Nop())
	require.NoError(t, sub.Connect(context.Background()))
	t.Cleanup(sub.Close)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), reqs.Load())
	assert.Equal(t, 0, sub.Attempts())
	assert.Equal(t, StateConnected, sub.State())
}

func TestCloseDiscardsPendingChanges(t *testing.T) {
	srv, _ := streamServer(t, func(int) ([][]byte, bool) {
		return [][]byte{frame(t, changefeed.NewChange("p1", changefeed.EventFileChanged, []string{"a.ts"}))}, true
	})

	rec := &batches{}
	sub := New(Options{ServerURL: srv.URL, ProjectID: "p1", Debounce: 200 * time.Millisecond}, rec.add, logging.Nop())
	require.NoError(t, sub.Connect(context.Background()))
	assert.ErrorIs(t, sub.Connect(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sub.Close()
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, StateDisconnected, sub.State())
	assert.ErrorIs(t, sub.Connect(context.Background()), ErrClosed)
}

func TestReadAccumulatesMultilineData(t *testing.T) {
	rec := &batches{}
	sub := New(Options{ProjectID: "p1", Debounce: 10 * time.Millisecond}, rec.add, logging.Nop())
	t.Cleanup(sub.Close)

	payload := "retry: 3000\nevent: change\nid: 7\n" +
		"data: {\"projectId\":\"p1\",\n" +
		"data: \"files\":[{\"path\":\"x.ts\"}],\"type\":\"file_changed\"}\r\n\r\n"
	err := sub.read(strings.NewReader(payload))
	assert.ErrorIs(t, err, errStreamEnded)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "x.ts", rec.snapshot()[0][0].Path)
}

func changePayload(t *testing.T, paths ...string) string {
	t.Helper()
	b, err := json.Marshal(changefeed.NewChange("p1", changefeed.EventFileChanged, paths))
	require.NoError(t, err)
	return string(b)
}

func TestLateTimerFireDoesNotShortenWindow(t *testing.T) {
	rec := &batches{}
	sub := New(Options{ProjectID: "p1", Debounce: 200 * time.Millisecond}, rec.add, logging.Nop())
	t.Cleanup(sub.Close)

	// hold delivery so the first window's timer fires and parks behind it
	sub.deliverMu.Lock()
	sub.dispatch(changePayload(t, "a.ts"))
	time.Sleep(300 * time.Millisecond)

	sub.dispatch(changePayload(t, "b.ts"))
	sub.deliverMu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []changefeed.Change{
		{ProjectID: "p1", Path: "a.ts", Type: changefeed.EventFileChanged},
		{ProjectID: "p1", Path: "b.ts", Type: changefeed.EventFileChanged},
	}, got[0])
}

func TestCloseWaitsForInFlightBatch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := New(Options{ProjectID: "p1", Debounce: 10 * time.Millisecond}, func([]changefeed.Change) {
		close(entered)
		<-release
	}, logging.Nop())

	sub.dispatch(changePayload(t, "a.ts"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not delivered")
	}

	var closed atomic.Bool
	go func() {
		sub.Close()
		closed.Store(true)
	}()
	assert.Never(t, closed.Load, 100*time.Millisecond, 10*time.Millisecond)

	close(release)
	require.Eventually(t, closed.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, sub.State())
}
