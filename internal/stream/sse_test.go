package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/projectfeed/internal/logging"
)

func TestSSEChannelStreamsBroadcasts(t *testing.T) {
	r := NewRegistry(logging.Nop())
	registered := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ch, err := NewSSEChannel(w, time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		r.AddConnection("p1", ch)
		defer r.RemoveConnection("p1", ch)
		close(registered)

		select {
		case <-req.Context().Done():
		case <-ch.Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	<-registered

	res := r.BroadcastFileChange(ctx, changeEvent("p1", "src/App.tsx"))
	assert.Equal(t, 1, res.Delivered)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data:"))
	assert.Contains(t, line, "src/App.tsx")
}

func TestSSEChannelRejectsWritesAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	ch, err := NewSSEChannel(rec, time.Second)
	require.NoError(t, err)

	require.NoError(t, ch.Heartbeat())
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.Send([]byte("data: {}\n\n")), ErrChannelClosed)
	select {
	case <-ch.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, ": ping\n\n", rec.Body.String())
}
