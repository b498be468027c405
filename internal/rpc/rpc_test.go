package rpc

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/config"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/oplog"
	"github.com/yourorg/projectfeed/internal/state"
	"github.com/yourorg/projectfeed/internal/stream"
)

type memChannel struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (m *memChannel) ID() string   { return "mem" }
func (m *memChannel) Close() error { return nil }

func (m *memChannel) Send(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Write(p)
	return nil
}

func (m *memChannel) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func startServer(t *testing.T) (*Client, *stream.Registry, *Server) {
	t.Helper()
	registry := stream.NewRegistry(logging.Nop())
	st := state.New()
	st.SetReady()

	s := New("127.0.0.1:0", logging.Nop())
	s.RegisterCore(&config.Config{HTTPAddr: "127.0.0.1:7044"}, st, registry, nil, oplog.New(10))
	s.Register("Boom", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		panic("kaboom")
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	c, err := Dial(context.Background(), s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, registry, s
}

func TestBroadcastFileChange(t *testing.T) {
	c, registry, _ := startServer(t)
	ctx := context.Background()

	ch := &memChannel{}
	registry.AddConnection("p1", ch)

	var res stream.BroadcastResult
	err := c.Call(ctx, "BroadcastFileChange", map[string]any{
		"projectId": "p1",
		"files":     []map[string]string{{"path": "src/a.ts"}},
		"type":      "file_changed",
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, stream.BroadcastResult{Delivered: 1}, res)

	body := ch.String()
	require.True(t, strings.HasPrefix(body, "data:"), body)
	ev, err := changefeed.ParseEvent([]byte(strings.TrimSpace(strings.TrimPrefix(body, "data:"))))
	require.NoError(t, err)
	assert.Equal(t, []changefeed.FileRef{{Path: "src/a.ts"}}, ev.Files)
	assert.NotZero(t, ev.Timestamp)

	var count map[string]any
	require.NoError(t, c.Call(ctx, "GetConnectionCount", projectParams{ProjectID: "p1"}, &count))
	assert.Equal(t, float64(1), count["connections"])

	var active []string
	require.NoError(t, c.Call(ctx, "GetActiveProjects", nil, &active))
	assert.Equal(t, []string{"p1"}, active)
}

func TestBroadcastRejectsInvalidParams(t *testing.T) {
	c, _, _ := startServer(t)

	err := c.Call(context.Background(), "BroadcastFileChange", map[string]any{"projectId": "p1", "type": "connected"}, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	err = c.Call(context.Background(), "GetConnectionCount", map[string]any{}, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestDispatchErrors(t *testing.T) {
	c, _, _ := startServer(t)
	ctx := context.Background()

	var rpcErr *Error
	require.ErrorAs(t, c.Call(ctx, "Nope", nil, nil), &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)

	require.ErrorAs(t, c.Call(ctx, "Boom", nil, nil), &rpcErr)
	assert.Equal(t, CodeInternal, rpcErr.Code)

	var status map[string]any
	require.NoError(t, c.Call(ctx, "GetStatus", nil, &status))
	assert.Equal(t, "ready", status["status"])
}

func TestInvalidVersionAndShutdown(t *testing.T) {
	_, _, s := startServer(t)

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(map[string]any{"jsonrpc": "1.0", "method": "GetStatus", "id": 1}))
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	// idle connections must not hold up shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
