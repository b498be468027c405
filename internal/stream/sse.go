package stream

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("channel closed")

const defaultWriteTimeout = 10 * time.Second

// SSEChannel is a Channel over an HTTP response using the text/event-stream protocol.
type SSEChannel struct {
	id           string
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewSSEChannel sets the event-stream headers and flushes them so the client sees the
// stream open immediately.
func NewSSEChannel(w http.ResponseWriter, writeTimeout time.Duration) (*SSEChannel, error) {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache, no-store")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := &SSEChannel{
		id:           uuid.NewString(),
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	if err := c.rc.Flush(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SSEChannel) ID() string { return c.id }

// Done is closed once the channel is closed, either by the handler or by eviction.
func (c *SSEChannel) Done() <-chan struct{} { return c.done }

// Send writes one pre-framed message and flushes it.
func (c *SSEChannel) Send(payload []byte) error {
	return c.write(func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
}

// Retry tells the client how long to wait before reconnecting on its own.
func (c *SSEChannel) Retry(d time.Duration) error {
	return c.write(func(w io.Writer) error {
		_, err := io.WriteString(w, "retry: "+strconv.FormatInt(d.Milliseconds(), 10)+"\n\n")
		return err
	})
}

// Heartbeat writes a comment line; it keeps proxies from closing an idle stream and surfaces
// dead peers as write errors.
func (c *SSEChannel) Heartbeat() error {
	return c.write(func(w io.Writer) error {
		_, err := io.WriteString(w, ": ping\n\n")
		return err
	})
}

func (c *SSEChannel) write(fn func(io.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := fn(c.w); err != nil {
		return err
	}
	return c.rc.Flush()
}

// Close marks the channel dead. The handler owning the response returns on Done.
func (c *SSEChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
