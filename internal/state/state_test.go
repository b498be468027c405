package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycle(t *testing.T) {
	s := New()
	assert.Equal(t, StatusStarting, s.Status())
	assert.False(t, s.Ready())
	assert.Zero(t, s.Uptime())

	s.SetReady()
	assert.Equal(t, StatusReady, s.Status())
	assert.True(t, s.Ready())
	assert.GreaterOrEqual(t, s.Uptime().Nanoseconds(), int64(0))

	s.SetStopping()
	assert.Equal(t, StatusStopping, s.Status())
	assert.False(t, s.Ready())
}
