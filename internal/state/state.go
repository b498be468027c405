package state

import (
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusStopping Status = "stopping"
)

// State tracks daemon lifecycle for /status and the GetStatus RPC.
type State struct {
	status  atomic.Value // Status
	readyAt atomic.Int64 // unix ms, 0 until ready
}

func New() *State {
	s := &State{}
	s.status.Store(StatusStarting)
	return s
}

func (s *State) SetReady() {
	s.readyAt.CompareAndSwap(0, time.Now().UnixMilli())
	s.status.Store(StatusReady)
}

func (s *State) SetStopping() {
	s.status.Store(StatusStopping)
}

func (s *State) Status() Status {
	v := s.status.Load()
	if v == nil {
		return StatusStarting
	}
	return v.(Status)
}

// Ready reports whether the daemon accepts stream subscriptions.
func (s *State) Ready() bool {
	return s.Status() == StatusReady
}

// Uptime is measured from SetReady; zero before the daemon is ready.
func (s *State) Uptime() time.Duration {
	ms := s.readyAt.Load()
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}
