// Package stream holds the per-project registry of open change-stream channels and fans
// change events out to them.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/metrics"
	"github.com/yourorg/projectfeed/internal/oplog"
)

// Channel is one open output connection to a subscribed client.
type Channel interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// BroadcastResult summarizes one fan-out.
type BroadcastResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Registry maps project IDs to their open channels. The zero value is not usable; use NewRegistry.
type Registry struct {
	logger *logging.Logger
	ops    *oplog.Log

	mu       sync.RWMutex
	projects map[string]map[string]Channel // project -> channel id -> channel

	// hookMu serializes onActive/onIdle; hooked holds projects whose active hook ran without a
	// matching idle hook.
	hookMu   sync.Mutex
	hooked   map[string]bool
	onActive func(projectID string) error
	onIdle   func(projectID string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithOpLog records subscriptions, broadcasts and evictions in ops.
func WithOpLog(ops *oplog.Log) Option {
	return func(r *Registry) { r.ops = ops }
}

// WithActiveHook registers fn to run when a project gains its first channel. A failed hook is
// retried on the next AddConnection.
func WithActiveHook(fn func(projectID string) error) Option {
	return func(r *Registry) { r.onActive = fn }
}

// WithIdleHook registers fn to run when a project loses its last channel. It never runs while the
// project has a channel, and never overlaps the active hook.
func WithIdleHook(fn func(projectID string)) Option {
	return func(r *Registry) { r.onIdle = fn }
}

func NewRegistry(logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Registry{
		logger:   logger,
		projects: make(map[string]map[string]Channel),
		hooked:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddConnection registers ch for future events of projectID. Adding the same channel twice
// has no further effect.
func (r *Registry) AddConnection(projectID string, ch Channel) {
	r.mu.Lock()
	set := r.projects[projectID]
	if set == nil {
		set = make(map[string]Channel)
		r.projects[projectID] = set
	}
	_, exists := set[ch.ID()]
	set[ch.ID()] = ch
	total := len(set)
	r.mu.Unlock()

	if exists {
		return
	}
	r.reconcile(projectID)
	metrics.ConnectionAdded()
	r.ops.Infof(oplog.OpSubscribe, projectID, "channel %s subscribed (%d open)", ch.ID(), total)
	r.logger.Debug("channel registered",
		logging.String("project", projectID),
		logging.String("channel", ch.ID()),
		logging.Int("connections", total),
	)
}

// RemoveConnection deregisters ch. The project entry is dropped with its last channel.
func (r *Registry) RemoveConnection(projectID string, ch Channel) {
	if r.remove(projectID, ch.ID()) {
		r.ops.Infof(oplog.OpUnsubscribe, projectID, "channel %s unsubscribed", ch.ID())
	}
}

// remove reports whether the channel was registered.
func (r *Registry) remove(projectID, channelID string) bool {
	r.mu.Lock()
	set := r.projects[projectID]
	if _, ok := set[channelID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, channelID)
	idle := len(set) == 0
	if idle {
		delete(r.projects, projectID)
	}
	r.mu.Unlock()

	metrics.ConnectionRemoved()
	r.logger.Debug("channel removed",
		logging.String("project", projectID),
		logging.String("channel", channelID),
	)
	if idle {
		r.reconcile(projectID)
	}
	return true
}

// reconcile runs the active or idle hook so that hook state follows the project's current channel
// count. The count is read under hookMu, so whichever call runs last sees the final state.
func (r *Registry) reconcile(projectID string) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	active := r.GetConnectionCount(projectID) > 0
	switch {
	case active && !r.hooked[projectID]:
		if r.onActive != nil {
			if err := r.onActive(projectID); err != nil {
				r.logger.Warn("project activation hook failed",
					logging.String("project", projectID),
					logging.Error(err),
				)
				return
			}
		}
		r.hooked[projectID] = true
	case !active && r.hooked[projectID]:
		delete(r.hooked, projectID)
		if r.onIdle != nil {
			r.onIdle(projectID)
		}
	}
}

// BroadcastFileChange encodes ev once and writes it to every channel of ev.ProjectID.
// Writes run concurrently; a failing channel is evicted and closed without affecting the
// others. It returns once every write has settled and never reports an error.
func (r *Registry) BroadcastFileChange(ctx context.Context, ev changefeed.Event) BroadcastResult {
	start := time.Now()

	payload, err := changefeed.Encode(ev)
	if err != nil {
		r.logger.Error("encode change event",
			logging.String("project", ev.ProjectID),
			logging.Error(err),
		)
		return BroadcastResult{}
	}

	channels := r.snapshot(ev.ProjectID)
	if len(channels) == 0 {
		return BroadcastResult{}
	}

	errs := make([]error, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			if ctx.Err() != nil {
				// caller gave up; leave the channel registered
				return
			}
			errs[i] = ch.Send(payload)
		}(i, ch)
	}
	wg.Wait()

	var res BroadcastResult
	for i, ch := range channels {
		if errs[i] == nil {
			res.Delivered++
			continue
		}
		res.Failed++
		r.evict(ev.ProjectID, ch, errs[i])
	}

	took := time.Since(start)
	metrics.RecordBroadcast(string(ev.Type), res.Delivered, res.Failed, took)
	r.ops.Broadcast(ev.ProjectID, res.Delivered, res.Failed, took)
	r.logger.Debug("change event broadcast",
		logging.String("project", ev.ProjectID),
		logging.String("type", string(ev.Type)),
		logging.Int("files", len(ev.Files)),
		logging.Int("delivered", res.Delivered),
		logging.Int("failed", res.Failed),
	)
	return res
}

func (r *Registry) evict(projectID string, ch Channel, cause error) {
	r.logger.Warn("channel write failed, evicting",
		logging.String("project", projectID),
		logging.String("channel", ch.ID()),
		logging.Error(cause),
	)
	if r.remove(projectID, ch.ID()) {
		r.ops.Warn(oplog.OpEvict, projectID, "channel "+ch.ID()+" evicted", cause.Error())
	}
	_ = ch.Close()
}

func (r *Registry) snapshot(projectID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.projects[projectID]
	out := make([]Channel, 0, len(set))
	for _, ch := range set {
		out = append(out, ch)
	}
	return out
}

// GetConnectionCount returns the number of open channels for projectID.
func (r *Registry) GetConnectionCount(projectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects[projectID])
}

// GetActiveProjects returns the projects with at least one open channel, sorted.
func (r *Registry) GetActiveProjects() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.projects))
	for id := range r.projects {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Connections returns project -> channel count for every active project.
func (r *Registry) Connections() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.projects))
	for id, set := range r.projects {
		out[id] = len(set)
	}
	return out
}

// CloseAll closes and forgets every channel, e.g. on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	projects := r.projects
	r.projects = make(map[string]map[string]Channel)
	r.mu.Unlock()

	for projectID, set := range projects {
		for _, ch := range set {
			metrics.ConnectionRemoved()
			_ = ch.Close()
		}
		r.reconcile(projectID)
	}
}
