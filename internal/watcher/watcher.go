// Package watcher detects file mutations in project trees and reports them, debounced, as
// change events.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/metrics"
	"github.com/yourorg/projectfeed/internal/oplog"
	"github.com/yourorg/projectfeed/internal/workspace"
)

const defaultDebounce = 600 * time.Millisecond

// Sink receives debounced change events. In the daemon it is the stream registry's
// BroadcastFileChange.
type Sink func(ctx context.Context, ev changefeed.Event)

type pendingChanges struct {
	changed map[string]struct{}
	deleted map[string]struct{}
}

type projectWatch struct {
	dir     string
	fsw     *fsnotify.Watcher
	pending *pendingChanges
	timer   *time.Timer
	done    chan struct{}
}

// Service runs one recursive fsnotify watcher per watched project.
type Service struct {
	ws       *workspace.Workspace
	sink     Sink
	logger   *logging.Logger
	ops      *oplog.Log
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	projects map[string]*projectWatch
}

func New(ws *workspace.Workspace, sink Sink, debounce time.Duration, logger *logging.Logger, ops *oplog.Log) *Service {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ws:       ws,
		sink:     sink,
		logger:   logger,
		ops:      ops,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		projects: make(map[string]*projectWatch),
	}
}

// Watch starts watching a project. Watching an already watched project is a no-op.
func (s *Service) Watch(projectID string) error {
	dir, err := s.ws.ProjectDir(projectID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.projects[projectID]; ok {
		s.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to create watcher",
			logging.String("project", projectID),
			logging.Error(err),
		)
		return err
	}
	pw := &projectWatch{dir: dir, fsw: fsw, done: make(chan struct{})}
	s.projects[projectID] = pw
	s.mu.Unlock()

	watched := s.addTree(pw, dir)
	s.logger.Info("watcher initialized",
		logging.String("project", projectID),
		logging.Int("watched_dirs", watched),
	)
	s.ops.Infof(oplog.OpWatch, projectID, "watching %d directories", watched)

	go s.loop(projectID, pw)
	return nil
}

// addTree registers dir and every non-skipped directory below it.
func (s *Service) addTree(pw *projectWatch, dir string) int {
	var watched int
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(pw.dir, p)
		if relErr == nil {
			rel = filepath.ToSlash(rel)
			if rel != "." && s.ws.ShouldSkip(pw.dir, rel, true) {
				return fs.SkipDir
			}
		}
		if addErr := pw.fsw.Add(p); addErr != nil {
			s.logger.Debug("failed to add directory to watcher",
				logging.String("path", p),
				logging.Error(addErr),
			)
			return nil
		}
		watched++
		return nil
	})
	return watched
}

func (s *Service) loop(projectID string, pw *projectWatch) {
	defer close(pw.done)
	for {
		select {
		case ev, ok := <-pw.fsw.Events:
			if !ok {
				return
			}
			s.handle(projectID, pw, ev)
		case err, ok := <-pw.fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", logging.String("project", projectID), logging.Error(err))
		}
	}
}

func (s *Service) handle(projectID string, pw *projectWatch, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(pw.dir, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return
	}

	s.logger.Debug("fsnotify event",
		logging.String("project", projectID),
		logging.String("op", ev.Op.String()),
		logging.String("rel", rel),
	)

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !s.ws.ShouldSkip(pw.dir, rel, true) {
				s.addTree(pw, ev.Name)
			}
			return
		}
	}

	if !s.ws.Tracked(pw.dir, rel) {
		return
	}
	deleted := ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
	s.schedule(projectID, rel, deleted)
}

// schedule records the latest operation for rel and restarts the project's debounce timer.
func (s *Service) schedule(projectID, rel string, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pw, ok := s.projects[projectID]
	if !ok {
		return
	}
	if pw.pending == nil {
		pw.pending = &pendingChanges{
			changed: make(map[string]struct{}),
			deleted: make(map[string]struct{}),
		}
	}
	if deleted {
		pw.pending.deleted[rel] = struct{}{}
		delete(pw.pending.changed, rel)
	} else {
		pw.pending.changed[rel] = struct{}{}
		delete(pw.pending.deleted, rel)
	}
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(s.debounce, func() {
		s.flush(projectID)
	})
}

func (s *Service) take(projectID string) *pendingChanges {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	if pw.timer != nil {
		pw.timer.Stop()
		pw.timer = nil
	}
	pc := pw.pending
	pw.pending = nil
	return pc
}

func (s *Service) flush(projectID string) {
	pc := s.take(projectID)
	if pc == nil {
		return
	}
	s.emit(projectID, changefeed.EventFileChanged, pc.changed)
	s.emit(projectID, changefeed.EventFileDeleted, pc.deleted)
}

func (s *Service) emit(projectID string, typ changefeed.EventType, set map[string]struct{}) {
	if len(set) == 0 {
		return
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	metrics.RecordWatcherFlush(string(typ), len(paths))
	s.ops.Infof(oplog.OpWatch, projectID, "%s: %d files", typ, len(paths))
	s.sink(s.ctx, changefeed.NewChange(projectID, typ, paths))
}

// Unwatch stops the project's watcher and drops its pending changes.
func (s *Service) Unwatch(projectID string) {
	s.mu.Lock()
	pw, ok := s.projects[projectID]
	delete(s.projects, projectID)
	if ok && pw.timer != nil {
		pw.timer.Stop()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = pw.fsw.Close()
	<-pw.done
	s.logger.Info("watcher stopped", logging.String("project", projectID))
}

// Watched returns the IDs of watched projects, sorted.
func (s *Service) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.projects))
	for id := range s.projects {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopAll flushes pending changes and stops every watcher.
func (s *Service) StopAll() {
	for _, id := range s.Watched() {
		s.flush(id)
		s.Unwatch(id)
	}
	s.cancel()
}
