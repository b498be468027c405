// Package search keeps the local file cache of a project fresh and answers searches against it.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/fileapi"
	"github.com/yourorg/projectfeed/internal/filecache"
	"github.com/yourorg/projectfeed/internal/logging"
)

const (
	DefaultContextLines  = 2
	DefaultMaxResults    = 500
	DefaultBulkThreshold = 10
	fetchConcurrency     = 8
)

// FileSource is the authoritative origin of project files.
type FileSource interface {
	ListFiles(ctx context.Context, projectID string) ([]fileapi.File, error)
	FetchFile(ctx context.Context, projectID, path string) (string, error)
}

// SearchOptions tunes one search. A negative ContextLines selects DefaultContextLines; zero
// asks for no context. A MaxResults of zero or less selects the service's cap.
type SearchOptions struct {
	IsRegex      bool
	ContextLines int
	MaxResults   int
}

// Service mediates between search requests, the cache and the file source.
type Service struct {
	cache         *filecache.Cache
	source        FileSource
	logger        *logging.Logger
	bulkThreshold int
	maxResults    int

	group singleflight.Group

	mu      sync.Mutex
	visited map[string]bool
}

// Option configures a Service.
type Option func(*Service)

// WithBulkThreshold sets how many changes a batch may hold before a full refresh is preferred.
func WithBulkThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.bulkThreshold = n
		}
	}
}

// WithMaxResults sets the default result cap.
func WithMaxResults(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

func New(cache *filecache.Cache, source FileSource, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{
		cache:         cache,
		source:        source,
		logger:        logger.Named("search"),
		bulkThreshold: DefaultBulkThreshold,
		maxResults:    DefaultMaxResults,
		visited:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CacheProjectFiles makes sure the project is cached. The first call for a project in this
// process always refreshes from the source; later calls only do so when forced or when the
// cache is empty. Concurrent refreshes of one project share a single fetch.
func (s *Service) CacheProjectFiles(ctx context.Context, projectID string, forceRefresh bool) error {
	s.mu.Lock()
	first := !s.visited[projectID]
	s.mu.Unlock()

	if !forceRefresh && !first {
		n, err := s.cache.ProjectFileCount(ctx, projectID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}

	_, err, shared := s.group.Do(projectID, func() (any, error) {
		return nil, s.refresh(ctx, projectID)
	})
	if shared {
		s.logger.Debug("joined in-flight refresh", logging.String("project", projectID))
	}
	return err
}

// refresh clears the project and repopulates it from the full listing.
func (s *Service) refresh(ctx context.Context, projectID string) error {
	start := time.Now()
	files, err := s.source.ListFiles(ctx, projectID)
	if err != nil {
		s.logger.Warn("failed to list project files",
			logging.String("project", projectID),
			logging.Error(err),
		)
		return err
	}

	if err := s.cache.ClearProject(ctx, projectID); err != nil {
		return err
	}
	recs := make([]filecache.FileRecord, 0, len(files))
	for _, f := range files {
		recs = append(recs, filecache.FileRecord{
			ProjectID:    projectID,
			FilePath:     f.Path,
			Content:      f.Content,
			LastModified: f.LastModified,
			Size:         f.Size,
		})
	}
	res, err := s.cache.CacheMultipleFiles(ctx, recs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.visited[projectID] = true
	s.mu.Unlock()

	s.logger.Info("project cache refreshed",
		logging.String("project", projectID),
		logging.Int("files", res.Processed),
		logging.Int("failed", res.Failed),
		logging.Duration("took", time.Since(start)),
	)
	return nil
}

// SearchInProject returns matches sorted by path, line and column, capped at MaxResults.
// A blank query returns nothing. If the cache cannot be populated the search runs against
// whatever is cached.
func (s *Service) SearchInProject(ctx context.Context, projectID, query string, opts SearchOptions) ([]filecache.Match, error) {
	if strings.TrimSpace(query) == "" {
		return []filecache.Match{}, nil
	}
	if opts.ContextLines < 0 {
		opts.ContextLines = DefaultContextLines
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = s.maxResults
	}

	if err := s.CacheProjectFiles(ctx, projectID, false); err != nil {
		s.logger.Warn("searching possibly stale cache",
			logging.String("project", projectID),
			logging.Error(err),
		)
	}

	matches, err := s.cache.SearchInProject(ctx, projectID, query, opts.IsRegex, opts.ContextLines)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.LineNumber != b.LineNumber {
			return a.LineNumber < b.LineNumber
		}
		return a.ColumnStart < b.ColumnStart
	})
	if len(matches) > opts.MaxResults {
		matches = matches[:opts.MaxResults]
	}
	if matches == nil {
		matches = []filecache.Match{}
	}
	return matches, nil
}

// UpdateChangedFiles applies a batch of changes to the cache. Batches over the bulk threshold,
// and batches where any file fails, fall back to a full refresh.
func (s *Service) UpdateChangedFiles(ctx context.Context, projectID string, changes []changefeed.Change) error {
	if len(changes) == 0 {
		return nil
	}
	if len(changes) > s.bulkThreshold {
		s.logger.Info("change batch over threshold, refreshing project",
			logging.String("project", projectID),
			logging.Int("changes", len(changes)),
		)
		return s.ForceRefreshCache(ctx, projectID)
	}

	var deleted, changed []string
	for _, ch := range changes {
		if ch.Type == changefeed.EventFileDeleted {
			deleted = append(deleted, ch.Path)
		} else {
			changed = append(changed, ch.Path)
		}
	}

	err := s.RemoveDeletedFiles(ctx, projectID, deleted)
	if err == nil {
		err = s.fetchAll(ctx, projectID, changed)
	}
	if err != nil {
		s.logger.Warn("incremental update failed, refreshing project",
			logging.String("project", projectID),
			logging.Error(err),
		)
		return s.ForceRefreshCache(ctx, projectID)
	}
	return nil
}

func (s *Service) fetchAll(ctx context.Context, projectID string, paths []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, p := range paths {
		g.Go(func() error {
			content, err := s.source.FetchFile(gctx, projectID, p)
			if err != nil {
				return err
			}
			return s.cache.CacheFile(gctx, filecache.FileRecord{
				ProjectID:    projectID,
				FilePath:     p,
				Content:      content,
				LastModified: time.Now().UnixMilli(),
				Size:         int64(len(content)),
			})
		})
	}
	return g.Wait()
}

// RemoveDeletedFiles drops paths from the project cache.
func (s *Service) RemoveDeletedFiles(ctx context.Context, projectID string, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := s.cache.RemoveFile(ctx, projectID, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) ForceRefreshCache(ctx context.Context, projectID string) error {
	return s.CacheProjectFiles(ctx, projectID, true)
}

// ClearProjectCache empties the project cache and forgets the visit, so the next load refreshes.
func (s *Service) ClearProjectCache(ctx context.Context, projectID string) error {
	s.mu.Lock()
	delete(s.visited, projectID)
	s.mu.Unlock()
	if err := s.cache.ClearProject(ctx, projectID); err != nil {
		return fmt.Errorf("clear project cache: %w", err)
	}
	return nil
}

// HandleBatch returns a subscriber callback that feeds batches into UpdateChangedFiles.
// Failures are logged; the callback never panics into the subscriber.
func (s *Service) HandleBatch(ctx context.Context, projectID string) func([]changefeed.Change) {
	return func(changes []changefeed.Change) {
		if err := s.UpdateChangedFiles(ctx, projectID, changes); err != nil {
			s.logger.Error("failed to apply changes",
				logging.String("project", projectID),
				logging.Int("changes", len(changes)),
				logging.Error(err),
			)
		}
	}
}
