// Package filecache is the client-side durable file store: a SQLite table of project files
// keyed by (project, path) plus a line-oriented search over the cached contents.
package filecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yourorg/projectfeed/internal/logging"
)

// ErrNotFound is returned by GetFile when no record exists for the key.
var ErrNotFound = errors.New("file not cached")

// FileRecord is one cached file. (ProjectID, FilePath) is unique.
type FileRecord struct {
	ID           int64  `db:"id" json:"-"`
	ProjectID    string `db:"project_id" json:"projectId"`
	FilePath     string `db:"file_path" json:"filePath"`
	Content      string `db:"content" json:"content"`
	LastModified int64  `db:"last_modified" json:"lastModified"`
	Size         int64  `db:"size" json:"size"`
}

// BatchResult reports the outcome of CacheMultipleFiles. Processed is best-effort.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// StorageInfo aggregates the whole cache.
type StorageInfo struct {
	Files     int64 `db:"files" json:"files"`
	TotalSize int64 `db:"total_size" json:"totalSize"`
	Projects  int64 `db:"projects" json:"projects"`
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	content TEXT NOT NULL,
	last_modified INTEGER NOT NULL,
	size INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_files_project_path ON files(project_id, file_path);
CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
CREATE INDEX IF NOT EXISTS idx_files_path ON files(file_path);
`

const upsertSQL = `
INSERT INTO files (project_id, file_path, content, last_modified, size)
VALUES (:project_id, :file_path, :content, :last_modified, :size)
ON CONFLICT(project_id, file_path) DO UPDATE SET
	content = excluded.content,
	last_modified = excluded.last_modified,
	size = excluded.size`

// Cache is safe for concurrent use.
type Cache struct {
	db     *sqlx.DB
	path   string
	logger *logging.Logger

	initMu sync.Mutex
	ready  bool
}

// Open prepares a cache backed by the SQLite file at path. The schema is created on first use.
func Open(path string, logger *logging.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	// one connection: writes are serialized and :memory: stays a single database
	db.SetMaxOpenConns(1)
	return &Cache{db: db, path: path, logger: logger}, nil
}

// Path returns the database location.
func (c *Cache) Path() string { return c.path }

func (c *Cache) Close() error {
	return c.db.Close()
}

// ensure creates the schema once. A failed attempt is retried on the next call.
func (c *Cache) ensure(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.ready {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		c.logger.Error("failed to initialize cache schema", logging.String("path", c.path), logging.Error(err))
		return fmt.Errorf("initialize schema: %w", err)
	}
	c.ready = true
	return nil
}

// CacheFile inserts rec or, when the key exists, overwrites its content, lastModified and size.
func (c *Cache) CacheFile(ctx context.Context, rec FileRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if _, err := c.db.NamedExecContext(ctx, upsertSQL, rec); err != nil {
		return fmt.Errorf("cache %s/%s: %w", rec.ProjectID, rec.FilePath, err)
	}
	return nil
}

// CacheMultipleFiles upserts recs in one transaction. Records that fail are counted and skipped;
// an error is returned only when the transaction itself cannot begin or commit.
func (c *Cache) CacheMultipleFiles(ctx context.Context, recs []FileRecord) (BatchResult, error) {
	var res BatchResult
	if len(recs) == 0 {
		return res, nil
	}
	if err := c.ensure(ctx); err != nil {
		return res, err
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareNamedContext(ctx, upsertSQL)
	if err != nil {
		_ = tx.Rollback()
		return res, fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		err := validate(rec)
		if err == nil {
			_, err = stmt.ExecContext(ctx, rec)
		}
		if err != nil {
			res.Failed++
			c.logger.Warn("failed to cache file",
				logging.String("project", rec.ProjectID),
				logging.String("path", rec.FilePath),
				logging.Error(err),
			)
			continue
		}
		res.Processed++
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{Failed: len(recs)}, fmt.Errorf("commit batch: %w", err)
	}
	c.logger.Debug("batch cached",
		logging.Int("processed", res.Processed),
		logging.Int("failed", res.Failed),
	)
	return res, nil
}

func (c *Cache) GetFile(ctx context.Context, projectID, filePath string) (*FileRecord, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	var rec FileRecord
	err := c.db.GetContext(ctx, &rec,
		`SELECT id, project_id, file_path, content, last_modified, size FROM files WHERE project_id = ? AND file_path = ?`,
		projectID, filePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", projectID, filePath, err)
	}
	return &rec, nil
}

// GetAllProjectFiles returns every record of a project in no particular order.
func (c *Cache) GetAllProjectFiles(ctx context.Context, projectID string) ([]FileRecord, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	var recs []FileRecord
	if err := c.db.SelectContext(ctx, &recs,
		`SELECT id, project_id, file_path, content, last_modified, size FROM files WHERE project_id = ?`,
		projectID); err != nil {
		return nil, fmt.Errorf("list %s: %w", projectID, err)
	}
	return recs, nil
}

// ProjectFileCount returns how many files of a project are cached.
func (c *Cache) ProjectFileCount(ctx context.Context, projectID string) (int, error) {
	if err := c.ensure(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := c.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM files WHERE project_id = ?`, projectID); err != nil {
		return 0, fmt.Errorf("count %s: %w", projectID, err)
	}
	return n, nil
}

func (c *Cache) RemoveFile(ctx context.Context, projectID, filePath string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE project_id = ? AND file_path = ?`, projectID, filePath); err != nil {
		return fmt.Errorf("remove %s/%s: %w", projectID, filePath, err)
	}
	return nil
}

func (c *Cache) ClearProject(ctx context.Context, projectID string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear %s: %w", projectID, err)
	}
	return nil
}

func (c *Cache) ClearAllCache(ctx context.Context) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM files`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func (c *Cache) GetStorageInfo(ctx context.Context) (StorageInfo, error) {
	var info StorageInfo
	if err := c.ensure(ctx); err != nil {
		return info, err
	}
	err := c.db.GetContext(ctx, &info,
		`SELECT COUNT(*) AS files, COALESCE(SUM(size), 0) AS total_size, COUNT(DISTINCT project_id) AS projects FROM files`)
	if err != nil {
		return info, fmt.Errorf("storage info: %w", err)
	}
	return info, nil
}

func validate(rec FileRecord) error {
	if rec.ProjectID == "" || rec.FilePath == "" {
		return fmt.Errorf("record requires project and path (got %q, %q)", rec.ProjectID, rec.FilePath)
	}
	return nil
}
