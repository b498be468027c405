// Package workspace gives the daemon read access to project trees under the workspace root.
package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	gitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/yourorg/projectfeed/internal/config"
	"github.com/yourorg/projectfeed/internal/logging"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidPath     = errors.New("invalid path")
	ErrFileTooLarge    = errors.New("file too large")
)

// File is one project file as served by the bulk listing endpoint.
type File struct {
	Path         string
	Content      string
	Size         int64
	LastModified int64 // epoch ms
}

type gitignoreEntry struct {
	matcher gitignore.Matcher
}

// Workspace resolves project IDs to directories and applies ignore rules.
type Workspace struct {
	cfg    *config.Config
	logger *logging.Logger

	mu          sync.Mutex
	gitignores  map[string]*gitignoreEntry // per-project .gitignore
	allowedExts map[string]struct{}
}

func New(cfg *config.Config, logger *logging.Logger) *Workspace {
	if logger == nil {
		logger = logging.Nop()
	}
	w := &Workspace{
		cfg:        cfg,
		logger:     logger,
		gitignores: make(map[string]*gitignoreEntry),
	}
	w.RefreshRules()
	return w
}

// RefreshRules rebuilds extension filters and drops cached .gitignore matchers after a config
// reload.
func (w *Workspace) RefreshRules() {
	exts := w.cfg.Current().TextExtensions
	w.mu.Lock()
	defer w.mu.Unlock()
	w.allowedExts = make(map[string]struct{}, len(exts))
	for _, e := range exts {
		w.allowedExts[strings.ToLower(e)] = struct{}{}
	}
	w.gitignores = make(map[string]*gitignoreEntry)
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.cfg.WorkspaceRoot
}

// ValidProjectID reports whether id can name a project directory.
func ValidProjectID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}

// ProjectDir returns the directory of an existing project.
func (w *Workspace) ProjectDir(projectID string) (string, error) {
	if !ValidProjectID(projectID) {
		return "", fmt.Errorf("%w: project id %q", ErrInvalidPath, projectID)
	}
	dir := filepath.Join(w.cfg.WorkspaceRoot, projectID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return dir, nil
}

// Projects lists the project IDs present under the root.
func (w *Workspace) Projects() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// CleanRelPath normalizes a client-supplied relative path and rejects anything escaping the
// project directory.
func CleanRelPath(rel string) (string, error) {
	rel = strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/")
	if rel == "" || strings.HasPrefix(rel, "/") || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return clean, nil
}

func (w *Workspace) ensureGitignoreLoaded(projectDir string) *gitignoreEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.gitignores[projectDir]; ok {
		return entry
	}

	entry := &gitignoreEntry{}
	w.gitignores[projectDir] = entry

	f, err := os.Open(filepath.Join(projectDir, ".gitignore"))
	if err != nil {
		return entry
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var patterns []gitignore.Pattern
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if len(patterns) > 0 {
		entry.matcher = gitignore.NewMatcher(patterns)
	}
	return entry
}

// ShouldSkip reports whether rel (slash-separated, relative to the project) is excluded by the
// project's .gitignore or the configured exclude patterns.
func (w *Workspace) ShouldSkip(projectDir, rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")
	if entry := w.ensureGitignoreLoaded(projectDir); entry.matcher != nil {
		if entry.matcher.Match(parts, isDir) {
			return true
		}
	}
	for _, pat := range w.cfg.Current().ExcludePatterns {
		if pat == "" {
			continue
		}
		for _, p := range parts {
			if p == pat {
				return true
			}
		}
	}
	return false
}

func (w *Workspace) isAllowedExt(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.allowedExts) == 0 {
		return true
	}
	_, ok := w.allowedExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Tracked reports whether a file path would be part of the bulk listing.
func (w *Workspace) Tracked(projectDir, rel string) bool {
	return w.isAllowedExt(rel) && !w.ShouldSkip(projectDir, rel, false)
}

type fileTask struct {
	absPath string
	relPath string
}

// ListFiles reads every tracked file of a project. Unreadable or oversized files are skipped.
// The result is sorted by path.
func (w *Workspace) ListFiles(projectID string) ([]File, error) {
	root, err := w.ProjectDir(projectID)
	if err != nil {
		return nil, err
	}

	numWorkers := runtime.NumCPU()
	if numWorkers < 2 {
		numWorkers = 2
	}
	if numWorkers > 8 {
		numWorkers = 8
	}

	tasks := make(chan fileTask, 256)
	results := make(chan File, 256)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				f, err := w.readFile(task.absPath, task.relPath)
				if err != nil {
					w.logger.Debug("skip file",
						logging.String("project", projectID),
						logging.String("file", task.relPath),
						logging.Error(err),
					)
					continue
				}
				results <- f
			}
		}()
	}

	var walkErr error
	go func() {
		walkErr = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if p == root {
					return err
				}
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if rel != "." && w.ShouldSkip(root, rel, true) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !w.Tracked(root, rel) {
				return nil
			}
			tasks <- fileTask{absPath: p, relPath: rel}
			return nil
		})
		close(tasks)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var files []File
	for f := range results {
		files = append(files, f)
	}
	// results is closed only after the walker closed tasks, so walkErr is settled here
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", projectID, walkErr)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadFile returns one file of a project.
func (w *Workspace) ReadFile(projectID, rel string) (File, error) {
	root, err := w.ProjectDir(projectID)
	if err != nil {
		return File{}, err
	}
	clean, err := CleanRelPath(rel)
	if err != nil {
		return File{}, err
	}
	return w.readFile(filepath.Join(root, filepath.FromSlash(clean)), clean)
}

func (w *Workspace) readFile(absPath, relPath string) (File, error) {
	f, err := os.Open(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, relPath)
		}
		return File{}, fmt.Errorf("open %s: %w", relPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%w: %s is a directory", ErrFileNotFound, relPath)
	}
	if max := w.cfg.Current().MaxFileBytes; max > 0 && info.Size() > max {
		return File{}, fmt.Errorf("%w: %s (%d > %d bytes)", ErrFileTooLarge, relPath, info.Size(), max)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", relPath, err)
	}
	return File{
		Path:         relPath,
		Content:      string(data),
		Size:         int64(len(data)),
		LastModified: info.ModTime().UnixMilli(),
	}, nil
}
