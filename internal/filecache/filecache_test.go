package filecache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/projectfeed/internal/logging"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func rec(project, path, content string) FileRecord {
	return FileRecord{
		ProjectID:    project,
		FilePath:     path,
		Content:      content,
		LastModified: 1000,
		Size:         int64(len(content)),
	}
}

func TestCacheFileUpsertKeepsOneRecord(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.CacheFile(ctx, rec("p1", "a.ts", "v1")))
	first, err := c.GetFile(ctx, "p1", "a.ts")
	require.NoError(t, err)

	updated := rec("p1", "a.ts", "version two")
	updated.LastModified = 2000
	require.NoError(t, c.CacheFile(ctx, updated))

	got, err := c.GetFile(ctx, "p1", "a.ts")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "version two", got.Content)
	assert.Equal(t, int64(2000), got.LastModified)
	assert.Equal(t, int64(11), got.Size)

	all, err := c.GetAllProjectFiles(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetFileMissing(t *testing.T) {
	c := newCache(t)
	_, err := c.GetFile(context.Background(), "p1", "nope.ts")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheMultipleFilesCountsFailures(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	res, err := c.CacheMultipleFiles(ctx, []FileRecord{
		rec("p1", "a.ts", "a"),
		rec("p1", "", "no path"),
		rec("p1", "b.ts", "b"),
		rec("p2", "a.ts", "other project"),
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 3, Failed: 1}, res)

	n, err := c.ProjectFileCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err = c.CacheMultipleFiles(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestRemoveAndClear(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.CacheMultipleFiles(ctx, []FileRecord{
		rec("p1", "a.ts", "aa"),
		rec("p1", "b.ts", "bbb"),
		rec("p2", "c.ts", "c"),
	})
	require.NoError(t, err)

	info, err := c.GetStorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, StorageInfo{Files: 3, TotalSize: 6, Projects: 2}, info)

	require.NoError(t, c.RemoveFile(ctx, "p1", "a.ts"))
	_, err = c.GetFile(ctx, "p1", "a.ts")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.ClearProject(ctx, "p1"))
	n, err := c.ProjectFileCount(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.ProjectFileCount(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.ClearAllCache(ctx))
	info, err = c.GetStorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, StorageInfo{}, info)
}

func TestSearchReportsContextWindow(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	var lines []string
	for i := 1; i <= 9; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	lines[4] = "call foo() here"
	require.NoError(t, c.CacheFile(ctx, rec("p1", "main.ts", strings.Join(lines, "\n"))))

	matches, err := c.SearchInProject(ctx, "p1", "foo", false, 2)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, "main.ts", m.FilePath)
	assert.Equal(t, 5, m.LineNumber)
	assert.Equal(t, 5, m.ColumnStart)
	assert.Equal(t, 8, m.ColumnEnd)
	assert.Equal(t, "call foo() here", m.LineContent)
	assert.Equal(t, []string{"line 3", "line 4"}, m.ContextBefore)
	assert.Equal(t, []string{"line 6", "line 7"}, m.ContextAfter)
}

func TestSearchEdgesOfFile(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.CacheFile(ctx, rec("p1", "a.ts", "Foo foo\r\nbar")))

	matches, err := c.SearchInProject(ctx, "p1", "FOO", false, 3)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 0, matches[0].ColumnStart)
	assert.Equal(t, 4, matches[1].ColumnStart)
	assert.Empty(t, matches[0].ContextBefore)
	assert.Equal(t, []string{"bar"}, matches[0].ContextAfter)
	assert.Equal(t, "Foo foo", matches[0].LineContent)
}

func TestSearchRegexAndPlainModes(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.CacheFile(ctx, rec("p1", "a.ts", "const x = 1\nlet y = 22")))

	matches, err := c.SearchInProject(ctx, "p1", `\d+`, true, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Empty(t, matches[0].ContextAfter)

	// plain mode treats metacharacters literally
	matches, err = c.SearchInProject(ctx, "p1", `\d+`, false, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = c.SearchInProject(ctx, "p1", "([", true, 2)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = c.SearchInProject(ctx, "other", "const", false, 2)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
