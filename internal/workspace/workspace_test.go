package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/projectfeed/internal/config"
	"github.com/yourorg/projectfeed/internal/logging"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newWorkspace(t *testing.T) (*Workspace, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		WorkspaceRoot:   root,
		TextExtensions:  []string{".ts", ".tsx", ".json"},
		ExcludePatterns: []string{"node_modules", ".git"},
		MaxFileBytes:    64,
	}
	return New(cfg, logging.Nop()), root
}

func TestListFilesAppliesRules(t *testing.T) {
	ws, root := newWorkspace(t)
	proj := filepath.Join(root, "p1")
	writeFile(t, proj, "App.tsx", "export default App")
	writeFile(t, proj, "src/util.ts", "const x = 1")
	writeFile(t, proj, "src/readme.md", "not a tracked extension")
	writeFile(t, proj, "node_modules/react/index.ts", "ignored by pattern")
	writeFile(t, proj, ".gitignore", "generated/\n# comment\n")
	writeFile(t, proj, "generated/out.ts", "ignored by gitignore")
	writeFile(t, proj, "big.ts", string(make([]byte, 100)))

	files, err := ws.ListFiles("p1")
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"App.tsx", "src/util.ts"}, paths)
	assert.Equal(t, "const x = 1", files[1].Content)
	assert.Equal(t, int64(11), files[1].Size)
	assert.NotZero(t, files[1].LastModified)
}

func TestListFilesUnknownProject(t *testing.T) {
	ws, _ := newWorkspace(t)
	_, err := ws.ListFiles("missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = ws.ListFiles("../etc")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestReadFile(t *testing.T) {
	ws, root := newWorkspace(t)
	writeFile(t, filepath.Join(root, "p1"), "src/a.ts", "hello")

	f, err := ws.ReadFile("p1", "src/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "hello", f.Content)
	assert.Equal(t, "src/a.ts", f.Path)

	_, err = ws.ReadFile("p1", "src/missing.ts")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = ws.ReadFile("p1", "../../secret")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = ws.ReadFile("p1", "/etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestCleanRelPath(t *testing.T) {
	got, err := CleanRelPath(`src\components\..\App.tsx`)
	require.NoError(t, err)
	assert.Equal(t, "src/App.tsx", got)

	for _, bad := range []string{"", "..", "../x", "a/../../x", "/abs"} {
		_, err := CleanRelPath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestProjects(t *testing.T) {
	ws, root := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "p1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "p2"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0o755))

	ids, err := ws.Projects()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)
}
