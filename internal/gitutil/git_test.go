package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		_, _, err := runGit(dir, args...)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	_, _, err := runGit(dir, "add", ".")
	require.NoError(t, err)
	_, _, err = runGit(dir, "commit", "-q", "-m", "init")
	require.NoError(t, err)
	return dir
}

func TestIsRepo(t *testing.T) {
	repo := initRepo(t)
	require.True(t, IsRepo(repo))
	require.False(t, IsRepo(t.TempDir()))
}

func TestHeadSHA(t *testing.T) {
	repo := initRepo(t)
	sha, err := HeadSHA(repo)
	require.NoError(t, err)
	require.Len(t, sha, 40)
}

func TestIsCleanTracksWorkTree(t *testing.T) {
	repo := initRepo(t)
	clean, err := IsClean(repo)
	require.NoError(t, err)
	require.True(t, clean)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n\nvar x = 1\n"), 0o644))
	clean, err = IsClean(repo)
	require.NoError(t, err)
	require.False(t, clean)
}

func TestDiffAndShape(t *testing.T) {
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n\nvar x = 1\n"), 0o644))

	diff, err := Diff(repo, "HEAD")
	require.NoError(t, err)
	require.Contains(t, diff, "var x = 1")

	files, err := DiffNameOnly(repo, "HEAD")
	require.NoError(t, err)
	require.Equal(t, []string{"main.go"}, files)

	shape, err := ShapeOf(repo, "HEAD")
	require.NoError(t, err)
	require.Equal(t, 1, shape.Files)
	require.Equal(t, 2, shape.Lines)
}

func TestCommandErrorCarriesStderr(t *testing.T) {
	repo := initRepo(t)
	_, err := Diff(repo, "no-such-ref")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.NotEmpty(t, cmdErr.Stderr)
}
