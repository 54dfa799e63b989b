package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	sandbox, err := NewSandbox(dir)
	require.NoError(t, err)
	return sandbox, dir
}

func TestSandboxValidPath(t *testing.T) {
	sandbox, dir := newTestSandbox(t)

	testFile := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("hello"), 0o644))

	resolved, err := sandbox.ValidatePath(testFile)
	require.NoError(t, err)
	assert.Equal(t, testFile, resolved)
}

func TestSandboxRelativePath(t *testing.T) {
	sandbox, dir := newTestSandbox(t)

	resolved, err := sandbox.ValidatePath("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "src", "main.go"), resolved)
	assert.Equal(t, filepath.Join("src", "main.go"), sandbox.Rel(resolved))
}

func TestSandboxPathTraversal(t *testing.T) {
	sandbox, dir := newTestSandbox(t)

	tests := []string{
		filepath.Join(dir, "..", "etc", "passwd"),
		"/etc/passwd",
		"../../root/.ssh",
		filepath.Join(dir, "..", "..", "root", ".ssh"),
	}

	for _, path := range tests {
		_, err := sandbox.ValidatePath(path)
		if !errors.Is(err, domain.ErrPathOutsideSandbox) {
			t.Errorf("path %q: expected ErrPathOutsideSandbox, got %v", path, err)
		}
	}
}

func TestSandboxEmptyPath(t *testing.T) {
	sandbox, _ := newTestSandbox(t)
	_, err := sandbox.ValidatePath("")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSandboxNestedNewPath(t *testing.T) {
	sandbox, dir := newTestSandbox(t)

	resolved, err := sandbox.ValidatePath(filepath.Join(dir, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b", "c.txt"), resolved)
}

func TestSandboxSymlinkEscape(t *testing.T) {
	sandbox, dir := newTestSandbox(t)
	outside := t.TempDir()

	link := filepath.Join(dir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks not supported")
	}

	_, err := sandbox.ValidatePath(filepath.Join(link, "secret.txt"))
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
}

func TestNewSandboxNotDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := NewSandbox(file)
	assert.Error(t, err)
}
