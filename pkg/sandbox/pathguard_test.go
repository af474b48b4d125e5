package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathGuard(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "inside.txt"), []byte("ok"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("no"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "secret-link")))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	guard, err := NewPathGuard([]string{root})
	require.NoError(t, err)

	t.Run("should resolve a file inside the root", func(t *testing.T) {
		p, err := guard.Resolve(filepath.Join(root, "inside.txt"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(guard.Roots()[0], "inside.txt"), p)
	})

	t.Run("should allow a new file in an existing directory", func(t *testing.T) {
		p, err := guard.Resolve(filepath.Join(root, "sub", "new", "file.txt"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(guard.Roots()[0], "sub", "new", "file.txt"), p)
	})

	t.Run("should deny system files", func(t *testing.T) {
		_, err := guard.Resolve("/etc/passwd")
		assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
	})

	t.Run("should deny dot-dot traversal", func(t *testing.T) {
		_, err := guard.Resolve(filepath.Join(root, "..", filepath.Base(outside), "secret.txt"))
		assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
	})

	t.Run("should deny a symlinked directory escape", func(t *testing.T) {
		_, err := guard.Resolve(filepath.Join(root, "escape", "secret.txt"))
		assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
	})

	t.Run("should deny a symlinked file escape", func(t *testing.T) {
		assert.False(t, guard.Allowed(filepath.Join(root, "secret-link")))
	})

	t.Run("should deny a new file under an escaping link", func(t *testing.T) {
		_, err := guard.Resolve(filepath.Join(root, "escape", "planted.txt"))
		assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
	})

	t.Run("should deny a sibling with a shared prefix", func(t *testing.T) {
		sibling := guard.Roots()[0] + "-other"
		_, err := guard.Resolve(filepath.Join(sibling, "x"))
		assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
	})

	t.Run("should deny an empty path", func(t *testing.T) {
		_, err := guard.Resolve(" ")
		assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
	})

	t.Run("should require roots", func(t *testing.T) {
		_, err := NewPathGuard(nil)
		assert.ErrorIs(t, err, ErrNoAllowedRoots)
	})
}
