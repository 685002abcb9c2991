package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", ".elevhost"), 0o700))

	p, err := FindUp(".elevhost", deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", ".elevhost"), p)

	p, err = FindUp(".elevhost", filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", ".elevhost"), p)

	_, err = FindUp("elevhost-test-missing-name", deep)
	assert.ErrorIs(t, err, ErrNotFound)
}
