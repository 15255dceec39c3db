package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExist(t *testing.T) {
	tempDir := t.TempDir()

	path := filepath.Join(tempDir, "memgov.conf")
	assert.False(t, FileExist(path))

	err := os.WriteFile(path, []byte("[limits]\n"), 0o644)
	require.NoError(t, err)
	assert.True(t, FileExist(path))

	// Directories count as existing too.
	assert.True(t, FileExist(tempDir))
}

func TestIsRegular(t *testing.T) {
	tempDir := t.TempDir()

	path := filepath.Join(tempDir, "module.conf")
	err := os.WriteFile(path, []byte("hard_limit_bytes = 1024\n"), 0o644)
	require.NoError(t, err)

	assert.True(t, IsRegular(path))
	assert.False(t, IsRegular(tempDir))
	assert.False(t, IsRegular(filepath.Join(tempDir, "missing.conf")))
}
