package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAppendAndRead(t *testing.T) {
	store, err := NewFile(t.TempDir())
	require.NoError(t, err)

	data, err := store.Read("audit.csv")
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, store.Append("audit.csv", []byte("a\n")))
	require.NoError(t, store.Append("audit.csv", []byte("b\n")))

	data, err = store.Read("audit.csv")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}

func TestFileConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewFile(filepath.Join(root, "inner"))
	require.NoError(t, err)

	require.NoError(t, store.Append("../escape.csv", []byte("x")))

	_, err = os.Stat(filepath.Join(root, "escape.csv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "inner", "escape.csv"))
	assert.NoError(t, err)
}
