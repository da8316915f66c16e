package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredFile_DiscardsWritesBeforeBind(t *testing.T) {
	var d DeferredFile
	n, err := d.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestDeferredFile_WritesAfterBind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	var d DeferredFile
	require.NoError(t, d.Bind(path))

	_, err := d.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(contents))
}

func TestDeferredFile_RebindClosesPrevious(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	var d DeferredFile
	require.NoError(t, d.Bind(first))
	_, err := d.Write([]byte("a"))
	require.NoError(t, err)

	require.NoError(t, d.Bind(second))
	_, err = d.Write([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	firstContents, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "a", string(firstContents))

	secondContents, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(secondContents))
}
