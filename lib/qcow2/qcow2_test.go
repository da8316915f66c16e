package qcow2

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEmpty_HeaderAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.qcow2")

	const size = 20 * 1024 * 1024 * 1024 // 20 GiB
	require.NoError(t, CreateEmpty(path, size))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x51, 0x46, 0x49, 0xFB}, data[0:4])
	assert.Equal(t, uint64(size), binary.BigEndian.Uint64(data[24:32]))
	assert.Len(t, data, clusterSize*4)
}

func TestCreateOverlay_BackingFields(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.qcow2")
	const size = 20 * 1024 * 1024 * 1024
	require.NoError(t, CreateEmpty(base, size))

	overlay := filepath.Join(dir, "overlay.qcow2")
	require.NoError(t, CreateOverlay(overlay, base))

	data, err := os.ReadFile(overlay)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x51, 0x46, 0x49, 0xFB}, data[0:4])

	offset := binary.BigEndian.Uint64(data[8:16])
	assert.Equal(t, uint64(72), offset)

	canonical, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	nameLen := binary.BigEndian.Uint32(data[16:20])
	assert.Equal(t, uint32(len(canonical)), nameLen)
	assert.Equal(t, canonical, string(data[72:72+len(canonical)]))

	overlaySize := binary.BigEndian.Uint64(data[24:32])
	assert.Equal(t, uint64(size), overlaySize)
	assert.Len(t, data, clusterSize*4)
}

func TestL1TableEntries(t *testing.T) {
	assert.Equal(t, uint32(2), l1TableEntries(1024*1024*1024))
	assert.Equal(t, uint32(200), l1TableEntries(100*1024*1024*1024))
}
