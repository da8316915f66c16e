package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_WriteFileStreamsChunksAndVerifiesSize(t *testing.T) {
	dir := t.TempDir()
	a := New("1.0", "vm1")
	client := newTestAgentConn(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	content := []byte("hello world")
	stream, err := client.OpenCall(ctx, "write_file", FileInfo{
		Path: dir, Filename: "out.txt", Mode: 0o644, Size: int64(len(content)),
	})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(FileChunk{Bytes: content[:5]}))
	require.NoError(t, stream.Send(FileChunk{Bytes: content[5:]}))
	require.NoError(t, stream.CloseSend())

	var res WriteFileResult
	require.NoError(t, stream.Result(ctx, &res))
	assert.Equal(t, int64(len(content)), res.BytesWritten)

	got, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAgent_WriteFileSizeMismatchFails(t *testing.T) {
	dir := t.TempDir()
	a := New("1.0", "vm1")
	client := newTestAgentConn(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenCall(ctx, "write_file", FileInfo{
		Path: dir, Filename: "short.txt", Mode: 0o644, Size: 100,
	})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(FileChunk{Bytes: []byte("too short")}))
	require.NoError(t, stream.CloseSend())

	err = stream.Result(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
}

func TestAgent_ReadFileSendsMetadataThenChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("0123456789")
	require.NoError(t, os.WriteFile(path, content, 0o640))

	a := New("1.0", "vm1")
	client := newTestAgentConn(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenCall(ctx, "read_file", FileInfo{Path: path})
	require.NoError(t, err)
	defer stream.Close()

	var meta FileInfo
	ok, err := stream.Recv(ctx, &meta)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(len(content)), meta.Size)

	var got []byte
	for {
		var chunk FileChunk
		ok, err := stream.Recv(ctx, &chunk)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, chunk.Bytes...)
	}
	assert.Equal(t, content, got)

	require.NoError(t, stream.Result(ctx, &ReadFileResult{}))
}

func TestAgent_ReadFileMissingPathFails(t *testing.T) {
	a := New("1.0", "vm1")
	client := newTestAgentConn(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "read_file", FileInfo{Path: "/nonexistent/path"}, nil)
	require.Error(t, err)
}
