package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rumvm/rum/lib/rpc"
)

// ErrSizeMismatch is returned by write_file when the streamed byte count
// doesn't match the declared size.
var ErrSizeMismatch = errors.New("agent: file size mismatch")

// handleWriteFile creates info.Path/info.Filename with the declared mode,
// streams FileChunks from the caller until it signals end-of-stream, and
// fails with ErrSizeMismatch if the total doesn't equal info.Size.
//
// Directory creation is handled separately from a regular file write,
// then the data arrives as a chunk loop over IncomingCall.Recv.
func (a *Agent) handleWriteFile(ctx context.Context, call *rpc.IncomingCall) {
	var info FileInfo
	if err := call.DecodeRequest(&info); err != nil {
		call.Fail(err)
		return
	}

	fullPath := filepath.Join(info.Path, info.Filename)
	if err := os.MkdirAll(info.Path, 0o755); err != nil {
		call.Fail(err)
		return
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(info.Mode))
	if err != nil {
		call.Fail(err)
		return
	}
	defer f.Close()

	var written int64
	for {
		var chunk FileChunk
		ok, err := call.Recv(ctx, &chunk)
		if err != nil {
			call.Fail(err)
			return
		}
		if !ok {
			break
		}
		n, err := f.Write(chunk.Bytes)
		if err != nil {
			call.Fail(err)
			return
		}
		written += int64(n)
	}

	if written != info.Size {
		call.Fail(fmt.Errorf("%w: declared %d, received %d", ErrSizeMismatch, info.Size, written))
		return
	}
	if err := f.Sync(); err != nil {
		call.Fail(err)
		return
	}
	call.Respond(WriteFileResult{BytesWritten: written})
}

// readFileChunkSize bounds each streamed read_file chunk.
const readFileChunkSize = 64 * 1024

// handleReadFile opens path, responds with its metadata immediately, then
// streams its contents.
//
// Metadata is sent first so the caller can validate before the (larger)
// content stream arrives.
func (a *Agent) handleReadFile(ctx context.Context, call *rpc.IncomingCall) {
	var req FileInfo
	if err := call.DecodeRequest(&req); err != nil {
		call.Fail(err)
		return
	}

	f, err := os.Open(req.Path)
	if err != nil {
		call.Fail(err)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		call.Fail(err)
		return
	}

	if err := call.Send(FileInfo{Mode: uint32(stat.Mode().Perm()), Size: stat.Size()}); err != nil {
		return
	}

	buf := make([]byte, readFileChunkSize)
	for {
		select {
		case <-ctx.Done():
			call.Fail(ctx.Err())
			return
		default:
		}

		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := call.Send(FileChunk{Bytes: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				call.Respond(ReadFileResult{})
				return
			}
			call.Fail(err)
			return
		}
	}
}
