package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_ExecCapturesOutputAndExitCode(t *testing.T) {
	a := New("1.0", "vm1")
	client := newTestAgentConn(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenCall(ctx, "exec", ExecRequest{Command: "echo out; echo err 1>&2; exit 3"})
	require.NoError(t, err)
	defer stream.Close()

	var stdout, stderr []string
	for {
		var ev LogEvent
		ok, err := stream.Recv(ctx, &ev)
		require.NoError(t, err)
		if !ok {
			break
		}
		switch ev.Stream {
		case StreamStdout:
			stdout = append(stdout, ev.Message)
		case StreamStderr:
			stderr = append(stderr, ev.Message)
		}
	}

	var res ExecResult
	require.NoError(t, stream.Result(ctx, &res))
	assert.Equal(t, int32(3), res.ExitCode)
	assert.False(t, res.Signaled)
	assert.Equal(t, []string{"out"}, stdout)
	assert.Equal(t, []string{"err"}, stderr)
}

func TestAgent_ExecSucceedsWithZeroExit(t *testing.T) {
	a := New("1.0", "vm1")
	client := newTestAgentConn(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var res ExecResult
	require.NoError(t, client.Call(ctx, "exec", ExecRequest{Command: "true"}, &res))
	assert.Equal(t, int32(0), res.ExitCode)
}

func TestExitStatus_NilErrorIsZero(t *testing.T) {
	code, signaled := exitStatus(nil)
	assert.Equal(t, int32(0), code)
	assert.False(t, signaled)
}
