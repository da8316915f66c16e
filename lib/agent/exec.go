package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rumvm/rum/lib/rpc"
)

// handleExec runs command in a shell, forwarding stdout/stderr to the
// caller as they're produced and returning the final exit code. There is
// no TTY allocation: the agent contract names only command+sink, with no
// tty flag.
func (a *Agent) handleExec(ctx context.Context, call *rpc.IncomingCall) {
	var req ExecRequest
	if err := call.DecodeRequest(&req); err != nil {
		call.Fail(err)
		return
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		call.Fail(err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		call.Fail(err)
		return
	}
	if err := cmd.Start(); err != nil {
		call.Fail(err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamOutput(&wg, call, stdout, StreamStdout)
	go streamOutput(&wg, call, stderr, StreamStderr)
	wg.Wait()

	exitCode, signaled := exitStatus(cmd.Wait())
	call.Respond(ExecResult{ExitCode: exitCode, Signaled: signaled})
}

// streamOutput relays r line by line as LogEvents tagged with stream,
// preserving production order within each stream (the contract only
// guarantees order within one stream, not across stdout/stderr).
func streamOutput(wg *sync.WaitGroup, call *rpc.IncomingCall, r io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		call.Send(LogEvent{
			TimestampUs: nowMicros(),
			Stream:      stream,
			Message:     scanner.Text(),
		})
	}
}

// exitStatus extracts a process's exit code, or reports Signaled if it
// was killed by a signal rather than exiting normally.
func exitStatus(err error) (code int32, signaled bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 0, true
		}
		return int32(exitErr.ExitCode()), false
	}
	return -1, false
}
