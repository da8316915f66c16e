// Package agent implements the in-guest side of the rum agent contract:
// ping, diagnostic log broadcast, exec, provision, and file transfer,
// served over lib/rpc's length-framed transport on vsock port 2222.
// Port forwarding (ListenPortForwards) is a separate, unrelated vsock
// listener per forwarded port: raw byte proxying, no RPC framing, since
// the host dials each forwarded guest port's own vsock address directly
// rather than tunneling through the agent's RPC connection.
package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/rumvm/rum/lib/rpc"
)

// VsockPort is the well-known guest-side port the agent listens on.
const VsockPort = 2222

const listenRetries = 10

// Agent serves the guest RPC contract. The zero value is not usable; build
// one with New.
type Agent struct {
	version  string
	hostname string
	logs     *logBroadcaster
}

// New builds an Agent that reports version/hostname from ping.
func New(version, hostname string) *Agent {
	return &Agent{
		version:  version,
		hostname: hostname,
		logs:     newLogBroadcaster(logBufferCapacity),
	}
}

// Logf records a line on the agent's own diagnostic log, delivered to any
// current subscribe_logs callers. Safe to call with no subscribers: per
// the contract, publish is a no-op rather than synthesizing work.
func (a *Agent) Logf(level, target, format string, args ...any) {
	a.logs.publish(LogEvent{
		TimestampUs: nowMicros(),
		Level:       level,
		Target:      target,
		Message:     fmt.Sprintf(format, args...),
	})
}

// ListenAndServe listens on the guest's vsock port and serves calls until
// ctx is cancelled or the listener fails. The vsock device may not be
// ready this early in boot, so the initial listen retries up to 10
// attempts, 1 second apart.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	var l *vsock.Listener
	var err error
	for i := 0; i < listenRetries; i++ {
		l, err = vsock.Listen(VsockPort, nil)
		if err == nil {
			break
		}
		log.Printf("[rum-agent] vsock listen attempt %d/%d failed: %v (retrying in 1s)", i+1, listenRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		return fmt.Errorf("listen on vsock port %d: %w", VsockPort, err)
	}
	defer l.Close()
	log.Printf("[rum-agent] listening on vsock port %d", VsockPort)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go a.ServeConn(ctx, nc)
	}
}

// ServeConn serves RPC calls over a single already-connected net.Conn
// until ctx is cancelled or the connection fails. ListenAndServe calls
// this per accepted vsock connection; exported so callers that bring
// their own transport (tests, lib/rpcclient's in-process tests) can
// drive an Agent without a real vsock device.
func (a *Agent) ServeConn(ctx context.Context, nc net.Conn) {
	c := rpc.NewConn(nc, false, 0)
	defer c.Close()
	for {
		call, err := c.Accept(ctx)
		if err != nil {
			return
		}
		go a.dispatch(ctx, call)
	}
}

func (a *Agent) dispatch(ctx context.Context, call *rpc.IncomingCall) {
	switch call.Method() {
	case "ping":
		a.handlePing(call)
	case "subscribe_logs":
		a.handleSubscribeLogs(ctx, call)
	case "exec":
		a.handleExec(ctx, call)
	case "provision":
		a.handleProvision(ctx, call)
	case "write_file":
		a.handleWriteFile(ctx, call)
	case "read_file":
		a.handleReadFile(ctx, call)
	default:
		call.Fail(fmt.Errorf("unknown method %q", call.Method()))
	}
}

func (a *Agent) handlePing(call *rpc.IncomingCall) {
	var req PingRequest
	if err := call.DecodeRequest(&req); err != nil {
		call.Fail(err)
		return
	}
	call.Respond(PingResult{Version: a.version, Hostname: a.hostname})
}
