// Package rpcclient is the host-side half of lib/rpc's protocol: dialing
// the guest agent over vsock and wiring lib/worker's narrow AgentConn
// contract onto calls and streams, plus dialing each forwarded port's own
// vsock connection directly for StartServices.
//
// Each AgentConn belongs to exactly one VM's supervisor for the VM's
// whole lifetime, so there's no connection pooling or sharing across
// dials.
package rpcclient

import (
	"context"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/rumvm/rum/lib/agent"
	"github.com/rumvm/rum/lib/rpc"
	"github.com/rumvm/rum/lib/worker"
)

// Dialer implements worker.AgentDialer by dialing the guest's agent over
// vsock on its well-known RPC port.
type Dialer struct{}

// Dial opens a new agent connection to the domain's assigned vsock CID.
func (Dialer) Dial(ctx context.Context, cid uint32) (worker.AgentConn, error) {
	nc, err := dialVsock(ctx, cid, agent.VsockPort)
	if err != nil {
		return nil, err
	}
	return &AgentConn{cid: cid, conn: rpc.NewConn(nc, true, 0)}, nil
}

// dialVsock dials cid:port, honoring ctx's cancellation the way
// net.Dialer.DialContext does for TCP (mdlayher/vsock has no native
// context-aware dialer).
func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		nc  net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := vsock.Dial(cid, port, nil)
		ch <- result{nc, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.nc, r.err
	}
}

// AgentConn is the host-side handle to a connected guest agent.
type AgentConn struct {
	cid  uint32
	conn *rpc.Conn
}

// Ping implements worker.AgentConn.
func (a *AgentConn) Ping(ctx context.Context) error {
	var resp agent.PingResult
	return a.conn.Call(ctx, "ping", agent.PingRequest{}, &resp)
}

// Provision implements worker.AgentConn: opens the provision call,
// relays each streamed agent.ScriptOutput onto sink in worker's own
// shape, then waits for the terminal agent.ProvisionResult.
func (a *AgentConn) Provision(ctx context.Context, scripts []worker.ProvisionScript, sink chan<- worker.ScriptOutput) (worker.ProvisionResult, error) {
	req := agent.ProvisionRequest{Scripts: toAgentScripts(scripts)}
	stream, err := a.conn.OpenCall(ctx, "provision", req)
	if err != nil {
		return worker.ProvisionResult{}, err
	}
	defer stream.Close()

	for {
		var out agent.ScriptOutput
		ok, err := stream.Recv(ctx, &out)
		if err != nil {
			return worker.ProvisionResult{}, err
		}
		if !ok {
			break
		}
		if sink == nil {
			continue
		}
		select {
		case sink <- worker.ScriptOutput{ScriptName: out.ScriptName, Stderr: out.Stderr, Line: out.Line}:
		case <-ctx.Done():
			return worker.ProvisionResult{}, ctx.Err()
		}
	}

	var result agent.ProvisionResult
	if err := stream.Result(ctx, &result); err != nil {
		return worker.ProvisionResult{}, err
	}
	return worker.ProvisionResult{Success: result.Success, FailedScript: result.FailedScript}, nil
}

// SubscribeLogs implements worker.AgentConn: the returned channel is fed
// by a background goroutine until ctx is cancelled or the call ends, and
// is closed when that goroutine returns.
func (a *AgentConn) SubscribeLogs(ctx context.Context) (<-chan worker.LogEvent, error) {
	stream, err := a.conn.OpenCall(ctx, "subscribe_logs", agent.PingRequest{})
	if err != nil {
		return nil, err
	}

	out := make(chan worker.LogEvent)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			var ev agent.LogEvent
			ok, err := stream.Recv(ctx, &ev)
			if err != nil || !ok {
				return
			}
			source := ev.Target
			if source == "" {
				source = ev.Stream
			}
			select {
			case out <- worker.LogEvent{Source: source, Line: []byte(ev.Message)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DialGuestPort implements worker.AgentConn. Per the resolution in
// DESIGN.md, forwarded-port connections are NOT tunneled through this
// AgentConn's rpc.Conn at all: they're a fresh, plain vsock dial to the
// same CID on the forwarded guest port, bridged by cmd/rum-agent's own
// ListenPortForwards proxy rather than by the agent's RPC dispatch.
func (a *AgentConn) DialGuestPort(ctx context.Context, port uint32) (worker.PortConn, error) {
	return dialVsock(ctx, a.cid, port)
}

// Close implements worker.AgentConn.
func (a *AgentConn) Close() error {
	return a.conn.Close()
}

func toAgentScripts(scripts []worker.ProvisionScript) []agent.ProvisionScript {
	out := make([]agent.ProvisionScript, len(scripts))
	for i, s := range scripts {
		runOn := agent.RunOnSystem
		if s.RunOn == worker.RunOnBoot {
			runOn = agent.RunOnBoot
		}
		out[i] = agent.ProvisionScript{
			Name:    s.Name,
			Title:   s.Title,
			Content: s.Content,
			Order:   s.Order,
			RunOn:   runOn,
		}
	}
	return out
}
