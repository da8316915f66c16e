package worker

import (
	"context"
	"time"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
)

// ProvisionScript is one script to run in the guest, in the shape the
// agent's provision call expects.
type ProvisionScript struct {
	Name    string
	Title   string
	Content string
	Order   int
	RunOn   RunOn
}

// RunOn distinguishes when a script runs: once on first provisioning
// ("system") or on every boot ("boot").
type RunOn int

const (
	RunOnSystem RunOn = iota
	RunOnBoot
)

// ScriptOutput is one line the agent streamed while running a script.
type ScriptOutput struct {
	ScriptName string
	Stderr     bool
	Line       []byte
}

// ProvisionResult is what the agent's provision call reports once the
// ordered script list finishes or the first one fails.
type ProvisionResult struct {
	Success      bool
	FailedScript string
}

// LogEvent is one line of guest service output relayed over the log
// subscription StartServices opens.
type LogEvent struct {
	Source string
	Line   []byte
}

// AgentConn is an open RPC connection to a running guest agent.
// Implementations live in lib/rpcclient, built over lib/rpc's
// length-framed transport; Dispatch only depends on this narrow surface.
type AgentConn interface {
	Ping(ctx context.Context) error
	Provision(ctx context.Context, scripts []ProvisionScript, sink chan<- ScriptOutput) (ProvisionResult, error)
	SubscribeLogs(ctx context.Context) (<-chan LogEvent, error)
	DialGuestPort(ctx context.Context, port uint32) (PortConn, error)
	Close() error
}

// PortConn is a duplex byte stream to one guest TCP port, dialed over its
// own vsock connection (not tunneled through the agent's RPC connection);
// satisfied by a direct vsock dial in lib/rpcclient.
type PortConn interface {
	ReadCloser
	WriteCloser
}

// ReadCloser and WriteCloser avoid importing io just for this pair's
// documentation; io.ReadCloser/io.WriteCloser satisfy both.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// AgentDialer opens a new AgentConn to the guest agent listening on the
// domain's assigned vsock CID.
type AgentDialer interface {
	Dial(ctx context.Context, cid uint32) (AgentConn, error)
}

const (
	agentPingInterval = 500 * time.Millisecond
	agentPingDeadline = 120 * time.Second
)

// connectAgent implements the ConnectAgent effect: dial the agent and
// retry ping every 500ms until it succeeds or 120s elapse.
func (d *Dispatcher) connectAgent(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)

	info, err := d.HV.Info(d.Sys.DisplayName())
	if err != nil {
		return flow.Event{Kind: flow.AgentTimeout, Reason: err.Error()}
	}
	if info.VsockCID == 0 {
		return flow.Event{Kind: flow.AgentTimeout, Reason: "domain has no assigned vsock CID"}
	}

	deadline := time.Now().Add(agentPingDeadline)
	ticker := time.NewTicker(agentPingInterval)
	defer ticker.Stop()

	for {
		conn, err := d.Dialer.Dial(ctx, info.VsockCID)
		if err == nil {
			pingErr := conn.Ping(ctx)
			if pingErr == nil {
				d.agentConn = conn
				log.InfoContext(ctx, "agent connected", "cid", info.VsockCID)
				return flow.Event{Kind: flow.AgentConnected}
			}
			conn.Close()
		}

		if time.Now().After(deadline) {
			return flow.Event{Kind: flow.AgentTimeout, Reason: "agent did not respond to ping within 120s"}
		}

		select {
		case <-ctx.Done():
			return flow.Event{Kind: flow.AgentTimeout, Reason: ctx.Err().Error()}
		case <-ticker.C:
		}
	}
}
