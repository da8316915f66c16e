package rpcclient

import (
	"context"
	"net"
	"time"

	"github.com/rumvm/rum/lib/rpc"
)

// Daemon RPC method names and wire types, shared between this client and
// lib/supervisor's server side.
const (
	MethodPing      = "ping"
	MethodShutdown  = "shutdown"
	MethodForceStop = "force_stop"
	MethodStatus    = "status"
	MethodSSHConfig = "ssh_config"
)

// PingResult is the daemon's own ping reply: a fixed literal, distinct
// from the guest agent's ping (which reports version/hostname).
type PingResult struct {
	Message string
}

// ShutdownResult and ForceStopResult carry a human-readable outcome
// message for both calls.
type ShutdownResult struct {
	Message string
}

type ForceStopResult struct {
	Message string
}

// StatusResult reports the domain's current state, every known IPv4
// lease address, and whether the daemon itself is reachable (always true
// for a successful call, but kept for the caller-visible shape).
type StatusResult struct {
	State         string
	IPs           []string
	DaemonRunning bool
}

// SSHConfigResult is the rendered OpenSSH client config block.
type SSHConfigResult struct {
	Text string
}

// DaemonClient is the host-side handle to a running supervisor's RPC
// socket: ping, shutdown, force_stop, status, ssh_config. Distinct from
// AgentConn, which talks to the in-guest agent over vsock instead of this
// Unix socket.
type DaemonClient struct {
	conn *rpc.Conn
}

// DialDaemon connects to the supervisor's RPC socket at path.
func DialDaemon(ctx context.Context, path string) (*DaemonClient, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return &DaemonClient{conn: rpc.NewConn(nc, true, 0)}, nil
}

// Ping confirms the daemon is alive and serving RPCs.
func (c *DaemonClient) Ping(ctx context.Context) (PingResult, error) {
	var resp PingResult
	err := c.conn.Call(ctx, MethodPing, struct{}{}, &resp)
	return resp, err
}

// Shutdown requests an ACPI shutdown (the daemon escalates to a force
// stop after its own 30s timeout).
func (c *DaemonClient) Shutdown(ctx context.Context) (ShutdownResult, error) {
	var resp ShutdownResult
	err := c.conn.Call(ctx, MethodShutdown, struct{}{}, &resp)
	return resp, err
}

// ForceStop requests an unconditional forced stop.
func (c *DaemonClient) ForceStop(ctx context.Context) (ForceStopResult, error) {
	var resp ForceStopResult
	err := c.conn.Call(ctx, MethodForceStop, struct{}{}, &resp)
	return resp, err
}

// Status reports the domain's current lifecycle state and IP leases.
func (c *DaemonClient) Status(ctx context.Context) (StatusResult, error) {
	var resp StatusResult
	err := c.conn.Call(ctx, MethodStatus, struct{}{}, &resp)
	return resp, err
}

// SSHConfig fetches the rendered OpenSSH client config block.
func (c *DaemonClient) SSHConfig(ctx context.Context) (SSHConfigResult, error) {
	var resp SSHConfigResult
	err := c.conn.Call(ctx, MethodSSHConfig, struct{}{}, &resp)
	return resp, err
}

// Close releases the underlying connection.
func (c *DaemonClient) Close() error {
	return c.conn.Close()
}

// WaitReady dials path repeatedly until a ping succeeds or deadline
// elapses. The successfully-pinged connection is returned open for
// reuse.
func WaitReady(ctx context.Context, path string, deadline time.Duration, interval time.Duration) (*DaemonClient, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		client, err := DialDaemon(ctx, path)
		if err == nil {
			if _, pingErr := client.Ping(ctx); pingErr == nil {
				return client, nil
			}
			client.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
