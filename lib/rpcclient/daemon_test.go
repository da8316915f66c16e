package rpcclient

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumvm/rum/lib/rpc"
)

// fakeDaemon serves a minimal daemon RPC contract over a real Unix socket,
// standing in for lib/supervisor's server side (server.go) so
// DaemonClient is exercised against a real listener and wire round trip.
func fakeDaemon(t *testing.T, path string) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn := rpc.NewConn(nc, false, 0)
				defer conn.Close()
				ctx := context.Background()
				for {
					call, err := conn.Accept(ctx)
					if err != nil {
						return
					}
					switch call.Method() {
					case MethodPing:
						call.Respond(PingResult{Message: "daemon"})
					case MethodShutdown:
						call.Respond(ShutdownResult{Message: "shutting down"})
					case MethodForceStop:
						call.Respond(ForceStopResult{Message: "stopped"})
					case MethodStatus:
						call.Respond(StatusResult{State: "running", IPs: []string{"10.0.0.5"}, DaemonRunning: true})
					case MethodSSHConfig:
						call.Respond(SSHConfigResult{Text: "Host vm1\n"})
					default:
						call.Fail(assert.AnError)
					}
				}
			}()
		}
	}()
}

func TestDaemonClient_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")
	fakeDaemon(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	ping, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "daemon", ping.Message)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, []string{"10.0.0.5"}, status.IPs)
	assert.True(t, status.DaemonRunning)

	sshCfg, err := client.SSHConfig(ctx)
	require.NoError(t, err)
	assert.Contains(t, sshCfg.Text, "Host vm1")

	shutdown, err := client.Shutdown(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shutdown.Message)

	forceStop, err := client.ForceStop(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, forceStop.Message)
}

func TestWaitReady_SucceedsOnceDaemonListening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")
	fakeDaemon(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := WaitReady(ctx, path, 2*time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	defer client.Close()
}

func TestWaitReady_TimesOutWithNoDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := WaitReady(ctx, path, 500*time.Millisecond, 50*time.Millisecond)
	assert.Error(t, err)
}
