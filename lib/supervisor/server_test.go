package supervisor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumvm/rum/lib/rpcclient"
	"github.com/rumvm/rum/lib/vmstate"
)

// preparedStatePath writes a vmstate.Record with PreparedAt set to a temp
// file and returns its path, standing in for a VM that has already been
// prepared at least once.
func preparedStatePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rum-state.json")
	require.NoError(t, vmstate.SaveRecord(path, vmstate.Record{PreparedAt: time.Now()}))
	return path
}

// startHandler binds the handler to a real Unix socket and serves it until
// the test ends, the way lib/rpcclient's own daemon_test.go stands up its
// fakeDaemon.
func startHandler(t *testing.T, h *rpcHandler) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go h.acceptLoop(ctx, ln)
	return path
}

func TestRPCHandler_StatusReportsRunningWithIPs(t *testing.T) {
	hv := &fakeHypervisor{exists: true, active: true, ips: []string{"10.0.0.5", "10.0.0.6"}}
	h := &rpcHandler{hv: hv, vmName: "vm1", statePath: preparedStatePath(t)}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6"}, status.IPs)
	assert.True(t, status.DaemonRunning)
}

func TestRPCHandler_StatusReportsNotDefined(t *testing.T) {
	hv := &fakeHypervisor{exists: false}
	h := &rpcHandler{hv: hv, vmName: "vm1"}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "not defined", status.State)
	assert.Empty(t, status.IPs)
}

// TestRPCHandler_StatusSkipsHypervisorWhenNeverPrepared confirms the
// cached-record short circuit: with no rum-state.json sidecar on disk,
// status answers "not defined" without ever calling into the hypervisor.
func TestRPCHandler_StatusSkipsHypervisorWhenNeverPrepared(t *testing.T) {
	hv := &fakeHypervisor{exists: true, active: true}
	h := &rpcHandler{hv: hv, vmName: "vm1", statePath: filepath.Join(t.TempDir(), "rum-state.json")}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "not defined", status.State)
	assert.Equal(t, 0, hv.existsCalled)
}

func TestRPCHandler_StatusReportsStopped(t *testing.T) {
	hv := &fakeHypervisor{exists: true, active: false}
	h := &rpcHandler{hv: hv, vmName: "vm1", statePath: preparedStatePath(t)}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.State)
}

func TestRPCHandler_SSHConfigRendersFirstIP(t *testing.T) {
	hv := &fakeHypervisor{active: true, ips: []string{"10.0.0.5", "10.0.0.6"}}
	h := &rpcHandler{hv: hv, vmName: "vm1", sshUser: "rum", sshKeyPath: "/data/vm1/id_ed25519", statePath: preparedStatePath(t)}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	cfg, err := client.SSHConfig(ctx)
	require.NoError(t, err)
	assert.Contains(t, cfg.Text, "Host vm1")
	assert.Contains(t, cfg.Text, "HostName 10.0.0.5")
	assert.Contains(t, cfg.Text, "User rum")
	assert.Contains(t, cfg.Text, "IdentityFile /data/vm1/id_ed25519")
}

func TestRPCHandler_SSHConfigFailsWhenNotActive(t *testing.T) {
	hv := &fakeHypervisor{active: false}
	h := &rpcHandler{hv: hv, vmName: "vm1", statePath: preparedStatePath(t)}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.SSHConfig(ctx)
	assert.Error(t, err)
}

func TestRPCHandler_ForceStopDestroysAndSchedulesExit(t *testing.T) {
	hv := &fakeHypervisor{active: true}
	exited := make(chan struct{}, 1)
	h := &rpcHandler{hv: hv, vmName: "vm1", onExit: func() { exited <- struct{}{} }}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.ForceStop(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Message)
	assert.Equal(t, 1, hv.destroyCalled)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit was never called")
	}
}

func TestRPCHandler_StatusFailsOnHypervisorError(t *testing.T) {
	hv := &fakeHypervisor{existsErr: errFake}
	h := &rpcHandler{hv: hv, vmName: "vm1", statePath: preparedStatePath(t)}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Status(ctx)
	assert.Error(t, err)
}

func TestRPCHandler_ShutdownRespondsImmediatelyWhenNotActive(t *testing.T) {
	hv := &fakeHypervisor{active: false}
	h := &rpcHandler{hv: hv, vmName: "vm1"}
	path := startHandler(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.DialDaemon(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Shutdown(ctx)
	require.NoError(t, err)
	assert.Contains(t, resp.Message, "not running")
	assert.Equal(t, 0, hv.shutdownCalled)
}
