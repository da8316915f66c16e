package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/paths"
	"github.com/rumvm/rum/lib/vmconfig"
)

type teardownTrackingHypervisor struct {
	fakeHypervisor
	shutdownErr      error
	destroyErr       error
	destroyedNetwork []string
	destroyNetErr    error
}

func (h *teardownTrackingHypervisor) Shutdown(string) error { return h.shutdownErr }
func (h *teardownTrackingHypervisor) Destroy(string) error  { return h.destroyErr }
func (h *teardownTrackingHypervisor) DestroyNetwork(name string) error {
	h.destroyedNetwork = append(h.destroyedNetwork, name)
	return h.destroyNetErr
}

func TestShutdownDomain_ClosesAgentAndShutsDown(t *testing.T) {
	hv := &teardownTrackingHypervisor{}
	conn := &fakeAgentConn{}
	d := &Dispatcher{Sys: &vmconfig.SystemConfig{Name: "vm"}, HV: hv, agentConn: conn}

	evt := d.shutdownDomain(context.Background())
	require.Equal(t, flow.ShutdownComplete, evt.Kind)
	assert.True(t, conn.closed)
	assert.Nil(t, d.agentConn)
}

func TestShutdownDomain_HypervisorErrorFails(t *testing.T) {
	hv := &teardownTrackingHypervisor{shutdownErr: assertAnError}
	d := &Dispatcher{Sys: &vmconfig.SystemConfig{Name: "vm"}, HV: hv}

	evt := d.shutdownDomain(context.Background())
	assert.Equal(t, flow.ScriptFailed, evt.Kind)
}

func TestDestroyDomain_DestroysDomainAndNetworks(t *testing.T) {
	hv := &teardownTrackingHypervisor{}
	conn := &fakeAgentConn{}
	sys := &vmconfig.SystemConfig{
		ID:   "vmid",
		Name: "vm",
		Config: vmconfig.Config{
			Network: vmconfig.NetworkConfig{
				Interfaces: []vmconfig.InterfaceConfig{{Network: "private"}, {Network: "other"}},
			},
		},
	}
	d := &Dispatcher{Sys: sys, HV: hv, agentConn: conn}

	evt := d.destroyDomain(context.Background())
	require.Equal(t, flow.DestroyComplete, evt.Kind)
	assert.True(t, conn.closed)
	assert.Len(t, hv.destroyedNetwork, 2)
}

func TestDestroyDomain_ToleratesNetworkDestroyFailure(t *testing.T) {
	hv := &teardownTrackingHypervisor{destroyNetErr: assertAnError}
	sys := &vmconfig.SystemConfig{
		Name: "vm",
		Config: vmconfig.Config{
			Network: vmconfig.NetworkConfig{
				Interfaces: []vmconfig.InterfaceConfig{{Network: "private"}},
			},
		},
	}
	d := &Dispatcher{Sys: sys, HV: hv}

	evt := d.destroyDomain(context.Background())
	assert.Equal(t, flow.DestroyComplete, evt.Kind)
}

func TestDestroyDomain_HypervisorErrorFails(t *testing.T) {
	hv := &teardownTrackingHypervisor{destroyErr: assertAnError}
	d := &Dispatcher{Sys: &vmconfig.SystemConfig{Name: "vm"}, HV: hv}

	evt := d.destroyDomain(context.Background())
	assert.Equal(t, flow.ScriptFailed, evt.Kind)
}

func TestCleanupArtifacts_RemovesWorkDir(t *testing.T) {
	dir := t.TempDir()
	p := paths.New(filepath.Join(dir, "cache"), filepath.Join(dir, "work"))
	require.NoError(t, p.EnsureWorkDir())

	marker := filepath.Join(p.WorkDir(), "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	d := &Dispatcher{Sys: &vmconfig.SystemConfig{Name: "vm"}, Paths: p}
	evt := d.cleanupArtifacts(context.Background())

	require.Equal(t, flow.CleanupComplete, evt.Kind)
	_, err := os.Stat(p.WorkDir())
	assert.True(t, os.IsNotExist(err))
}
