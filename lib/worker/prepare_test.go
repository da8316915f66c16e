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
	"github.com/rumvm/rum/lib/qcow2"
	"github.com/rumvm/rum/lib/vmconfig"
	"github.com/rumvm/rum/lib/vmstate"
)

type defineTrackingHypervisor struct {
	fakeHypervisor
	definedXML  string
	definedName string
	defineErr   error
}

func (h *defineTrackingHypervisor) DefineOrRedefine(name, xml string) error {
	h.definedName = name
	h.definedXML = xml
	return h.defineErr
}

func newPrepareDispatcher(t *testing.T, hv Hypervisor) (*Dispatcher, *paths.Paths) {
	t.Helper()
	dir := t.TempDir()
	p := paths.New(filepath.Join(dir, "cache"), filepath.Join(dir, "work"))
	require.NoError(t, p.EnsureWorkDir())
	require.NoError(t, p.EnsureCacheDir())

	base := p.CacheImage("base.qcow2")
	require.NoError(t, qcow2.CreateEmpty(base, 1<<30))

	sys := &vmconfig.SystemConfig{
		ID:   "deadbeef",
		Name: "vm1",
		Config: vmconfig.Config{
			Resources: vmconfig.ResourcesConfig{CPUs: 2, MemoryMB: 512, RootDiskSize: "10GB"},
			Advanced:  vmconfig.AdvancedConfig{DomainType: "kvm", Machine: "q35"},
			Guest:     vmconfig.GuestConfig{User: "vm"},
		},
	}

	d := New(sys, p, hv, nil)
	d.imagePath = base
	return d, p
}

func TestPrepareVm_CreatesArtifactsAndDefinesDomain(t *testing.T) {
	hv := &defineTrackingHypervisor{}
	d, p := newPrepareDispatcher(t, hv)

	evt := d.prepareVm(context.Background())
	require.Equal(t, flow.VmPrepared, evt.Kind)

	assert.FileExists(t, p.Overlay())
	assert.FileExists(t, p.DomainXML())
	assert.FileExists(t, p.ConfigPathFile())
	assert.FileExists(t, p.SSHPrivateKey())
	assert.FileExists(t, p.SSHPublicKey())

	assert.Equal(t, "vm1", hv.definedName)
	assert.NotEmpty(t, hv.definedXML)
}

func TestPrepareVm_WritesStateSidecar(t *testing.T) {
	hv := &defineTrackingHypervisor{}
	d, p := newPrepareDispatcher(t, hv)

	require.Equal(t, flow.VmPrepared, d.prepareVm(context.Background()).Kind)

	rec, err := vmstate.LoadRecord(p.StateFile())
	require.NoError(t, err)
	assert.False(t, rec.PreparedAt.IsZero())
	assert.Equal(t, "kvm", rec.HypervisorType)
	assert.Equal(t, d.Sys.ConfigHash(), rec.ConfigHash)
}

func TestPrepareVm_ReusesExistingSSHKeypair(t *testing.T) {
	hv := &defineTrackingHypervisor{}
	d, p := newPrepareDispatcher(t, hv)

	require.Equal(t, flow.VmPrepared, d.prepareVm(context.Background()).Kind)
	firstKey, err := os.ReadFile(p.SSHPublicKey())
	require.NoError(t, err)

	require.Equal(t, flow.VmPrepared, d.prepareVm(context.Background()).Kind)
	secondKey, err := os.ReadFile(p.SSHPublicKey())
	require.NoError(t, err)

	assert.Equal(t, string(firstKey), string(secondKey))
}

func TestPrepareVm_InvalidRootDiskSizeFails(t *testing.T) {
	hv := &defineTrackingHypervisor{}
	d, _ := newPrepareDispatcher(t, hv)
	d.Sys.Config.Resources.RootDiskSize = "not-a-size"

	evt := d.prepareVm(context.Background())
	assert.Equal(t, flow.PrepareFailed, evt.Kind)
}

func TestPrepareVm_NoImagePathFails(t *testing.T) {
	hv := &defineTrackingHypervisor{}
	d, _ := newPrepareDispatcher(t, hv)
	d.imagePath = ""

	evt := d.prepareVm(context.Background())
	assert.Equal(t, flow.PrepareFailed, evt.Kind)
}

func TestPrepareVm_DefineErrorFails(t *testing.T) {
	hv := &defineTrackingHypervisor{defineErr: assertAnError}
	d, _ := newPrepareDispatcher(t, hv)

	evt := d.prepareVm(context.Background())
	assert.Equal(t, flow.PrepareFailed, evt.Kind)
}

func TestToDomainMounts_PreservesFields(t *testing.T) {
	mounts := []vmconfig.ResolvedMount{
		{Source: "/host/data", Target: "/data", ReadOnly: true, Tag: "data"},
	}
	out := toDomainMounts(mounts)
	require.Len(t, out, 1)
	assert.Equal(t, "data", out[0].Tag)
	assert.Equal(t, "/host/data", out[0].Target)
	assert.True(t, out[0].ReadOnly)
}
