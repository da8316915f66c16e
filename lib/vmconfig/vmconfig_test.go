package vmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalConfig = `
[image]
base = "ubuntu.img"

[resources]
cpus = 1
memory_mb = 512
`

func TestDeriveName(t *testing.T) {
	assert.Equal(t, "", deriveName("/some/path/rum.toml"))
	assert.Equal(t, "dev", deriveName("/some/path/dev.rum.toml"))
	assert.Equal(t, "myvm", deriveName("/some/path/myvm.toml"))
}

func TestConfigID_Deterministic(t *testing.T) {
	id1 := configID("/a/b/rum.toml", "")
	id2 := configID("/a/b/rum.toml", "")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 8)
}

func TestConfigID_DiffersByNameAndPath(t *testing.T) {
	base := configID("/a/b/rum.toml", "")
	withName := configID("/a/b/dev.rum.toml", "dev")
	otherPath := configID("/c/rum.toml", "")
	assert.NotEqual(t, base, withName)
	assert.NotEqual(t, base, otherPath)
}

func TestConfigHash_DeterministicAndSensitiveToChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rum.toml", minimalConfig)
	sys, err := LoadConfig(path)
	require.NoError(t, err)

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, sys.ConfigHash(), again.ConfigHash())

	editedConfig := `
[image]
base = "ubuntu.img"

[resources]
cpus = 2
memory_mb = 512
`
	edited := writeConfig(t, dir, "other.toml", editedConfig)
	changed, err := LoadConfig(edited)
	require.NoError(t, err)
	assert.NotEqual(t, sys.ConfigHash(), changed.ConfigHash())
}

func TestValidateName(t *testing.T) {
	for _, n := range []string{"myvm", "test-vm", "vm.dev", "VM_01", "a"} {
		assert.NoError(t, validateName(n), n)
	}
	for _, n := range []string{"", "-bad", ".bad", "_bad", "a/b", "hello world"} {
		assert.Error(t, validateName(n), n)
	}
}

func TestLoadConfig_FilenameIdentity(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "rum.toml", minimalConfig)
	writeConfig(t, dir, "dev.rum.toml", minimalConfig)

	plain, err := LoadConfig(filepath.Join(dir, "rum.toml"))
	require.NoError(t, err)
	dev, err := LoadConfig(filepath.Join(dir, "dev.rum.toml"))
	require.NoError(t, err)

	assert.Equal(t, "", plain.Name)
	assert.Equal(t, plain.ID, plain.DisplayName())
	assert.Equal(t, "dev", dev.Name)
	assert.Equal(t, "dev", dev.DisplayName())
	assert.NotEqual(t, plain.ID, dev.ID)
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rum.toml", minimalConfig+"\nbogus_top_level = true\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_RejectsZeroCpus(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rum.toml", `
[image]
base = "ubuntu.img"

[resources]
cpus = 0
memory_mb = 512
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rum.toml", minimalConfig)
	sc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, sc.Config.Network.NAT)
	assert.Equal(t, uint64(120), sc.Config.Network.IPWaitTimeoutS)
	assert.Equal(t, "kvm", sc.Config.Advanced.DomainType)
	assert.Equal(t, "q35", sc.Config.Advanced.Machine)
	assert.Equal(t, "rum", sc.Config.SSH.User)
}

func TestLoadConfig_NetworkInterfaces(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rum.toml", minimalConfig+`
[network]
nat = false

[[network.interfaces]]
network = "rum-hostonly"
ip = "192.168.50.10"

[[network.interfaces]]
network = "dev-net"
`)
	sc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, sc.Config.Network.NAT)
	require.Len(t, sc.Config.Network.Interfaces, 2)
	assert.Equal(t, "rum-hostonly", sc.Config.Network.Interfaces[0].Network)
	assert.Equal(t, "192.168.50.10", sc.Config.Network.Interfaces[0].IP)
	assert.Empty(t, sc.Config.Network.Interfaces[1].IP)
}

func TestLoadConfig_RejectsEmptyInterfaceNetwork(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rum.toml", minimalConfig+`
[[network.interfaces]]
network = ""
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestResolveFs_Simple(t *testing.T) {
	sc := &SystemConfig{
		ID:         "deadbeef",
		ConfigPath: "/tmp/rum.toml",
		Config: Config{
			Drives: map[string]DriveConfig{"data": {Size: "20G"}},
			Fs: map[string][]FsEntryConfig{
				"ext4": {{Drive: "data", Target: "/mnt/data"}},
			},
		},
	}
	drives, err := sc.ResolveDrives()
	require.NoError(t, err)
	require.Len(t, drives, 1)
	assert.Equal(t, "vdb", drives[0].Dev)

	fs := sc.ResolveFs(drives)
	require.Len(t, fs, 1)
	assert.Equal(t, FsSimple, fs[0].Kind)
	assert.Equal(t, "ext4", fs[0].Filesystem)
	assert.Equal(t, []string{"/dev/vdb"}, fs[0].Devices)
	assert.Equal(t, "/mnt/data", fs[0].Target)
}

func TestResolveFs_Zfs(t *testing.T) {
	sc := &SystemConfig{
		ID:         "deadbeef",
		ConfigPath: "/tmp/rum.toml",
		Config: Config{
			Drives: map[string]DriveConfig{
				"logs1": {Size: "50G"},
				"logs2": {Size: "50G"},
			},
			Fs: map[string][]FsEntryConfig{
				"zfs": {{Drives: []string{"logs1", "logs2"}, Target: "/mnt/logs", Mode: "mirror"}},
			},
		},
	}
	drives, err := sc.ResolveDrives()
	require.NoError(t, err)
	require.Len(t, drives, 2)
	assert.Equal(t, "vdb", drives[0].Dev)
	assert.Equal(t, "vdc", drives[1].Dev)

	fs := sc.ResolveFs(drives)
	require.Len(t, fs, 1)
	assert.Equal(t, FsZfs, fs[0].Kind)
	assert.Equal(t, "logs1", fs[0].Pool)
	assert.Len(t, fs[0].Devices, 2)
	assert.Equal(t, "mirror", fs[0].Mode)
}

func TestValidateConfig_FsRules(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing target", Config{Resources: ResourcesConfig{CPUs: 1, MemoryMB: 256},
			Drives: map[string]DriveConfig{"d": {Size: "10G"}},
			Fs:     map[string][]FsEntryConfig{"ext4": {{Drive: "d", Target: ""}}}}},
		{"nonexistent drive", Config{Resources: ResourcesConfig{CPUs: 1, MemoryMB: 256},
			Fs: map[string][]FsEntryConfig{"ext4": {{Drive: "nope", Target: "/mnt/data"}}}}},
		{"duplicate drive", Config{Resources: ResourcesConfig{CPUs: 1, MemoryMB: 256},
			Drives: map[string]DriveConfig{"d": {Size: "10G"}},
			Fs: map[string][]FsEntryConfig{"ext4": {
				{Drive: "d", Target: "/mnt/a"},
				{Drive: "d", Target: "/mnt/b"},
			}}}},
		{"simple with drives", Config{Resources: ResourcesConfig{CPUs: 1, MemoryMB: 256},
			Drives: map[string]DriveConfig{"d": {Size: "10G"}},
			Fs:     map[string][]FsEntryConfig{"ext4": {{Drives: []string{"d"}, Target: "/mnt/data"}}}}},
		{"zfs with drive", Config{Resources: ResourcesConfig{CPUs: 1, MemoryMB: 256},
			Drives: map[string]DriveConfig{"d": {Size: "10G"}},
			Fs:     map[string][]FsEntryConfig{"zfs": {{Drive: "d", Target: "/mnt/data"}}}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Error(t, validateConfig(&c.cfg))
		})
	}
}

func TestSanitizeTag(t *testing.T) {
	assert.Equal(t, "mnt_project", sanitizeTag("/mnt/project"))
}

func TestResolveMounts_DotResolvesToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rum.toml", minimalConfig+`
[[mounts]]
source = "."
target = "/mnt/work"
`)
	sc, err := LoadConfig(path)
	require.NoError(t, err)
	mounts, err := sc.ResolveMounts()
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	resolvedDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolvedDir, mounts[0].Source)
	assert.Equal(t, "mnt_work", mounts[0].Tag)
}

func TestResolveMounts_RejectsDuplicateTags(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	path := writeConfig(t, dir, "rum.toml", minimalConfig+`
[[mounts]]
source = "."
target = "/mnt/a"

[[mounts]]
source = "sub"
target = "/mnt/a"
`)
	sc, err := LoadConfig(path)
	require.NoError(t, err)
	_, err = sc.ResolveMounts()
	require.Error(t, err)
}
