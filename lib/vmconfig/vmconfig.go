// Package vmconfig loads, validates, and resolves a VM's declarative TOML
// configuration into a SystemConfig ready for state detection and the flow
// engine.
package vmconfig

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/rumvm/rum/lib/paths"
	"github.com/rumvm/rum/lib/rumerr"
)

// MountConfig is one declared host↔guest virtiofs mount.
type MountConfig struct {
	Source   string `toml:"source"`
	Target   string `toml:"target"`
	ReadOnly bool   `toml:"readonly"`
	Tag      string `toml:"tag"`
}

// DriveConfig is one extra named disk.
type DriveConfig struct {
	Size string `toml:"size"`
}

// FsEntryConfig is one filesystem-on-drive(s) declaration.
type FsEntryConfig struct {
	Drive  string   `toml:"drive"`
	Drives []string `toml:"drives"`
	Target string   `toml:"target"`
	Mode   string   `toml:"mode"`
	Pool   string   `toml:"pool"`
}

// ImageConfig names the base image.
type ImageConfig struct {
	Base string `toml:"base"`
}

// ResourcesConfig sizes the VM.
type ResourcesConfig struct {
	CPUs         uint32 `toml:"cpus"`
	MemoryMB     uint64 `toml:"memory_mb"`
	RootDiskSize string `toml:"root_disk_size"`
}

// InterfaceConfig is one extra network attachment.
type InterfaceConfig struct {
	Network string `toml:"network"`
	IP      string `toml:"ip"`
}

// NetworkConfig controls the VM's networking.
type NetworkConfig struct {
	NAT            bool              `toml:"nat"`
	Hostname       string            `toml:"hostname"`
	WaitForIP      bool              `toml:"wait_for_ip"`
	IPWaitTimeoutS uint64            `toml:"ip_wait_timeout_s"`
	Interfaces     []InterfaceConfig `toml:"interfaces"`
}

// ProvisionScriptConfig is a single named provisioning script.
type ProvisionScriptConfig struct {
	Script string `toml:"script"`
}

// ProvisionConfig holds the optional system/boot provisioning scripts.
type ProvisionConfig struct {
	System *ProvisionScriptConfig `toml:"system"`
	Boot   *ProvisionScriptConfig `toml:"boot"`
}

// PortConfig is one host↔guest TCP port forward.
type PortConfig struct {
	Host  uint16 `toml:"host"`
	Guest uint16 `toml:"guest"`
	Bind  string `toml:"bind"`
}

// SSHConfig controls the generated OpenSSH client block.
type SSHConfig struct {
	User           string   `toml:"user"`
	ClientCommand  string   `toml:"client_command"`
	AuthorizedKeys []string `toml:"authorized_keys"`
}

// GuestConfig names the in-guest account provisioning creates.
type GuestConfig struct {
	User   string   `toml:"user"`
	Groups []string `toml:"groups"`
}

// AdvancedConfig exposes knobs most users never touch.
type AdvancedConfig struct {
	LibvirtURI       string `toml:"libvirt_uri"`
	DomainType       string `toml:"domain_type"`
	Machine          string `toml:"machine"`
	ConsoleAutologin bool   `toml:"console_autologin"`
}

// Config is the parsed, unresolved TOML document.
type Config struct {
	Image     ImageConfig              `toml:"image"`
	Resources ResourcesConfig          `toml:"resources"`
	Network   NetworkConfig            `toml:"network"`
	Provision ProvisionConfig          `toml:"provision"`
	Advanced  AdvancedConfig           `toml:"advanced"`
	Mounts    []MountConfig            `toml:"mounts"`
	Drives    map[string]DriveConfig   `toml:"drives"`
	Fs        map[string][]FsEntryConfig `toml:"fs"`
	Ports     []PortConfig             `toml:"ports"`
	SSH       SSHConfig                `toml:"ssh"`
	Guest     GuestConfig              `toml:"guest"`
}

func defaultConfig() Config {
	return Config{
		Resources: ResourcesConfig{RootDiskSize: "20G"},
		Network: NetworkConfig{
			NAT:            true,
			WaitForIP:      true,
			IPWaitTimeoutS: 120,
		},
		Advanced: AdvancedConfig{
			LibvirtURI: "qemu:///system",
			DomainType: "kvm",
			Machine:    "q35",
		},
		SSH: SSHConfig{
			User:          "rum",
			ClientCommand: "ssh",
		},
		Guest: GuestConfig{
			User: "rum",
		},
	}
}

// SystemConfig is the validated, identity-bearing configuration ready for
// resolution.
type SystemConfig struct {
	ID         string
	Name       string // "" when the config filename carries no derived name
	ConfigPath string // canonicalized
	Config     Config
}

// DisplayName is the derived name if present, otherwise the id.
func (s *SystemConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Hostname falls back to DisplayName when unset.
func (s *SystemConfig) Hostname() string {
	if s.Config.Network.Hostname != "" {
		return s.Config.Network.Hostname
	}
	return s.DisplayName()
}

// VMDirName is the work-directory segment: "<id>[.<name>]".
func (s *SystemConfig) VMDirName() string {
	if s.Name != "" {
		return s.ID + "." + s.Name
	}
	return s.ID
}

// ConfigHash hashes the JSON encoding of the resolved Config with FNV-1a,
// hex-formatted. Two loads of the same TOML produce the same hash; any
// field change changes it, which is all the cached state sidecar needs to
// notice its record was written against a config that has since been
// edited.
func (s *SystemConfig) ConfigHash() string {
	h := fnv.New64a()
	b, _ := json.Marshal(s.Config)
	h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Paths builds the path layout scoped to this VM's identity.
func (s *SystemConfig) Paths() (*paths.Paths, error) {
	p, err := paths.NewDefault(s.VMDirName())
	if err != nil {
		return nil, rumerr.Wrap(rumerr.Io, "resolving vm paths", err)
	}
	return p, nil
}

// ResolvedDrive is one extra drive with its host path and guest device
// name assigned.
type ResolvedDrive struct {
	Name string
	Size string
	Path string
	Dev  string
}

// ResolvedMount is one mount with its host source fully resolved.
type ResolvedMount struct {
	Source   string
	Target   string
	ReadOnly bool
	Tag      string
}

// FsKind distinguishes the three filesystem entry shapes.
type FsKind int

const (
	FsSimple FsKind = iota
	FsZfs
	FsBtrfs
)

// ResolvedFs is one filesystem-on-drive(s) entry with drive names mapped
// to device paths.
type ResolvedFs struct {
	Kind       FsKind
	Filesystem string // only for FsSimple
	Pool       string // only for FsZfs
	Devices    []string
	Target     string
	Mode       string
}

// LoadConfig reads, parses, validates, and identifies the config file at
// path. Unknown TOML keys are rejected.
func LoadConfig(path string) (*SystemConfig, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, rumerr.Wrap(rumerr.ConfigLoad, fmt.Sprintf("reading %s", path), err)
	}

	cfg := defaultConfig()
	meta, err := toml.Decode(string(contents), &cfg)
	if err != nil {
		return nil, rumerr.Wrap(rumerr.ConfigParse, fmt.Sprintf("parsing %s", path), err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, rumerr.New(rumerr.ConfigParse, fmt.Sprintf("unknown key(s): %s", strings.Join(keys, ", ")))
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	canonical, err := canonicalizePath(path)
	if err != nil {
		return nil, rumerr.Wrap(rumerr.ConfigLoad, fmt.Sprintf("canonicalizing %s", path), err)
	}

	name := deriveName(canonical)
	if name != "" {
		if err := validateName(name); err != nil {
			return nil, err
		}
	}

	id := configID(canonical, name)

	return &SystemConfig{ID: id, Name: name, ConfigPath: canonical, Config: cfg}, nil
}

// ResolveDrives assigns device names in sorted key order: vdb, vdc, ...
func (s *SystemConfig) ResolveDrives() ([]ResolvedDrive, error) {
	p, err := s.Paths()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(s.Config.Drives))
	for name := range s.Config.Drives {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make([]ResolvedDrive, 0, len(names))
	for i, name := range names {
		dev := fmt.Sprintf("vd%c", 'b'+byte(i))
		resolved = append(resolved, ResolvedDrive{
			Name: name,
			Size: s.Config.Drives[name].Size,
			Path: p.Drive(name),
			Dev:  dev,
		})
	}
	return resolved, nil
}

// ResolveMounts resolves mount sources relative to the config file's
// directory, handling the "." and "git" source sentinels.
func (s *SystemConfig) ResolveMounts() ([]ResolvedMount, error) {
	configDir := filepath.Dir(s.ConfigPath)
	configDir, err := canonicalizePath(configDir)
	if err != nil {
		return nil, rumerr.Wrap(rumerr.Io, fmt.Sprintf("canonicalizing config dir %s", configDir), err)
	}

	seenTags := make(map[string]bool)
	resolved := make([]ResolvedMount, 0, len(s.Config.Mounts))

	for _, m := range s.Config.Mounts {
		source, err := resolveMountSource(m.Source, configDir)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(source)
		if err != nil || !info.IsDir() {
			return nil, rumerr.New(rumerr.MountSourceNotFound, source)
		}

		tag := m.Tag
		if tag == "" {
			tag = sanitizeTag(m.Target)
		}
		if seenTags[tag] {
			return nil, rumerr.New(rumerr.Validation, fmt.Sprintf("duplicate mount tag '%s'", tag))
		}
		seenTags[tag] = true

		resolved = append(resolved, ResolvedMount{
			Source:   source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
			Tag:      tag,
		})
	}

	return resolved, nil
}

func resolveMountSource(source, configDir string) (string, error) {
	switch source {
	case ".":
		return configDir, nil
	case "git":
		cmd := exec.Command("git", "rev-parse", "--show-toplevel")
		cmd.Dir = configDir
		out, err := cmd.Output()
		if err != nil {
			return "", rumerr.Wrap(rumerr.GitRepoDetection, "running git rev-parse", err)
		}
		return strings.TrimSpace(string(out)), nil
	default:
		if filepath.IsAbs(source) {
			return source, nil
		}
		return filepath.Join(configDir, source), nil
	}
}

// ResolveFs maps each filesystem entry's drive name(s) to device paths.
// Must be called with the drives ResolveDrives produced.
func (s *SystemConfig) ResolveFs(drives []ResolvedDrive) []ResolvedFs {
	devByName := make(map[string]string, len(drives))
	for _, d := range drives {
		devByName[d.Name] = d.Dev
	}

	// Deterministic iteration: sort fs-type keys, entries keep config order.
	fsTypes := make([]string, 0, len(s.Config.Fs))
	for t := range s.Config.Fs {
		fsTypes = append(fsTypes, t)
	}
	sort.Strings(fsTypes)

	var resolved []ResolvedFs
	for _, fsType := range fsTypes {
		for _, entry := range s.Config.Fs[fsType] {
			switch fsType {
			case "zfs":
				devs := devicePaths(entry.Drives, devByName)
				pool := entry.Pool
				if pool == "" && len(entry.Drives) > 0 {
					pool = entry.Drives[0]
				}
				resolved = append(resolved, ResolvedFs{
					Kind: FsZfs, Pool: pool, Devices: devs, Target: entry.Target, Mode: entry.Mode,
				})
			case "btrfs":
				devs := devicePaths(entry.Drives, devByName)
				resolved = append(resolved, ResolvedFs{
					Kind: FsBtrfs, Devices: devs, Target: entry.Target, Mode: entry.Mode,
				})
			default:
				dev := "/dev/" + devByName[entry.Drive]
				resolved = append(resolved, ResolvedFs{
					Kind: FsSimple, Filesystem: fsType, Devices: []string{dev}, Target: entry.Target,
				})
			}
		}
	}
	return resolved
}

func devicePaths(names []string, devByName map[string]string) []string {
	devs := make([]string, len(names))
	for i, n := range names {
		devs[i] = "/dev/" + devByName[n]
	}
	return devs
}

func validateConfig(cfg *Config) error {
	if cfg.Resources.CPUs < 1 {
		return rumerr.New(rumerr.Validation, "cpus must be at least 1")
	}
	if cfg.Resources.MemoryMB < 256 {
		return rumerr.New(rumerr.Validation, "memory_mb must be at least 256")
	}

	for _, m := range cfg.Mounts {
		if !strings.HasPrefix(m.Target, "/") {
			return rumerr.New(rumerr.Validation, fmt.Sprintf("mount target must be absolute (got '%s')", m.Target))
		}
	}

	explicitTags := make(map[string]bool)
	for _, m := range cfg.Mounts {
		if m.Tag == "" {
			continue
		}
		if explicitTags[m.Tag] {
			return rumerr.New(rumerr.Validation, fmt.Sprintf("duplicate mount tag '%s'", m.Tag))
		}
		explicitTags[m.Tag] = true
	}

	for name, d := range cfg.Drives {
		if d.Size == "" {
			return rumerr.New(rumerr.Validation, fmt.Sprintf("drive '%s' must have a size", name))
		}
	}

	usedDrives := make(map[string]bool)
	fsTypes := make([]string, 0, len(cfg.Fs))
	for t := range cfg.Fs {
		fsTypes = append(fsTypes, t)
	}
	sort.Strings(fsTypes)

	for _, fsType := range fsTypes {
		for idx, entry := range cfg.Fs[fsType] {
			label := fmt.Sprintf("fs.%s[%d]", fsType, idx)

			if entry.Target == "" {
				return rumerr.New(rumerr.Validation, label+": target is required")
			}
			if !strings.HasPrefix(entry.Target, "/") {
				return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: target must be absolute (got '%s')", label, entry.Target))
			}

			switch fsType {
			case "zfs", "btrfs":
				if len(entry.Drives) == 0 {
					return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: %s requires 'drives' (list of drive names)", label, fsType))
				}
				if entry.Drive != "" {
					return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: %s uses 'drives', not 'drive'", label, fsType))
				}
				if fsType == "btrfs" && entry.Pool != "" {
					return rumerr.New(rumerr.Validation, label+": 'pool' is only valid for zfs")
				}
				for _, d := range entry.Drives {
					if _, ok := cfg.Drives[d]; !ok {
						return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: drive '%s' not found in [drives]", label, d))
					}
					if usedDrives[d] {
						return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: drive '%s' is already used by another fs entry", label, d))
					}
					usedDrives[d] = true
				}
			default:
				if entry.Drive == "" {
					return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: '%s' requires 'drive' (single drive name)", label, fsType))
				}
				if len(entry.Drives) > 0 {
					return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: '%s' uses 'drive', not 'drives'", label, fsType))
				}
				if entry.Mode != "" {
					return rumerr.New(rumerr.Validation, label+": 'mode' is only valid for zfs/btrfs")
				}
				if entry.Pool != "" {
					return rumerr.New(rumerr.Validation, label+": 'pool' is only valid for zfs")
				}
				if _, ok := cfg.Drives[entry.Drive]; !ok {
					return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: drive '%s' not found in [drives]", label, entry.Drive))
				}
				if usedDrives[entry.Drive] {
					return rumerr.New(rumerr.Validation, fmt.Sprintf("%s: drive '%s' is already used by another fs entry", label, entry.Drive))
				}
				usedDrives[entry.Drive] = true
			}
		}
	}

	for _, iface := range cfg.Network.Interfaces {
		if iface.Network == "" {
			return rumerr.New(rumerr.Validation, "network interface must have a non-empty network name")
		}
	}

	return nil
}

func validateName(name string) error {
	valid := name != "" && isAlnum(name[0])
	for i := 0; valid && i < len(name); i++ {
		c := name[i]
		if !isAlnum(c) && c != '.' && c != '_' && c != '-' {
			valid = false
		}
	}
	if !valid {
		return rumerr.New(rumerr.Validation, fmt.Sprintf("derived name must match [a-zA-Z0-9][a-zA-Z0-9._-]* (got '%s')", name))
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// sanitizeTag turns a mount target into a default tag: "/mnt/project" -> "mnt_project".
func sanitizeTag(target string) string {
	return strings.TrimLeft(strings.ReplaceAll(target, "/", "_"), "_")
}

// deriveName extracts the VM name from the config filename: "rum.toml" ->
// "", "dev.rum.toml" -> "dev", "myvm.toml" -> "myvm".
func deriveName(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "rum" {
		return ""
	}
	return strings.TrimSuffix(stem, ".rum")
}

// configID hashes the canonicalized config path plus optional name with
// FNV-1a, truncated to the low 32 bits and hex-formatted.
func configID(canonicalPath, name string) string {
	h := fnv.New64a()
	h.Write([]byte(canonicalPath))
	if name != "" {
		h.Write([]byte(name))
	}
	return fmt.Sprintf("%08x", uint32(h.Sum64()))
}

func canonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// Path may not exist yet (e.g. a mount's config directory before
	// creation); fall back to the absolute, unresolved form.
	return abs, nil
}
