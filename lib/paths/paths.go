// Package paths provides centralized, deterministic path construction for
// a single VM's on-disk artifacts.
//
// Directory Structure:
//
//	<user-cache>/rum/images/<filename-from-url>        (shared base image cache)
//	<user-data-local>/rum/<id>[.<name>]/                (per-VM work dir)
//	  overlay.qcow2
//	  <drive-name>.qcow2
//	  seed-<hash>.iso
//	  domain.xml
//	  rum-state.json
//	  .provisioned
//	  id_ed25519
//	  id_ed25519.pub
//	  daemon.pid
//	  daemon.sock
//	  logs/
//	    rum.log
//	    <ts>_<name>_{running|ok|failed}.log
package paths

import (
	"os"
	"path/filepath"
)

// Paths provides typed path construction scoped to one VM's work directory
// plus the shared image cache.
type Paths struct {
	cacheDir string
	workDir  string
}

// New builds a Paths rooted at the given shared cache directory and the
// per-VM work directory (already including the "<id>[.<name>]" segment).
func New(cacheDir, workDir string) *Paths {
	return &Paths{cacheDir: cacheDir, workDir: workDir}
}

// NewDefault derives cache and work roots from the user's standard
// directories, the way a CLI entrypoint would construct them.
func NewDefault(vmDirName string) (*Paths, error) {
	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		return nil, err
	}
	dataRoot, err := userDataDir()
	if err != nil {
		return nil, err
	}
	return New(
		filepath.Join(cacheRoot, "rum", "images"),
		filepath.Join(dataRoot, "rum", vmDirName),
	), nil
}

func userDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

// WorkDir returns the per-VM work directory root.
func (p *Paths) WorkDir() string {
	return p.workDir
}

// CacheImage returns the path a base image with the given URL filename
// would be cached at.
func (p *Paths) CacheImage(filename string) string {
	return filepath.Join(p.cacheDir, filename)
}

// CacheImagePartial returns the in-progress download path for a cached
// image; renamed to CacheImage on success.
func (p *Paths) CacheImagePartial(filename string) string {
	return p.CacheImage(filename) + ".part"
}

// Overlay returns the path to the per-VM root overlay disk.
func (p *Paths) Overlay() string {
	return filepath.Join(p.workDir, "overlay.qcow2")
}

// Drive returns the path to an extra named drive.
func (p *Paths) Drive(name string) string {
	return filepath.Join(p.workDir, name+".qcow2")
}

// Seed returns the path to the seed ISO for a given content hash.
func (p *Paths) Seed(hash string) string {
	return filepath.Join(p.workDir, "seed-"+hash+".iso")
}

// SeedGlob returns a glob pattern matching every seed ISO regardless of
// hash, used to find obsolete ones.
func (p *Paths) SeedGlob() string {
	return filepath.Join(p.workDir, "seed-*.iso")
}

// DomainXML returns the path to the persisted domain descriptor.
func (p *Paths) DomainXML() string {
	return filepath.Join(p.workDir, "domain.xml")
}

// ConfigPathFile returns the path to the file recording the canonical
// source config path, persisted alongside the domain descriptor.
func (p *Paths) ConfigPathFile() string {
	return filepath.Join(p.workDir, "config_path")
}

// ProvisionedMarker returns the path to the host-visible marker copied or
// observed once the guest confirms system provisioning succeeded.
func (p *Paths) ProvisionedMarker() string {
	return filepath.Join(p.workDir, ".provisioned")
}

// StateFile returns the path to the cached lifecycle metadata sidecar.
func (p *Paths) StateFile() string {
	return filepath.Join(p.workDir, "rum-state.json")
}

// SSHPrivateKey returns the path to the per-VM Ed25519 private key.
func (p *Paths) SSHPrivateKey() string {
	return filepath.Join(p.workDir, "id_ed25519")
}

// SSHPublicKey returns the path to the per-VM Ed25519 public key.
func (p *Paths) SSHPublicKey() string {
	return filepath.Join(p.workDir, "id_ed25519.pub")
}

// PIDFile returns the path to the supervisor daemon's PID file.
func (p *Paths) PIDFile() string {
	return filepath.Join(p.workDir, "daemon.pid")
}

// Socket returns the path to the supervisor daemon's RPC Unix socket.
func (p *Paths) Socket() string {
	return filepath.Join(p.workDir, "daemon.sock")
}

// LogsDir returns the per-VM logs directory.
func (p *Paths) LogsDir() string {
	return filepath.Join(p.workDir, "logs")
}

// SupervisorLog returns the path to the supervisor's own rotated log file.
func (p *Paths) SupervisorLog() string {
	return filepath.Join(p.LogsDir(), "rum.log")
}

// ScriptLog returns the path to a script's log file at the given status.
// status is one of "running", "ok", "failed".
func (p *Paths) ScriptLog(tsBasic, name, status string) string {
	return filepath.Join(p.LogsDir(), tsBasic+"_"+name+"_"+status+".log")
}

// ScriptLogGlob returns a glob pattern matching every logged run of a
// given script name, used for retention pruning.
func (p *Paths) ScriptLogGlob(name string) string {
	return filepath.Join(p.LogsDir(), "*_"+name+"_*.log")
}

// EnsureWorkDir creates the work directory and its logs subdirectory.
func (p *Paths) EnsureWorkDir() error {
	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.LogsDir(), 0o755)
}

// EnsureCacheDir creates the shared image cache directory.
func (p *Paths) EnsureCacheDir() error {
	return os.MkdirAll(p.cacheDir, 0o755)
}
