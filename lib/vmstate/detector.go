package vmstate

import (
	"os"
	"path/filepath"

	"github.com/rumvm/rum/lib/domainxml"
	"github.com/rumvm/rum/lib/vmconfig"
)

// DomainQuerier is the slice of hypervisor capability state detection
// needs. lib/hypervisor's libvirt-backed implementation satisfies this;
// tests can supply a fake.
type DomainQuerier interface {
	// DomainExists reports whether a domain with this name is defined.
	DomainExists(name string) (bool, error)
	// IsActive reports whether the named domain is currently running.
	IsActive(name string) (bool, error)
}

// DetectFromDisk builds the three snapshots by touching the filesystem
// and querying conn, then resolves them with Detect. This is the only
// impure entry point in the package; everything it calls downstream is a
// read.
func DetectFromDisk(sys *vmconfig.SystemConfig, conn DomainQuerier) (State, error) {
	p, err := sys.Paths()
	if err != nil {
		return Virgin, err
	}

	domainExists, err := conn.DomainExists(sys.DisplayName())
	if err != nil {
		return Virgin, err
	}
	running := false
	if domainExists {
		running, err = conn.IsActive(sys.DisplayName())
		if err != nil {
			return Virgin, err
		}
	}

	stale := false
	if running {
		stale = descriptorStale(sys, p)
	}

	artifacts := Artifacts{
		OverlayExists: fileExists(p.Overlay()),
		MarkerExists:  fileExists(p.ProvisionedMarker()),
	}
	hv := Hypervisor{DomainExists: domainExists, Running: running, Stale: stale}
	cache := Cache{ImageCached: isImageCached(sys, p)}

	return Detect(artifacts, hv, cache), nil
}

// descriptorStale regenerates the domain descriptor from the current
// config and compares it byte-for-byte against the one saved alongside
// the domain; a missing saved file counts as stale.
func descriptorStale(sys *vmconfig.SystemConfig, p interface{ DomainXML() string }) bool {
	saved, err := os.ReadFile(p.DomainXML())
	if err != nil {
		return true
	}

	drives, err := sys.ResolveDrives()
	if err != nil {
		return true
	}
	mounts, err := sys.ResolveMounts()
	if err != nil {
		return true
	}

	spec := buildDomainSpec(sys, drives, mounts)
	current, err := domainxml.BuildDomain(spec)
	if err != nil {
		return true
	}

	return string(saved) != current
}

func buildDomainSpec(sys *vmconfig.SystemConfig, drives []vmconfig.ResolvedDrive, mounts []vmconfig.ResolvedMount) domainxml.DomainSpec {
	p, _ := sys.Paths()

	spec := domainxml.DomainSpec{
		VMName:      sys.DisplayName(),
		ID:          sys.ID,
		MemoryMB:    sys.Config.Resources.MemoryMB,
		CPUs:        sys.Config.Resources.CPUs,
		DomainType:  sys.Config.Advanced.DomainType,
		MachineType: sys.Config.Advanced.Machine,
	}
	if p != nil {
		spec.OverlayPath = p.Overlay()
	}

	for _, d := range drives {
		spec.Drives = append(spec.Drives, domainxml.DriveSpec{Path: d.Path, Device: d.Dev})
	}
	for _, m := range mounts {
		spec.Mounts = append(spec.Mounts, domainxml.Mount{Tag: m.Tag, Target: m.Source, ReadOnly: m.ReadOnly})
	}

	if sys.Config.Network.NAT {
		spec.Interfaces = append(spec.Interfaces, domainxml.Interface{NAT: true})
	}
	for _, iface := range sys.Config.Network.Interfaces {
		spec.Interfaces = append(spec.Interfaces, domainxml.Interface{Name: iface.Network, IPHint: iface.IP})
	}

	return spec
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isImageCached(sys *vmconfig.SystemConfig, p vmPaths) bool {
	base := sys.Config.Image.Base
	filename := filepath.Base(base)
	return fileExists(p.CacheImage(filename))
}

// vmPaths narrows *paths.Paths to the one method isImageCached needs,
// kept as a named type only so the signature above stays readable.
type vmPaths = interface{ CacheImage(string) string }
