package worker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/crypto/ssh"

	"github.com/rumvm/rum/lib/domainxml"
	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
	"github.com/rumvm/rum/lib/qcow2"
	"github.com/rumvm/rum/lib/rumerr"
	"github.com/rumvm/rum/lib/vmconfig"
	"github.com/rumvm/rum/lib/vmstate"
)

// prepareVm implements the PrepareVm effect: materialize every on-disk
// artifact (root overlay, extra drives, SSH keypair, cloud-init seed,
// domain descriptor) and define the libvirt domain and any host-only
// networks, without starting anything.
func (d *Dispatcher) prepareVm(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)
	_, span := tracer.Start(ctx, "worker.prepareVm")
	defer span.End()

	if err := d.Paths.EnsureWorkDir(); err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}

	var rootSize datasize.ByteSize
	if err := rootSize.UnmarshalText([]byte(d.Sys.Config.Resources.RootDiskSize)); err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: fmt.Sprintf("invalid root_disk_size: %s", err)}
	}

	if _, err := os.Stat(d.Paths.Overlay()); err != nil {
		if d.imagePath == "" {
			return flow.Event{Kind: flow.PrepareFailed, Reason: "no base image resolved before prepare"}
		}
		if err := qcow2.CreateOverlay(d.Paths.Overlay(), d.imagePath); err != nil {
			return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
		}
		log.InfoContext(ctx, "root overlay created", "path", d.Paths.Overlay(), "backing", d.imagePath)
	}

	drives, err := d.Sys.ResolveDrives()
	if err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}
	for _, drv := range drives {
		if _, err := os.Stat(drv.Path); err == nil {
			continue
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(drv.Size)); err != nil {
			return flow.Event{Kind: flow.PrepareFailed, Reason: fmt.Sprintf("invalid size for drive '%s': %s", drv.Name, err)}
		}
		if err := qcow2.CreateEmpty(drv.Path, size.Bytes()); err != nil {
			return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
		}
		log.InfoContext(ctx, "drive created", "name", drv.Name, "path", drv.Path)
	}
	d.resolvedFs = d.Sys.ResolveFs(drives)

	mounts, err := d.Sys.ResolveMounts()
	if err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}

	pubKey, err := d.ensureSSHKeypair()
	if err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}

	seedPath, err := d.ensureSeed(mounts, pubKey)
	if err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}

	if err := d.ensureNetworks(); err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}

	domSpec := domainxml.DomainSpec{
		VMName:      d.Sys.DisplayName(),
		ID:          d.Sys.ID,
		MemoryMB:    d.Sys.Config.Resources.MemoryMB,
		CPUs:        d.Sys.Config.Resources.CPUs,
		DomainType:  d.Sys.Config.Advanced.DomainType,
		MachineType: d.Sys.Config.Advanced.Machine,
		OverlayPath: d.Paths.Overlay(),
		SeedPath:    seedPath,
		Mounts:      toDomainMounts(mounts),
	}
	for _, drv := range drives {
		domSpec.Drives = append(domSpec.Drives, domainxml.DriveSpec{Path: drv.Path, Device: drv.Dev})
	}
	if d.Sys.Config.Network.NAT {
		domSpec.Interfaces = append(domSpec.Interfaces, domainxml.Interface{NAT: true})
	}
	for _, iface := range d.Sys.Config.Network.Interfaces {
		domSpec.Interfaces = append(domSpec.Interfaces, domainxml.Interface{Name: iface.Network, IPHint: iface.IP})
	}

	xmlDoc, err := domainxml.BuildDomain(domSpec)
	if err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}
	if err := os.WriteFile(d.Paths.DomainXML(), []byte(xmlDoc), 0o644); err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}
	if err := os.WriteFile(d.Paths.ConfigPathFile(), []byte(d.Sys.ConfigPath), 0o644); err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}

	if err := d.HV.DefineOrRedefine(d.Sys.DisplayName(), xmlDoc); err != nil {
		return flow.Event{Kind: flow.PrepareFailed, Reason: err.Error()}
	}

	if err := vmstate.UpdateRecord(d.Paths.StateFile(), func(rec *vmstate.Record) {
		rec.ConfigHash = d.Sys.ConfigHash()
		rec.HypervisorType = d.Sys.Config.Advanced.DomainType
		rec.PreparedAt = time.Now()
	}); err != nil {
		log.WarnContext(ctx, "failed to update state sidecar", "error", err)
	}

	log.InfoContext(ctx, "vm prepared", "overlay_bytes", rootSize.Bytes())
	return flow.Event{Kind: flow.VmPrepared}
}

func toDomainMounts(mounts []vmconfig.ResolvedMount) []domainxml.Mount {
	out := make([]domainxml.Mount, len(mounts))
	for i, m := range mounts {
		out[i] = domainxml.Mount{Tag: m.Tag, Target: m.Source, ReadOnly: m.ReadOnly}
	}
	return out
}

// ensureSSHKeypair generates the per-VM Ed25519 keypair the first time
// prepareVm runs for this VM, reusing it on every later regeneration so
// DHCP/SSH client config stays stable.
func (d *Dispatcher) ensureSSHKeypair() (pubAuthorizedKey string, err error) {
	if existing, err := os.ReadFile(d.Paths.SSHPublicKey()); err == nil {
		return string(existing), nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", rumerr.Wrap(rumerr.Io, "generating ssh keypair", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", rumerr.Wrap(rumerr.Io, "encoding ssh public key", err)
	}
	authorizedLine := string(ssh.MarshalAuthorizedKey(sshPub))

	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", rumerr.Wrap(rumerr.Io, "encoding ssh private key", err)
	}

	if err := os.WriteFile(d.Paths.SSHPrivateKey(), pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return "", rumerr.Wrap(rumerr.Io, "writing ssh private key", err)
	}
	if err := os.WriteFile(d.Paths.SSHPublicKey(), []byte(authorizedLine), 0o644); err != nil {
		return "", rumerr.Wrap(rumerr.Io, "writing ssh public key", err)
	}
	return authorizedLine, nil
}
