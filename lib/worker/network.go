package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rumvm/rum/lib/cloudinit"
	"github.com/rumvm/rum/lib/domainxml"
	"github.com/rumvm/rum/lib/rumerr"
	"github.com/rumvm/rum/lib/system"
	"github.com/rumvm/rum/lib/vmconfig"
)

// ensureSeed regenerates the cloud-init seed ISO whenever its inputs
// change, and removes any seed left over from a previous generation.
// lib/cloudinit's content-hashed filename makes regeneration idempotent
// without a separate "did anything change" check.
func (d *Dispatcher) ensureSeed(mounts []vmconfig.ResolvedMount, authorizedKey string) (string, error) {
	seedCfg := cloudinit.SeedConfig{
		Hostname:       d.Sys.Hostname(),
		User:           d.Sys.Config.Guest.User,
		Groups:         d.Sys.Config.Guest.Groups,
		AuthorizedKeys: append([]string{authorizedKey}, d.Sys.Config.SSH.AuthorizedKeys...),
		Autologin:      d.Sys.Config.Advanced.ConsoleAutologin,
		Mounts:         toCloudinitMounts(mounts),
		AgentBinary:    system.RumAgentBinary,
		NetworkConfig:  d.networkConfigEntries(),
		ForwardPorts:   toForwardPorts(d.Sys.Config.Ports),
	}

	image, hash, err := cloudinit.Build(seedCfg)
	if err != nil {
		return "", err
	}

	seedPath := d.Paths.Seed(hash)
	if _, err := os.Stat(seedPath); err == nil {
		return seedPath, nil
	}

	if err := os.WriteFile(seedPath, image, 0o644); err != nil {
		return "", rumerr.Wrap(rumerr.Io, "writing seed iso", err)
	}

	stale, _ := filepath.Glob(d.Paths.SeedGlob())
	for _, s := range stale {
		if s != seedPath {
			os.Remove(s)
		}
	}

	return seedPath, nil
}

func toForwardPorts(ports []vmconfig.PortConfig) []uint32 {
	if len(ports) == 0 {
		return nil
	}
	out := make([]uint32, len(ports))
	for i, p := range ports {
		out[i] = uint32(p.Guest)
	}
	return out
}

func toCloudinitMounts(mounts []vmconfig.ResolvedMount) []cloudinit.Mount {
	out := make([]cloudinit.Mount, len(mounts))
	for i, m := range mounts {
		out[i] = cloudinit.Mount{Tag: m.Tag, Target: m.Target, ReadOnly: m.ReadOnly}
	}
	return out
}

// networkConfigEntries builds one MAC-matched netplan entry per extra
// host-only interface; the default NAT attachment is left to cloud-init's
// own DHCP fallback, since it carries no IP hint worth pinning down.
func (d *Dispatcher) networkConfigEntries() []cloudinit.NetworkInterface {
	ifaces := d.Sys.Config.Network.Interfaces
	if len(ifaces) == 0 {
		return nil
	}

	offset := 0
	if d.Sys.Config.Network.NAT {
		offset = 1
	}

	entries := make([]cloudinit.NetworkInterface, len(ifaces))
	for i, iface := range ifaces {
		mac := domainxml.DeriveMAC(d.Sys.DisplayName(), i+offset)
		entry := cloudinit.NetworkInterface{
			Name:     fmt.Sprintf("rum%d", i),
			MatchMAC: mac,
			DHCP4:    iface.IP == "",
		}
		if iface.IP != "" {
			entry.Addresses = []string{iface.IP + "/24"}
		}
		entries[i] = entry
	}
	return entries
}

// ensureNetworks defines (or redefines) every host-only network this VM's
// interfaces reference, and pins the VM's MAC to the IP hint via DHCP
// reservation when one is given.
func (d *Dispatcher) ensureNetworks() error {
	offset := 0
	if d.Sys.Config.Network.NAT {
		offset = 1
	}

	for i, iface := range d.Sys.Config.Network.Interfaces {
		netName := domainxml.PrefixedNetworkName(d.Sys.ID, iface.Network)
		subnet := domainxml.DeriveSubnet(iface.Network, iface.IP)

		xmlDoc, err := domainxml.BuildNetwork(netName, subnet)
		if err != nil {
			return err
		}
		if err := d.HV.EnsureNetwork(netName, xmlDoc); err != nil {
			return err
		}

		if iface.IP != "" {
			mac := domainxml.DeriveMAC(d.Sys.DisplayName(), i+offset)
			hostname := fmt.Sprintf("%s-%s", d.Sys.DisplayName(), iface.Network)
			if err := d.HV.AddDHCPReservation(netName, mac, iface.IP, hostname); err != nil {
				return err
			}
		}
	}
	return nil
}
