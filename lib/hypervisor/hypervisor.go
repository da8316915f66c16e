// Package hypervisor wraps a libvirt connection with the narrow set of
// domain/network operations the flow workers need: define, start, stop,
// undefine, query, and vsock CID extraction.
//
// Backed by github.com/digitalocean/go-libvirt, a pure-Go libvirt RPC
// client, with one connection owning the qemu process lifecycle for its
// domains.
package hypervisor

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/rumvm/rum/lib/domainxml"
	"github.com/rumvm/rum/lib/rumerr"
)

// VMState mirrors the subset of libvirt domain states this system
// distinguishes.
type VMState string

const (
	StateCreated  VMState = "created" // no domain by this name is defined
	StateRunning  VMState = "running"
	StateShutdown VMState = "shutdown" // defined, not running
)

// VMInfo is the state snapshot a caller needs from a domain lookup.
type VMInfo struct {
	State VMState
	// VsockCID is zero if the domain has no vsock device or is not
	// running (CID is only assigned to an active domain).
	VsockCID uint32
}

// Capabilities reports what this hypervisor backend supports. Always
// vsock+vsock-based connect for a libvirt/KVM backend; kept as a struct
// (rather than a bare bool) so other backends (e.g. a future
// Cloud-Hypervisor adapter) can report a narrower set without touching
// every caller's signature.
type Capabilities struct {
	SupportsVsock bool
}

// Hypervisor is a single connection to libvirtd, scoped to one VM's
// domain and its auto-created networks.
type Hypervisor struct {
	conn *libvirt.Libvirt
	uri  string
}

// Connect dials the libvirt daemon at uri (e.g. "qemu:///system") over
// its local Unix socket and performs the RPC handshake.
//
// ctx is unused beyond validating uri; go-libvirt's dialer has no
// context-aware Connect, matching the other pack libvirt adapters.
func Connect(_ context.Context, uri string) (*Hypervisor, error) {
	sockPath, err := socketPathForURI(uri)
	if err != nil {
		return nil, err
	}

	l := libvirt.NewWithDialer(dialers.NewLocal(dialers.WithSocket(sockPath)))
	if err := l.Connect(); err != nil {
		return nil, rumerr.Wrapf(rumerr.Libvirt, err, "connecting to libvirtd at %s", sockPath)
	}

	return &Hypervisor{conn: l, uri: uri}, nil
}

// Close ends the libvirt connection.
func (h *Hypervisor) Close() error {
	return h.conn.Disconnect()
}

func (h *Hypervisor) Capabilities() Capabilities {
	return Capabilities{SupportsVsock: true}
}

// DomainExists reports whether a domain with this name is defined,
// satisfying vmstate.DomainQuerier.
func (h *Hypervisor) DomainExists(name string) (bool, error) {
	_, err := h.conn.DomainLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
	}
	return true, nil
}

// IsActive reports whether the named domain is currently running,
// satisfying vmstate.DomainQuerier.
func (h *Hypervisor) IsActive(name string) (bool, error) {
	dom, err := h.conn.DomainLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
	}
	active, err := h.conn.DomainIsActive(dom)
	if err != nil {
		return false, rumerr.Wrapf(rumerr.Libvirt, err, "querying active state of %s", name)
	}
	return active == 1, nil
}

// DefineOrRedefine defines a new domain from xml, or — if one by this
// name already exists and is not running — undefines and redefines it.
// A running domain is left untouched and a RequiresRestart error is
// returned; the existing descriptor is not compared with xml.
func (h *Hypervisor) DefineOrRedefine(name, xml string) error {
	existing, err := h.conn.DomainLookupByName(name)
	if err != nil {
		if !isNotFound(err) {
			return rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
		}
		if _, err := h.conn.DomainDefineXML(xml); err != nil {
			return rumerr.Wrapf(rumerr.Libvirt, err, "defining domain %s", name)
		}
		return nil
	}

	active, err := h.conn.DomainIsActive(existing)
	if err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "querying active state of %s", name)
	}
	if active == 1 {
		return rumerr.New(rumerr.RequiresRestart, fmt.Sprintf("domain %s is running; redefine requires a restart", name))
	}

	if err := h.conn.DomainUndefine(existing); err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "undefining domain %s", name)
	}
	if _, err := h.conn.DomainDefineXML(xml); err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "redefining domain %s", name)
	}
	return nil
}

// Start creates (boots) the named domain if it isn't already running.
func (h *Hypervisor) Start(name string) error {
	dom, err := h.conn.DomainLookupByName(name)
	if err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
	}
	active, err := h.conn.DomainIsActive(dom)
	if err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "querying active state of %s", name)
	}
	if active == 1 {
		return nil
	}
	if err := h.conn.DomainCreate(dom); err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "starting domain %s", name)
	}
	return nil
}

// Shutdown requests a graceful ACPI shutdown of the named domain.
func (h *Hypervisor) Shutdown(name string) error {
	dom, err := h.conn.DomainLookupByName(name)
	if err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
	}
	if err := h.conn.DomainShutdown(dom); err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "shutting down domain %s", name)
	}
	return nil
}

// Destroy force-stops a running domain and undefines it. Missing domain
// or network state is treated as already-torn-down, not an error.
func (h *Hypervisor) Destroy(name string) error {
	dom, err := h.conn.DomainLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
	}

	if active, err := h.conn.DomainIsActive(dom); err == nil && active == 1 {
		_ = h.conn.DomainDestroy(dom)
	}
	if err := h.conn.DomainUndefine(dom); err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "undefining domain %s", name)
	}
	return nil
}

// Info reads the live state and vsock CID of a domain. VsockCID is zero
// if the domain isn't running or carries no vsock device.
func (h *Hypervisor) Info(name string) (VMInfo, error) {
	dom, err := h.conn.DomainLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return VMInfo{State: StateCreated}, nil
		}
		return VMInfo{}, rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
	}

	active, err := h.conn.DomainIsActive(dom)
	if err != nil {
		return VMInfo{}, rumerr.Wrapf(rumerr.Libvirt, err, "querying active state of %s", name)
	}
	if active != 1 {
		return VMInfo{State: StateShutdown}, nil
	}

	xmlDesc, err := h.conn.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return VMInfo{}, rumerr.Wrapf(rumerr.Libvirt, err, "reading live XML for %s", name)
	}
	cid, _ := domainxml.ParseVsockCID(xmlDesc)

	return VMInfo{State: StateRunning, VsockCID: cid}, nil
}

// EnsureNetwork makes sure a network by this name exists and is active,
// defining it from xml if it doesn't exist yet.
func (h *Hypervisor) EnsureNetwork(name, xml string) error {
	net, err := h.conn.NetworkLookupByName(name)
	if err != nil {
		if !isNotFound(err) {
			return rumerr.Wrapf(rumerr.Libvirt, err, "looking up network %s", name)
		}
		net, err = h.conn.NetworkDefineXML(xml)
		if err != nil {
			return rumerr.Wrapf(rumerr.Libvirt, err, "defining network %s", name)
		}
		if err := h.conn.NetworkCreate(net); err != nil {
			return rumerr.Wrapf(rumerr.Libvirt, err, "starting network %s", name)
		}
		return nil
	}

	active, err := h.conn.NetworkIsActive(net)
	if err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "querying active state of network %s", name)
	}
	if active != 1 {
		if err := h.conn.NetworkCreate(net); err != nil {
			return rumerr.Wrapf(rumerr.Libvirt, err, "starting network %s", name)
		}
	}
	return nil
}

// AddDHCPReservation adds (or, if one already exists for this MAC,
// updates) a static DHCP host entry on an auto-created network.
func (h *Hypervisor) AddDHCPReservation(networkName, mac, ip, hostname string) error {
	net, err := h.conn.NetworkLookupByName(networkName)
	if err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "looking up network %s", networkName)
	}

	hostXML := fmt.Sprintf("<host mac='%s' name='%s' ip='%s'/>", mac, hostname, ip)
	flags := libvirt.NetworkUpdateAffectLive | libvirt.NetworkUpdateAffectConfig

	err = h.conn.NetworkUpdate(net, libvirt.NetworkUpdateCommandAddLast, libvirt.NetworkSectionIPDhcpHost, -1, hostXML, flags)
	if err != nil {
		err = h.conn.NetworkUpdate(net, libvirt.NetworkUpdateCommandModify, libvirt.NetworkSectionIPDhcpHost, -1, hostXML, flags)
		if err != nil {
			return rumerr.Wrapf(rumerr.Libvirt, err, "setting DHCP reservation on %s", networkName)
		}
	}
	return nil
}

// DestroyNetwork stops and undefines an auto-created network, tolerating
// one that's already gone.
func (h *Hypervisor) DestroyNetwork(name string) error {
	net, err := h.conn.NetworkLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return rumerr.Wrapf(rumerr.Libvirt, err, "looking up network %s", name)
	}
	if active, err := h.conn.NetworkIsActive(net); err == nil && active == 1 {
		_ = h.conn.NetworkDestroy(net)
	}
	if err := h.conn.NetworkUndefine(net); err != nil {
		return rumerr.Wrapf(rumerr.Libvirt, err, "undefining network %s", name)
	}
	return nil
}

// InterfaceAddresses returns every lease address libvirt's DHCP server
// has recorded for the named domain's interfaces. Empty, not an error,
// when the domain isn't running or holds no leases yet.
//
// Reads the network's DHCP lease table (VIR_DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
// rather than querying the guest itself, which would need qemu-guest-agent
// instead of just vsock.
func (h *Hypervisor) InterfaceAddresses(name string) ([]string, error) {
	dom, err := h.conn.DomainLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, rumerr.Wrapf(rumerr.Libvirt, err, "looking up domain %s", name)
	}

	active, err := h.conn.DomainIsActive(dom)
	if err != nil {
		return nil, rumerr.Wrapf(rumerr.Libvirt, err, "querying active state of %s", name)
	}
	if active != 1 {
		return nil, nil
	}

	ifaces, err := h.conn.DomainInterfaceAddresses(dom, libvirt.DomainInterfaceAddressesSrcLease, 0)
	if err != nil {
		return nil, rumerr.Wrapf(rumerr.Libvirt, err, "reading interface leases for %s", name)
	}

	var ips []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ips = append(ips, addr.Addr)
		}
	}
	return ips, nil
}

func isNotFound(err error) bool {
	return libvirt.IsNotFound(err)
}

func socketPathForURI(uri string) (string, error) {
	switch uri {
	case "qemu:///system":
		return "/var/run/libvirt/libvirt-sock", nil
	case "qemu:///session":
		return "", rumerr.New(rumerr.Validation, "qemu:///session is not supported; this system always connects to the system instance")
	default:
		return "", rumerr.New(rumerr.Validation, fmt.Sprintf("unsupported libvirt URI %q", uri))
	}
}
