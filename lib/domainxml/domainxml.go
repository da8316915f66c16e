// Package domainxml builds libvirt domain and network XML descriptors
// from a VM's resolved configuration, and extracts the hypervisor-
// assigned vsock context ID back out of a live domain descriptor.
//
// Descriptors are built from typed libvirtxml structs rather than string
// templating.
package domainxml

import (
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/rumvm/rum/lib/rumerr"
)

// Mount is one resolved virtiofs mount to attach to the domain.
type Mount struct {
	Tag      string
	Target   string
	ReadOnly bool
}

// Interface is one resolved network attachment. Name "" with NAT=true is
// the default outbound NAT network; otherwise Name identifies one of the
// VM's extra host-only networks (unprefixed).
type Interface struct {
	Name    string
	NAT     bool
	IPHint  string // optional static IP, used only to derive the subnet
}

// DomainSpec is everything the builder needs to render one VM's domain
// descriptor.
type DomainSpec struct {
	VMName      string
	ID          string // stable 8-hex VM identity, used to prefix network names
	MemoryMB    uint64
	CPUs        uint32
	DomainType  string // e.g. "kvm"
	MachineType string // e.g. "q35"
	OverlayPath string
	SeedPath    string
	Drives      []DriveSpec
	Interfaces  []Interface
	Mounts      []Mount
}

// DriveSpec is one extra drive attached beyond the root overlay.
type DriveSpec struct {
	Path   string
	Device string // e.g. "vdb"
}

// PrefixedNetworkName builds the libvirt network name for one of a VM's
// extra host-only networks: "rum-<id>-<name>".
func PrefixedNetworkName(id, name string) string {
	return fmt.Sprintf("rum-%s-%s", id, name)
}

// DeriveMAC computes a deterministic MAC address from the VM name and
// interface index, stable across domain XML regenerations so DHCP
// reservations survive them.
func DeriveMAC(vmName string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", vmName, index)))
	return fmt.Sprintf("52:54:%02x:%02x:%02x:%02x", sum[0], sum[1], sum[2], sum[3])
}

// DeriveSubnet returns the first three octets of a /24 subnet for a
// host-only network. If ipHint carries an IP, its first three octets are
// used; otherwise a deterministic hash of the network name picks a third
// octet in [2, 254].
func DeriveSubnet(name, ipHint string) string {
	if ipHint != "" {
		if idx := strings.LastIndexByte(ipHint, '.'); idx >= 0 {
			return ipHint[:idx]
		}
	}
	var hash uint32 = 5381
	for _, b := range []byte(name) {
		hash = hash*33 + uint32(b)
	}
	octet := (hash % 253) + 2
	return fmt.Sprintf("192.168.%d", octet)
}

// BuildDomain renders the libvirt domain XML for spec.
func BuildDomain(spec DomainSpec) (string, error) {
	devices := &libvirtxml.DomainDeviceList{
		Disks: []libvirtxml.DomainDisk{
			{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
				Source: &libvirtxml.DomainDiskSource{
					File: &libvirtxml.DomainDiskSourceFile{File: spec.OverlayPath},
				},
				Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
			},
			{
				Device: "cdrom",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
				Source: &libvirtxml.DomainDiskSource{
					File: &libvirtxml.DomainDiskSourceFile{File: spec.SeedPath},
				},
				Target:   &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
				ReadOnly: &libvirtxml.DomainDiskReadOnly{},
			},
		},
		Serials: []libvirtxml.DomainSerial{
			{Target: &libvirtxml.DomainSerialTarget{Port: uintPtr(0)}},
		},
		Consoles: []libvirtxml.DomainConsole{
			{Target: &libvirtxml.DomainConsoleTarget{Type: "serial", Port: uintPtr(0)}},
		},
		VSocks: []libvirtxml.DomainVSock{
			{CID: &libvirtxml.DomainVSockCID{Auto: "yes"}},
		},
	}

	for i, d := range spec.Drives {
		devices.Disks = append(devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: d.Path},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: driveOrDefault(d.Device, i), Bus: "virtio"},
		})
	}

	for i, iface := range spec.Interfaces {
		mac := DeriveMAC(spec.VMName, i)
		var source *libvirtxml.DomainInterfaceSource
		if iface.NAT {
			source = &libvirtxml.DomainInterfaceSource{Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: "default"}}
		} else {
			netName := PrefixedNetworkName(spec.ID, iface.Name)
			source = &libvirtxml.DomainInterfaceSource{Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: netName}}
		}
		devices.Interfaces = append(devices.Interfaces, libvirtxml.DomainInterface{
			Source: source,
			MAC:    &libvirtxml.DomainInterfaceMAC{Address: mac},
			Model:  &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		})
	}

	for _, m := range spec.Mounts {
		accessMode := "passthrough"
		fs := libvirtxml.DomainFilesystem{
			AccessMode: accessMode,
			Driver:     &libvirtxml.DomainFilesystemDriver{Type: "virtiofs"},
			Source:     &libvirtxml.DomainFilesystemSource{Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: m.Target}},
			Target:     &libvirtxml.DomainFilesystemTarget{Dir: m.Tag},
		}
		if m.ReadOnly {
			fs.ReadOnly = &libvirtxml.DomainFilesystemReadOnly{}
		}
		devices.Filesystems = append(devices.Filesystems, fs)
	}

	domain := &libvirtxml.Domain{
		Type: spec.DomainType,
		Name: spec.VMName,
		Memory: &libvirtxml.DomainMemory{
			Value: spec.MemoryMB * 1024,
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{Value: spec.CPUs},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{Arch: "x86_64", Machine: spec.MachineType, Type: "hvm"},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		Devices: devices,
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", rumerr.Wrap(rumerr.Validation, "marshaling domain xml", err)
	}
	return out, nil
}

// BuildNetwork renders libvirt network XML for a host-only network with
// DHCP, named name, on the given /24 subnet prefix (e.g. "192.168.50").
func BuildNetwork(name, subnetPrefix string) (string, error) {
	net := &libvirtxml.Network{
		Name: name,
		IPs: []libvirtxml.NetworkIP{
			{
				Address: subnetPrefix + ".1",
				Netmask: "255.255.255.0",
				DHCPs: []libvirtxml.NetworkDHCP{
					{
						Ranges: []libvirtxml.NetworkDHCPRange{
							{Start: subnetPrefix + ".100", End: subnetPrefix + ".254"},
						},
					},
				},
			},
		},
	}
	out, err := net.Marshal()
	if err != nil {
		return "", rumerr.Wrap(rumerr.Validation, "marshaling network xml", err)
	}
	return out, nil
}

// ParseVsockCID extracts the hypervisor-assigned vsock context ID from a
// live domain descriptor (the only identifier needed to reach the agent).
func ParseVsockCID(liveXML string) (uint32, error) {
	var domain libvirtxml.Domain
	if err := xml.Unmarshal([]byte(liveXML), &domain); err != nil {
		return 0, rumerr.Wrap(rumerr.Libvirt, "parsing live domain xml", err)
	}
	if domain.Devices == nil || len(domain.Devices.VSocks) == 0 || domain.Devices.VSocks[0].CID == nil {
		return 0, rumerr.New(rumerr.Libvirt, "domain descriptor has no vsock CID")
	}
	cidStr := domain.Devices.VSocks[0].CID.Address
	if cidStr == "" {
		return 0, rumerr.New(rumerr.Libvirt, "vsock CID not yet assigned")
	}
	cid, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return 0, rumerr.Wrap(rumerr.Libvirt, "parsing vsock CID", err)
	}
	return uint32(cid), nil
}

func driveOrDefault(dev string, i int) string {
	if dev != "" {
		return dev
	}
	return fmt.Sprintf("vd%c", 'b'+byte(i))
}

func uintPtr(v uint) *uint {
	return &v
}
