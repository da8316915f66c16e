// Package cloudinit assembles a cloud-init NoCloud seed: meta-data,
// user-data, and an optional network-config blob, embedded into an
// ISO 9660 image with volume label CIDATA (see lib/iso9660).
//
// The text blobs are built the way the original implementation built
// them — direct string composition rather than a YAML marshaller — so
// that quoting and escaping are exactly what the seed-hash determinism
// property requires; generic structured data (network-config) goes
// through gopkg.in/yaml.v3 instead, since no hand-rolled escaping rule
// is specified for it.
package cloudinit

import (
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rumvm/rum/lib/agent"
	"github.com/rumvm/rum/lib/iso9660"
	"github.com/rumvm/rum/lib/rumerr"
)

// Mount describes one virtiofs mount to declare in user-data.
type Mount struct {
	Tag      string
	Target   string
	ReadOnly bool
}

// NetworkInterface is one static or DHCP interface entry for
// network-config (version 2 netplan-shaped). Name is the ethernets map
// key; when MatchMAC is set the interface is matched by MAC and renamed
// to Name via set-name, so it doesn't depend on the guest kernel's
// predictable-naming scheme.
type NetworkInterface struct {
	Name        string   `yaml:"-"`
	MatchMAC    string   `yaml:"-"`
	DHCP4       bool     `yaml:"dhcp4"`
	Addresses   []string `yaml:"addresses,omitempty"`
	Gateway4    string   `yaml:"gateway4,omitempty"`
	Nameservers []string `yaml:"-"`
}

// SeedConfig is everything the seed builder needs to produce a
// deterministic cloud-init seed for one VM.
type SeedConfig struct {
	Hostname        string
	User            string
	Groups          []string
	AuthorizedKeys  []string
	Autologin       bool
	Mounts          []Mount
	AgentBinary     []byte
	NetworkConfig   []NetworkInterface // empty -> no network-config file
	ForwardPorts    []uint32           // guest ports the agent proxies from vsock, see §4.7
}

const agentDestPath = "/usr/local/bin/rum-agent"

// ForwardPortsPath re-exports agent.ForwardPortsPath: the guest-side
// package owns the path contract, cloudinit just needs its value to
// write the file cmd/rum-agent reads back on boot.
const ForwardPortsPath = agent.ForwardPortsPath

// MetaData renders the meta-data blob: instance-id and local-hostname
// both set to the VM's configured hostname.
func MetaData(hostname string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance-id: %s\n", hostname)
	fmt.Fprintf(&b, "local-hostname: %s\n", hostname)
	return b.String()
}

// UserData renders the cloud-config user-data document.
func UserData(cfg SeedConfig) string {
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("users:\n")
	fmt.Fprintf(&b, "  - name: %s\n", cfg.User)
	b.WriteString("    lock_passwd: true\n")
	b.WriteString("    shell: /bin/bash\n")
	b.WriteString("    sudo: ALL=(ALL) NOPASSWD:ALL\n")
	if len(cfg.Groups) > 0 {
		b.WriteString("    groups:\n")
		for _, g := range cfg.Groups {
			fmt.Fprintf(&b, "      - %s\n", yamlQuote(g))
		}
	}
	if len(cfg.AuthorizedKeys) > 0 {
		b.WriteString("    ssh_authorized_keys:\n")
		for _, k := range cfg.AuthorizedKeys {
			fmt.Fprintf(&b, "      - %s\n", yamlQuote(k))
		}
	}

	if cfg.Autologin {
		b.WriteString("write_files:\n")
		b.WriteString("  - path: /etc/systemd/system/serial-getty@ttyS0.service.d/autologin.conf\n")
		b.WriteString("    permissions: \"0644\"\n")
		b.WriteString("    content: |\n")
		writeIndentedBlock(&b, "      ", fmt.Sprintf(
			"[Service]\nExecStart=\nExecStart=-/sbin/agetty --autologin %s --noclear %%I $TERM\n", cfg.User))
	}

	if len(cfg.Mounts) > 0 {
		b.WriteString("mounts:\n")
		for _, m := range cfg.Mounts {
			opts := "rw"
			if m.ReadOnly {
				opts = "ro"
			}
			fmt.Fprintf(&b, "  - [%s, %s, virtiofs, %s]\n", yamlQuote(m.Tag), yamlQuote(m.Target), opts)
		}
	}

	if len(cfg.AgentBinary) > 0 {
		b.WriteString("write_files:\n")
		fmt.Fprintf(&b, "  - path: %s\n", agentDestPath)
		b.WriteString("    encoding: b64\n")
		b.WriteString("    permissions: \"0755\"\n")
		b.WriteString("    content: " + yamlQuote(base64Encode(cfg.AgentBinary)) + "\n")
		b.WriteString("  - path: /etc/systemd/system/rum-agent.service\n")
		b.WriteString("    permissions: \"0644\"\n")
		b.WriteString("    content: |\n")
		writeIndentedBlock(&b, "      ", agentUnit)
		if len(cfg.ForwardPorts) > 0 {
			b.WriteString("  - path: " + ForwardPortsPath + "\n")
			b.WriteString("    permissions: \"0644\"\n")
			b.WriteString("    content: |\n")
			var ports strings.Builder
			for _, p := range cfg.ForwardPorts {
				fmt.Fprintf(&ports, "%d\n", p)
			}
			writeIndentedBlock(&b, "      ", strings.TrimSuffix(ports.String(), "\n"))
		}
		b.WriteString("runcmd:\n")
		b.WriteString("  - [\"systemctl\", \"daemon-reload\"]\n")
		b.WriteString("  - [\"systemctl\", \"enable\", \"--now\", \"rum-agent.service\"]\n")
	}

	return b.String()
}

const agentUnit = `[Unit]
Description=rum in-guest agent
After=network.target

[Service]
ExecStart=/usr/local/bin/rum-agent
Restart=always
RestartSec=1

[Install]
WantedBy=multi-user.target
`

// NetworkConfigYAML renders an optional netplan-shaped network-config
// document. Returns ok=false if cfg declares no interfaces (the file is
// then omitted entirely, per §4.3).
func NetworkConfigYAML(cfg SeedConfig) (doc string, ok bool) {
	if len(cfg.NetworkConfig) == 0 {
		return "", false
	}

	ethernets := map[string]any{}
	for _, iface := range cfg.NetworkConfig {
		entry := map[string]any{"dhcp4": iface.DHCP4}
		if iface.MatchMAC != "" {
			entry["match"] = map[string]any{"macaddress": iface.MatchMAC}
			entry["set-name"] = iface.Name
		}
		if len(iface.Addresses) > 0 {
			entry["addresses"] = iface.Addresses
		}
		if iface.Gateway4 != "" {
			entry["gateway4"] = iface.Gateway4
		}
		if len(iface.Nameservers) > 0 {
			entry["nameservers"] = map[string]any{"addresses": iface.Nameservers}
		}
		ethernets[iface.Name] = entry
	}

	doc2 := map[string]any{
		"network": map[string]any{
			"version":   2,
			"ethernets": ethernets,
		},
	}
	out, err := yaml.Marshal(doc2)
	if err != nil {
		// yaml.Marshal over plain maps/slices/strings cannot fail.
		panic(err)
	}
	return string(out), true
}

// SeedHash computes a deterministic FNV-1a hash over the concatenated
// blobs, used to invalidate the cached seed filename whenever inputs
// change.
func SeedHash(blobs ...string) string {
	h := fnv.New64a()
	for _, b := range blobs {
		h.Write([]byte(b))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Files renders the three text blobs for cfg into iso9660.File entries
// plus the hash those blobs produce.
func Files(cfg SeedConfig) (files []iso9660.File, hash string) {
	meta := MetaData(cfg.Hostname)
	user := UserData(cfg)
	blobs := []string{meta, user}

	files = []iso9660.File{
		{Name: "meta-data", Data: []byte(meta)},
		{Name: "user-data", Data: []byte(user)},
	}

	if net, ok := NetworkConfigYAML(cfg); ok {
		blobs = append(blobs, net)
		files = append(files, iso9660.File{Name: "network-config", Data: []byte(net)})
	}

	return files, SeedHash(blobs...)
}

// Build renders cfg's blobs and assembles the CIDATA seed ISO.
func Build(cfg SeedConfig) (image []byte, hash string, err error) {
	files, hash := Files(cfg)
	image, err = iso9660.Build("CIDATA", files)
	if err != nil {
		return nil, "", rumerr.Wrap(rumerr.Io, "building seed iso", err)
	}
	return image, hash, nil
}

// yamlQuote double-quotes s the way YAML scalar quoting requires:
// backslashes and double quotes escaped.
func yamlQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func writeIndentedBlock(b *strings.Builder, indent, block string) {
	for _, line := range strings.Split(block, "\n") {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
