package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumvm/rum/lib/vmconfig"
)

func TestNetworkConfigEntries_EmptyWhenNoExtraInterfaces(t *testing.T) {
	sys := &vmconfig.SystemConfig{Name: "vm"}
	d := &Dispatcher{Sys: sys}
	assert.Nil(t, d.networkConfigEntries())
}

func TestNetworkConfigEntries_MatchesByMACWithStaticIP(t *testing.T) {
	sys := &vmconfig.SystemConfig{
		Name: "vm",
		Config: vmconfig.Config{
			Network: vmconfig.NetworkConfig{
				NAT:        true,
				Interfaces: []vmconfig.InterfaceConfig{{Network: "private", IP: "192.168.50.10"}},
			},
		},
	}
	d := &Dispatcher{Sys: sys}

	entries := d.networkConfigEntries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].DHCP4)
	assert.Equal(t, []string{"192.168.50.10/24"}, entries[0].Addresses)
	assert.NotEmpty(t, entries[0].MatchMAC)
}

func TestNetworkConfigEntries_DHCPWhenNoIPHint(t *testing.T) {
	sys := &vmconfig.SystemConfig{
		Name: "vm",
		Config: vmconfig.Config{
			Network: vmconfig.NetworkConfig{
				Interfaces: []vmconfig.InterfaceConfig{{Network: "private"}},
			},
		},
	}
	d := &Dispatcher{Sys: sys}

	entries := d.networkConfigEntries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].DHCP4)
}
