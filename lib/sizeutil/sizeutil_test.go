package sizeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes_Suffixes(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"20GB", 20 * 1024 * 1024 * 1024},
		{"512MB", 512 * 1024 * 1024},
		{"1K", 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"4096", 4096},
	}
	for _, c := range cases {
		got, err := ParseBytes(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseBytes_Rejects(t *testing.T) {
	bad := []string{"", "   ", "abc", "20XB", "-5GB", "99999999999999999999999999GB"}
	for _, in := range bad {
		_, err := ParseBytes(in)
		assert.Error(t, err, in)
	}
}
