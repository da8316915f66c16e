// Package sizeutil parses human-readable byte sizes as used throughout
// VM configuration (root disk size, drive sizes, memory).
package sizeutil

import (
	"math"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"

	"github.com/rumvm/rum/lib/rumerr"
)

var unitMultipliers = map[string]uint64{
	"":   1,
	"B":  1,
	"K":  uint64(datasize.KB),
	"KB": uint64(datasize.KB),
	"M":  uint64(datasize.MB),
	"MB": uint64(datasize.MB),
	"G":  uint64(datasize.GB),
	"GB": uint64(datasize.GB),
	"T":  uint64(datasize.TB),
	"TB": uint64(datasize.TB),
}

var orderedSuffixes = []string{"KB", "MB", "GB", "TB", "K", "M", "G", "T", "B"}

// ParseBytes parses a size string using the grammar
// <digits>[K|KB|M|MB|G|GB|T|TB], binary (1K = 1024), or a bare integer byte
// count. It rejects empty input, non-numeric input, negative numbers,
// unknown suffixes, and values that overflow a uint64.
func ParseBytes(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, rumerr.New(rumerr.Validation, "size string is empty")
	}

	numPart, suffix, ok := splitSuffix(trimmed)
	if !ok {
		return 0, rumerr.New(rumerr.Validation, "size \""+s+"\" has an unknown suffix")
	}

	if numPart == "" || strings.HasPrefix(numPart, "-") {
		return 0, rumerr.New(rumerr.Validation, "size \""+s+"\" is not a valid number")
	}

	val, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, rumerr.Wrapf(rumerr.Validation, err, "size %q is not numeric", s)
	}

	mult := unitMultipliers[suffix]
	result := val * float64(mult)
	if result > math.MaxUint64 || math.IsInf(result, 0) {
		return 0, rumerr.New(rumerr.Validation, "size \""+s+"\" overflows")
	}
	return uint64(result), nil
}

// splitSuffix separates the numeric prefix from a recognized unit suffix.
// Bare integers (no suffix) are accepted with suffix "".
func splitSuffix(s string) (numPart, suffix string, ok bool) {
	upper := strings.ToUpper(s)
	for _, suf := range orderedSuffixes {
		if strings.HasSuffix(upper, suf) {
			return s[:len(s)-len(suf)], suf, true
		}
	}
	if isAllDigits(s) {
		return s, "", true
	}
	return "", "", false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatBytes renders n with datasize's human-readable binary formatting:
// one decimal place, a space, then the unit (e.g. 20*1024^3 -> "20.0 GB").
// ParseBytes does not accept that form.
func FormatBytes(n uint64) string {
	return datasize.ByteSize(n).HR()
}
