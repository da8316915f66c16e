// Package qcow2 generates QCOW2 version 2 disk images for VM root overlays
// and extra drives: empty sparse images and overlay images backed by a
// base image. It does not read or interpret existing QCOW2 data beyond
// the 32-byte header prefix needed to inherit a backing file's virtual
// size — it is not a general-purpose QCOW2 library.
package qcow2

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/rumvm/rum/lib/rumerr"
)

// clusterBits fixes the cluster size at 64 KiB, the default qemu-img uses.
const clusterBits = 16
const clusterSize = 1 << clusterBits // 65536

const qcow2Magic uint32 = 0x514649FB
const qcow2Version uint32 = 2

// headerBackingOffset is where the backing-file path string is written,
// immediately after the 72-byte v2 header, still inside cluster 0.
const headerBackingOffset = 72

// CreateEmpty writes a new empty sparse QCOW2 v2 image of virtualSize
// bytes at path, creating parent directories as needed.
func CreateEmpty(path string, virtualSize uint64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "creating directory for %s", path)
	}
	image := buildImage(virtualSize)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "writing qcow2 image %s", path)
	}
	return nil
}

// CreateOverlay writes a QCOW2 v2 overlay image at overlayPath backed by
// backingFile. The backing file path is canonicalized to an absolute path
// and embedded in the header; the overlay's virtual size is copied from
// the backing file's own header.
func CreateOverlay(overlayPath, backingFile string) error {
	if err := os.MkdirAll(filepath.Dir(overlayPath), 0o755); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "creating directory for %s", overlayPath)
	}

	canonical, err := filepath.Abs(backingFile)
	if err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "resolving backing file path %s", backingFile)
	}
	canonical, err = filepath.EvalSymlinks(canonical)
	if err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "resolving backing file path %s", backingFile)
	}

	virtualSize, err := backingVirtualSize(canonical)
	if err != nil {
		return err
	}

	image := buildImageWithBacking(virtualSize, canonical)
	if err := os.WriteFile(overlayPath, image, 0o644); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "writing qcow2 overlay %s", overlayPath)
	}
	return nil
}

// backingVirtualSize reads the virtual-size field (bytes 24..32) out of an
// existing QCOW2 header.
func backingVirtualSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, rumerr.Wrapf(rumerr.Io, err, "opening backing file %s", path)
	}
	defer f.Close()

	var buf [32]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return 0, rumerr.Wrapf(rumerr.Io, err, "reading backing file header %s", path)
	}
	return binary.BigEndian.Uint64(buf[24:32]), nil
}

// buildImage lays out the 4-cluster empty QCOW2 v2 image: header,
// zero-filled L1 table, refcount table, refcount block.
func buildImage(virtualSize uint64) []byte {
	image := make([]byte, clusterSize*4)

	l1Entries := l1TableEntries(virtualSize)
	l1Offset := uint64(clusterSize)              // cluster 1
	refcountTableOffset := uint64(clusterSize * 2) // cluster 2
	refcountBlockOffset := uint64(clusterSize * 3) // cluster 3

	binary.BigEndian.PutUint32(image[0:4], qcow2Magic)
	binary.BigEndian.PutUint32(image[4:8], qcow2Version)
	// bytes 8..16 backing file offset, 16..20 backing file name length: left zero.
	binary.BigEndian.PutUint32(image[20:24], clusterBits)
	binary.BigEndian.PutUint64(image[24:32], virtualSize)
	// bytes 32..36 crypt method: left zero.
	binary.BigEndian.PutUint32(image[36:40], l1Entries)
	binary.BigEndian.PutUint64(image[40:48], l1Offset)
	binary.BigEndian.PutUint64(image[48:56], refcountTableOffset)
	binary.BigEndian.PutUint32(image[56:60], 1) // refcount table clusters
	// bytes 60..72 snapshot count/offset: left zero.

	// Cluster 2: refcount table, one entry pointing at the refcount block.
	rtStart := clusterSize * 2
	binary.BigEndian.PutUint64(image[rtStart:rtStart+8], refcountBlockOffset)

	// Cluster 3: refcount block, clusters 0-3 marked allocated (refcount 1).
	rbStart := clusterSize * 3
	for i := 0; i < 4; i++ {
		off := rbStart + i*2
		binary.BigEndian.PutUint16(image[off:off+2], 1)
	}

	return image
}

// buildImageWithBacking is buildImage plus the backing-file header fields
// and the path string written at byte 72.
func buildImageWithBacking(virtualSize uint64, backingPath string) []byte {
	image := buildImage(virtualSize)

	backingBytes := []byte(backingPath)
	binary.BigEndian.PutUint64(image[8:16], headerBackingOffset)
	binary.BigEndian.PutUint32(image[16:20], uint32(len(backingBytes)))
	copy(image[headerBackingOffset:headerBackingOffset+len(backingBytes)], backingBytes)

	return image
}

// l1TableEntries returns the number of L1 entries needed to address
// virtualSize bytes. Each L1 entry covers one L2 table's worth of data:
// (clusterSize/8) L2 entries, each addressing one cluster.
func l1TableEntries(virtualSize uint64) uint32 {
	l2Entries := uint64(clusterSize) / 8
	bytesPerL1 := l2Entries * uint64(clusterSize)
	return uint32((virtualSize + bytesPerL1 - 1) / bytesPerL1)
}
