// Package iso9660 generates flat ISO 9660 Level 1 images with Rock Ridge
// extensions, sized exactly for cloud-init NoCloud seed images: files live
// only in the root directory, filenames are exposed as Rock Ridge NM
// entries, and permissions as PX entries. It is not a general-purpose ISO
// authoring library.
package iso9660

import (
	"strings"

	"github.com/rumvm/rum/lib/rumerr"
)

// SectorSize is the native CD-ROM logical block size, hardcoded by ECMA-119.
const SectorSize = 2048

const rootDirSector = 20
const ceSector = 21
const firstFileSector = 22

// File is one file to place in the root directory of the image.
type File struct {
	Name string // POSIX filename, stored verbatim as a Rock Ridge NM entry.
	Data []byte
}

// Build assembles a complete ISO 9660 image containing files, all placed
// flat in the root directory. volumeID must be ASCII and at most 32 bytes.
func Build(volumeID string, files []File) ([]byte, error) {
	if len(volumeID) > 32 {
		return nil, rumerr.New(rumerr.Validation, "volume id exceeds 32 bytes")
	}
	for i := 0; i < len(volumeID); i++ {
		if volumeID[i] > 0x7F {
			return nil, rumerr.New(rumerr.Validation, "volume id must be ASCII")
		}
	}

	type layout struct {
		sector int
		size   int
	}
	layouts := make([]layout, len(files))
	next := firstFileSector
	for i, f := range files {
		layouts[i] = layout{sector: next, size: len(f.Data)}
		next += sectorsFor(len(f.Data))
	}
	totalSectors := next

	iso := make([]byte, totalSectors*SectorSize)

	writePVD(iso, volumeID, uint32(totalSectors), rootDirSector)
	writeTerminator(iso)
	writePathTable(iso, 18, rootDirSector, littleEndian)
	writePathTable(iso, 19, rootDirSector, bigEndian)

	er := suspER()
	writeRootDirectory(iso, rootDirSector, ceSector, er, files, layouts)

	ceStart := ceSector * SectorSize
	copy(iso[ceStart:ceStart+len(er)], er)

	for i, f := range files {
		off := layouts[i].sector * SectorSize
		copy(iso[off:off+len(f.Data)], f.Data)
	}

	return iso, nil
}

func writePVD(iso []byte, volumeID string, totalSectors uint32, rootSector uint32) {
	pvd := iso[16*SectorSize : 17*SectorSize]
	pvd[0] = 1
	copy(pvd[1:6], "CD001")
	pvd[6] = 1

	fill(pvd[8:40], ' ')
	fill(pvd[40:72], ' ')
	copy(pvd[40:40+len(volumeID)], volumeID)

	putU32Both(pvd[80:88], totalSectors)
	putU16Both(pvd[120:124], 1)
	putU16Both(pvd[124:128], 1)
	putU16Both(pvd[128:132], uint16(SectorSize))
	putU32Both(pvd[132:140], 10) // path table size: one root entry

	leU32(pvd[140:144], 18) // L path table sector
	beU32(pvd[148:152], 19) // M path table sector

	writeFixedDirRecord(pvd[156:190], rootSector, SectorSize, []byte{0x00}, true)

	fill(pvd[190:814], ' ')
	pvd[881] = 1 // file structure version
}

func writeTerminator(iso []byte) {
	vdst := iso[17*SectorSize : 18*SectorSize]
	vdst[0] = 255
	copy(vdst[1:6], "CD001")
	vdst[6] = 1
}

type endianness int

const (
	littleEndian endianness = iota
	bigEndian
)

func writePathTable(iso []byte, sector int, rootExtent uint32, e endianness) {
	buf := iso[sector*SectorSize:]
	buf[0] = 1 // identifier length
	buf[1] = 0 // no extended attributes
	switch e {
	case littleEndian:
		leU32(buf[2:6], rootExtent)
		leU16(buf[6:8], 1)
	case bigEndian:
		beU32(buf[2:6], rootExtent)
		beU16(buf[6:8], 1)
	}
	buf[8] = 0x00 // root identifier
	buf[9] = 0x00 // padding
}

func writeRootDirectory(iso []byte, rootSector, ceSec int, er []byte, files []File, layouts []struct {
	sector int
	size   int
}) {
	pos := rootSector * SectorSize
	const rootSize = SectorSize

	sp := suspSP()
	ce := suspCE(uint32(ceSec), 0, uint32(len(er)))
	dotSU := append(append([]byte{}, sp...), ce...)
	dot := dirRecord(uint32(rootSector), rootSize, []byte{0x00}, true, dotSU)
	copy(iso[pos:pos+len(dot)], dot)
	pos += len(dot)

	dotdot := dirRecord(uint32(rootSector), rootSize, []byte{0x01}, true, nil)
	copy(iso[pos:pos+len(dotdot)], dotdot)
	pos += len(dotdot)

	for i, f := range files {
		l := layouts[i]
		isoName := ToLevel1Name(f.Name)
		nm := rripNM(f.Name)
		px := rripPX(0o100644, 1)
		su := append(append([]byte{}, nm...), px...)
		rec := dirRecord(uint32(l.sector), uint32(l.size), []byte(isoName), false, su)
		copy(iso[pos:pos+len(rec)], rec)
		pos += len(rec)
	}
}

func writeFixedDirRecord(buf []byte, extent, size uint32, name []byte, isDir bool) {
	nameLen := len(name)
	recordLen := 33 + nameLen
	if nameLen%2 == 0 {
		recordLen++
	}
	buf[0] = byte(recordLen)
	putU32Both(buf[2:10], extent)
	putU32Both(buf[10:18], size)
	if isDir {
		buf[25] = 0x02
	}
	putU16Both(buf[28:32], 1)
	buf[32] = byte(nameLen)
	copy(buf[33:33+nameLen], name)
}

// dirRecord builds a variable-length directory record with an optional
// Rock Ridge System Use area.
func dirRecord(extent, size uint32, name []byte, isDir bool, su []byte) []byte {
	nameLen := len(name)
	padding := 0
	if nameLen%2 == 0 {
		padding = 1
	}
	recordLen := 33 + nameLen + padding + len(su)
	buf := make([]byte, recordLen)
	buf[0] = byte(recordLen)
	putU32Both(buf[2:10], extent)
	putU32Both(buf[10:18], size)
	if isDir {
		buf[25] = 0x02
	}
	putU16Both(buf[28:32], 1)
	buf[32] = byte(nameLen)
	copy(buf[33:33+nameLen], name)
	suStart := 33 + nameLen + padding
	copy(buf[suStart:suStart+len(su)], su)
	return buf
}

// suspSP is the SUSP presence marker placed in every "." directory record
// of a directory that uses SUSP. Bytes: "SP" | len=7 | ver=1 | 0xBE | 0xEF | skip=0.
func suspSP() []byte {
	return []byte{'S', 'P', 7, 1, 0xBE, 0xEF, 0}
}

// suspCE points at additional System Use data stored outside the directory
// record, here the ER entry in the continuation sector.
func suspCE(block, offset, length uint32) []byte {
	buf := make([]byte, 28)
	buf[0], buf[1] = 'C', 'E'
	buf[2] = 28
	buf[3] = 1
	putU32Both(buf[4:12], block)
	putU32Both(buf[12:20], offset)
	putU32Both(buf[20:28], length)
	return buf
}

// suspER declares the Rock Ridge extension in use (RRIP_1991A).
func suspER() []byte {
	id := []byte("RRIP_1991A")
	desc := []byte("THE ROCK RIDGE INTERCHANGE PROTOCOL PROVIDES SUPPORT FOR POSIX FILE SYSTEM SEMANTICS")
	src := []byte("PLEASE CONTACT DISC PUBLISHER FOR SPECIFICATION SOURCE.  SEE PUBLISHER IDENTIFIER IN PRIMARY VOLUME DESCRIPTOR FOR CONTACT INFORMATION.")
	total := 8 + len(id) + len(desc) + len(src)
	buf := make([]byte, total)
	buf[0], buf[1] = 'E', 'R'
	buf[2] = byte(total)
	buf[3] = 1
	buf[4] = byte(len(id))
	buf[5] = byte(len(desc))
	buf[6] = byte(len(src))
	buf[7] = 1 // extension version
	p := 8
	copy(buf[p:], id)
	p += len(id)
	copy(buf[p:], desc)
	p += len(desc)
	copy(buf[p:], src)
	return buf
}

// rripNM is the Rock Ridge alternate (POSIX) name entry.
func rripNM(name string) []byte {
	nb := []byte(name)
	total := 5 + len(nb)
	buf := make([]byte, total)
	buf[0], buf[1] = 'N', 'M'
	buf[2] = byte(total)
	buf[3] = 1
	// buf[4] = 0 (flags: name is complete, no continuation)
	copy(buf[5:], nb)
	return buf
}

// rripPX is the Rock Ridge POSIX attributes entry (mode, nlinks; uid/gid/
// serial left zero).
func rripPX(mode, nlinks uint32) []byte {
	buf := make([]byte, 44)
	buf[0], buf[1] = 'P', 'X'
	buf[2] = 44
	buf[3] = 1
	putU32Both(buf[4:12], mode)
	putU32Both(buf[12:20], nlinks)
	return buf
}

// ToLevel1Name converts a POSIX filename to an ISO 9660 Level 1 name:
// uppercase, non [A-Z0-9_.] characters replaced with '_', base truncated
// to 8 characters, extension to 3, version suffix ";1" appended.
func ToLevel1Name(name string) string {
	var sanitized strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '.' {
			sanitized.WriteRune(r)
		} else {
			sanitized.WriteByte('_')
		}
	}
	s := sanitized.String()

	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		base := s[:min(dot, 8)]
		extEnd := min(dot+1+3, len(s))
		ext := s[dot+1 : extEnd]
		return base + "." + ext + ";1"
	}
	base := s[:min(len(s), 8)]
	return base + ";1"
}

// sectorsFor returns how many sectors bytes requires; empty files still
// occupy one sector.
func sectorsFor(bytes int) int {
	if bytes == 0 {
		return 1
	}
	return (bytes + SectorSize - 1) / SectorSize
}

// putU32Both writes val in ISO 9660 "both-endian" form: 4 bytes little-
// endian followed by 4 bytes big-endian.
func putU32Both(buf []byte, val uint32) {
	leU32(buf[0:4], val)
	beU32(buf[4:8], val)
}

func putU16Both(buf []byte, val uint16) {
	leU16(buf[0:2], val)
	beU16(buf[2:4], val)
}

func leU32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func beU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func leU16(buf []byte, v uint16) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
}

func beU16(buf []byte, v uint16) {
	buf[0] = byte(v >> 8)
	buf[1] = byte(v)
}

func fill(buf []byte, b byte) {
	for i := range buf {
		buf[i] = b
	}
}
