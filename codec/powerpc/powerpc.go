// Package powerpc implements the New World PowerPC ROM architecture: a
// flat 4MB image built around one or more ConfigInfo pages, each pointing
// to Mac68KROM, ExceptionTable, HWInitCode, KernelCode, and OpenFirmware
// bundle components, plus an emulator region too irregular to extract
// ("EverythingElse").
package powerpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/elliotnunn/tbxi/dispatcher"
	"github.com/elliotnunn/tbxi/internal/macroman"
	"github.com/elliotnunn/tbxi/internal/manifest"
	"github.com/elliotnunn/tbxi/internal/xerrors"
	"github.com/elliotnunn/tbxi/types"
)

var bo = binary.BigEndian

const headerComment = `# Automated dump of the ConfigInfo page of a Power Mac ROM
# (at least one per ROM)
#
# The first section contains the simple structure fields. The [LowMemory]
# section instructs the kernel to set low-memory globals. The
# [PageMappingInfo] section lists parts of ConfigInfo that tell the kernel
# how to lay out the PowerPC page table. (Hint: lines starting with a tab
# are array entries; the untabbed lines before them are pointers into
# that array). The [BatMappingInfo] section similarly
# tells the kernel how to lay out the Block Allocation Table registers.
#
# Fields encoding the offset of a ROM component are computed from the base
# of ConfigInfo, but for clarity are expressed here relative to the "BASE"
# of ROM. If a second '=' is present, it documents the file inserted at
# that location (informational only; component placement is driven by the
# sibling directory name, not this text).
`

var mapNames = []string{"sup", "usr", "cpu", "ovl"}
var batNames = []string{"ibat0", "ibat1", "ibat2", "ibat3", "dbat0", "dbat1", "dbat2", "dbat3"}

// componentFields lists the ConfigInfo "<Field>Offset"/"<Field>Size" pairs
// that describe extractable ROM components, and the directory name each
// is dumped under / read back from.
var componentFields = []struct{ field, dirName string }{
	{"Mac68KROM", "Mac68KROM"},
	{"ExceptionTable", "ExceptionTable"},
	{"HWInitCode", "HWInit"},
	{"KernelCode", "NanoKernel"},
	{"OpenFWBundle", "OpenFW"},
}

// Codec implements dispatcher.Codec for the PowerPC ROM format.
type Codec struct{}

func (Codec) Name() string { return "powerpc" }

var pad = bytes.Repeat([]byte("kc"), 100)

func isPowerPC(data []byte) bool {
	return len(data) == 0x400000 && bytes.Contains(data[:0x300000], pad)
}

// findConfigInfo locates every ConfigInfo page sharing the checksummed
// candidate's BootstrapVersion signature, by scanning every 0x100-aligned
// offset for a valid 40-byte checksum block (eight 32-bit byte-lane sums
// followed by one 64-bit total), or falling back to the Pippin ROM's
// unchecksummed "Boot " signature at +0x64.
func findConfigInfo(data []byte) []int {
	byteLanes := make([]int64, 8)
	for i, b := range data {
		byteLanes[i%8] += int64(b)
	}

	anchor := -1
	for i := 0; i+types.ConfigInfoChecksumSize <= len(data); i += 0x100 {
		zeroed := append([]int64(nil), byteLanes...)
		for j := i; j < i+40; j++ {
			zeroed[j%8] -= int64(data[j])
		}

		var want [40]byte
		for k := 0; k < 8; k++ {
			bo.PutUint32(want[k*4:], uint32(zeroed[k]))
		}
		var sum64 uint64
		for k := 0; k < 8; k++ {
			sum64 += uint64(zeroed[7-k]) << (uint(k) * 8)
		}
		bo.PutUint64(want[32:], sum64)

		if bytes.Equal(data[i:i+40], want[:]) {
			anchor = i
			break
		}
	}

	if anchor < 0 {
		for i := 0x300000; i+0x69 <= len(data); i += 0x100 {
			if bytes.HasPrefix(data[i+0x64:], []byte("Boot ")) {
				anchor = i
				break
			}
		}
	}
	if anchor < 0 {
		return nil
	}

	var out []int
	sig := data[anchor+0x64 : anchor+0x74]
	for j := 0; j+0x74 <= len(data); j += 0x100 {
		if bytes.Equal(data[j+0x64:j+0x74], sig) {
			out = append(out, j)
		}
	}
	return out
}

func getNKVersion(nk []byte) string {
	if bytes.HasPrefix(nk, []byte{0x48, 0x00, 0x00, 0x0C}) {
		return fmt.Sprintf("v%02X.%02X", nk[4], nk[5])
	}
	for i := 0; i+8 <= len(nk); i += 4 {
		if nk[i] == 0x39 && nk[i+1] == 0x80 && bytes.Equal(nk[i+4:i+8], []byte{0xB1, 0x81, 0x0F, 0xE4}) {
			return fmt.Sprintf("v%02X.%02X", nk[i+2], nk[i+3])
		}
	}
	return ""
}

// Dump locates each ConfigInfo page, extracts its described components
// (zeroing them out of the image as it goes, so overlapping regions
// aren't double-counted), and writes one Configfile per page plus a
// catch-all EverythingElse for whatever is left.
func (Codec) Dump(orig []byte, destDir string) error {
	if !isPowerPC(orig) {
		return xerrors.WrongFormat
	}
	if err := os.MkdirAll(destDir, 0777); err != nil {
		return &xerrors.IOError{Op: "mkdir " + destDir, Err: err}
	}

	data := append([]byte(nil), orig...)

	ciLocs := findConfigInfo(data)
	if len(ciLocs) == 0 {
		return &xerrors.ParseError{File: destDir, Err: fmt.Errorf("powerpc: no ConfigInfo found")}
	}

	structs := make([]types.ConfigInfo, len(ciLocs))
	for i, loc := range ciLocs {
		structs[i].Get(data[loc+types.ConfigInfoChecksumSize:], bo)
		for j := loc; j < loc+types.ConfigInfoPageSize && j < len(data); j++ {
			data[j] = 0
		}
	}

	type fieldRange struct {
		start, stop int
		field, dir  string
	}
	first := structs[0]
	firstLoc := ciLocs[0]

	var ranges []fieldRange
	for _, cf := range componentFields {
		start := firstLoc + int(fieldOffset(first, cf.field))
		size := int(fieldSize(first, cf.field))
		ranges = append(ranges, fieldRange{start, start + size, cf.field, cf.dirName})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	ranges = append(ranges, fieldRange{firstLoc + int(first.ROMImageBaseOffset), len(data), "ROMImageBase", "EverythingElse"})

	filenames := map[string]string{}
	for _, fr := range ranges {
		start, stop := fr.start, fr.stop
		if fr.field == "HWInitCode" || fr.field == "KernelCode" || fr.field == "OpenFWBundle" {
			if idx := bytes.Index(data[start:], make([]byte, 1024)); idx >= 0 {
				stop = start + idx
			}
		}
		for stop%4 != 0 {
			stop++
		}
		if stop > len(data) {
			stop = len(data)
		}
		if start < 0 || start >= stop {
			continue
		}

		fragment := append([]byte(nil), data[start:stop]...)
		for i := start; i < stop; i++ {
			data[i] = 0
		}
		if len(fragment) == 0 || !anyNonZero(fragment) {
			continue
		}

		filename := fr.dir
		if fr.field == "KernelCode" {
			if v := getNKVersion(fragment); v != "" {
				filename += "-" + v
			}
		}
		filenames[fr.field+"Offset"] = filename

		if err := dispatcher.Dump(fragment, filepath.Join(destDir, filename), false); err != nil {
			return err
		}
	}

	for i, loc := range ciLocs {
		name := "Configfile"
		if i > 0 {
			name = fmt.Sprintf("Configfile-%d", i)
		}
		if err := writeConfigfile(filepath.Join(destDir, name), orig, loc, filenames); err != nil {
			return err
		}
	}
	return nil
}

func anyNonZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return true
		}
	}
	return false
}

func fieldOffset(c types.ConfigInfo, field string) int32 {
	switch field {
	case "Mac68KROM":
		return c.Mac68KROMOffset
	case "ExceptionTable":
		return c.ExceptionTableOffset
	case "HWInitCode":
		return c.HWInitCodeOffset
	case "KernelCode":
		return c.KernelCodeOffset
	case "OpenFWBundle":
		return c.OpenFWBundleOffset
	}
	panic("powerpc: unknown field " + field)
}

func fieldSize(c types.ConfigInfo, field string) uint32 {
	switch field {
	case "Mac68KROM":
		return c.Mac68KROMSize
	case "ExceptionTable":
		return c.ExceptionTableSize
	case "HWInitCode":
		return c.HWInitCodeSize
	case "KernelCode":
		return c.KernelCodeSize
	case "OpenFWBundle":
		return c.OpenFWBundleSize
	}
	panic("powerpc: unknown field " + field)
}

// simpleField describes one scalar ConfigInfo field for the template-
// driven Configfile writer/reader.
type simpleField struct {
	key     string
	comment string
}

var simpleFields = []simpleField{
	{"ROMImageBaseOffset", "Offset of Base of total ROM image"},
	{"ROMImageSize", "Number of bytes in ROM image"},
	{"ROMImageVersion", "ROM Version number for entire ROM"},
	{"Mac68KROMOffset", "Offset of base of Macintosh 68K ROM"},
	{"Mac68KROMSize", "Number of bytes in Macintosh 68K ROM"},
	{"ExceptionTableOffset", "Offset of base of PowerPC Exception Table Code"},
	{"ExceptionTableSize", "Number of bytes in PowerPC Exception Table Code"},
	{"HWInitCodeOffset", "Offset of base of Hardware Init Code"},
	{"HWInitCodeSize", "Number of bytes in Hardware Init Code"},
	{"KernelCodeOffset", "Offset of base of NanoKernel Code"},
	{"KernelCodeSize", "Number of bytes in NanoKernel Code"},
	{"EmulatorCodeOffset", "Offset of base of Emulator Code"},
	{"EmulatorCodeSize", "Number of bytes in Emulator Code"},
	{"OpcodeTableOffset", "Offset of base of Opcode Table"},
	{"OpcodeTableSize", "Number of bytes in Opcode Table"},
	{"BootstrapVersion", "Bootstrap loader version info"},
	{"BootVersionOffset", "offset within EmulatorData of BootstrapVersion"},
	{"ECBOffset", "offset within EmulatorData of ECB"},
	{"IplValueOffset", "offset within EmulatorData of IplValue"},
	{"EmulatorEntryOffset", "offset within Emulator Code of entry point"},
	{"KernelTrapTableOffset", "offset within Emulator Code of KernelTrapTable"},
	{"TestIntMaskInit", "initial value for test interrupt mask"},
	{"ClearIntMaskInit", "initial value for clear interrupt mask"},
	{"PostIntMaskInit", "initial value for post interrupt mask"},
	{"LA_InterruptCtl", "logical address of Interrupt Control I/O page"},
	{"InterruptHandlerKind", "kind of handler to use"},
	{"LA_InfoRecord", "logical address of InfoRecord page"},
	{"LA_KernelData", "logical address of KernelData page"},
	{"LA_EmulatorData", "logical address of EmulatorData page"},
	{"LA_DispatchTable", "logical address of Dispatch Table"},
	{"LA_EmulatorCode", "logical address of Emulator Code"},
	{"PageAttributeInit", "default WIMG/PP settings for PTE creation"},
	{"SharedMemoryAddr", "physical address of Mac/Smurf shared message mem"},
	{"PA_RelocatedLowMemInit", "physical address of RelocatedLowMem"},
	{"OpenFWBundleOffset", "Offset of base of OpenFirmware PEF Bundle"},
	{"OpenFWBundleSize", "Number of bytes in OpenFirmware PEF Bundle"},
	{"LA_OpenFirmware", "logical address of Open Firmware"},
	{"PA_OpenFirmware", "physical address of Open Firmware"},
	{"LA_HardwarePriv", "logical address of HardwarePriv callback"},
}

var componentOffsetKeys = map[string]bool{
	"Mac68KROMOffset": true, "ExceptionTableOffset": true, "HWInitCodeOffset": true,
	"KernelCodeOffset": true, "OpenFWBundleOffset": true,
}

func scalarField(c *types.ConfigInfo, key string) (int64, bool) {
	switch key {
	case "ROMImageBaseOffset":
		return int64(c.ROMImageBaseOffset), true
	case "ROMImageSize":
		return int64(c.ROMImageSize), true
	case "ROMImageVersion":
		return int64(c.ROMImageVersion), true
	case "Mac68KROMOffset":
		return int64(c.Mac68KROMOffset), true
	case "Mac68KROMSize":
		return int64(c.Mac68KROMSize), true
	case "ExceptionTableOffset":
		return int64(c.ExceptionTableOffset), true
	case "ExceptionTableSize":
		return int64(c.ExceptionTableSize), true
	case "HWInitCodeOffset":
		return int64(c.HWInitCodeOffset), true
	case "HWInitCodeSize":
		return int64(c.HWInitCodeSize), true
	case "KernelCodeOffset":
		return int64(c.KernelCodeOffset), true
	case "KernelCodeSize":
		return int64(c.KernelCodeSize), true
	case "EmulatorCodeOffset":
		return int64(c.EmulatorCodeOffset), true
	case "EmulatorCodeSize":
		return int64(c.EmulatorCodeSize), true
	case "OpcodeTableOffset":
		return int64(c.OpcodeTableOffset), true
	case "OpcodeTableSize":
		return int64(c.OpcodeTableSize), true
	case "BootVersionOffset":
		return int64(c.BootVersionOffset), true
	case "ECBOffset":
		return int64(c.ECBOffset), true
	case "IplValueOffset":
		return int64(c.IplValueOffset), true
	case "EmulatorEntryOffset":
		return int64(c.EmulatorEntryOffset), true
	case "KernelTrapTableOffset":
		return int64(c.KernelTrapTableOffset), true
	case "TestIntMaskInit":
		return int64(c.TestIntMaskInit), true
	case "ClearIntMaskInit":
		return int64(c.ClearIntMaskInit), true
	case "PostIntMaskInit":
		return int64(c.PostIntMaskInit), true
	case "LA_InterruptCtl":
		return int64(c.LA_InterruptCtl), true
	case "InterruptHandlerKind":
		return int64(c.InterruptHandlerKind), true
	case "LA_InfoRecord":
		return int64(c.LA_InfoRecord), true
	case "LA_KernelData":
		return int64(c.LA_KernelData), true
	case "LA_EmulatorData":
		return int64(c.LA_EmulatorData), true
	case "LA_DispatchTable":
		return int64(c.LA_DispatchTable), true
	case "LA_EmulatorCode":
		return int64(c.LA_EmulatorCode), true
	case "PageAttributeInit":
		return int64(c.PageAttributeInit), true
	case "SharedMemoryAddr":
		return int64(c.SharedMemoryAddr), true
	case "PA_RelocatedLowMemInit":
		return int64(c.PA_RelocatedLowMemInit), true
	case "OpenFWBundleOffset":
		return int64(c.OpenFWBundleOffset), true
	case "OpenFWBundleSize":
		return int64(c.OpenFWBundleSize), true
	case "LA_OpenFirmware":
		return int64(c.LA_OpenFirmware), true
	case "PA_OpenFirmware":
		return int64(c.PA_OpenFirmware), true
	case "LA_HardwarePriv":
		return int64(c.LA_HardwarePriv), true
	}
	return 0, false
}

func setScalarField(c *types.ConfigInfo, key string, v int64) {
	switch key {
	case "ROMImageBaseOffset":
		c.ROMImageBaseOffset = int32(v)
	case "ROMImageSize":
		c.ROMImageSize = uint32(v)
	case "ROMImageVersion":
		c.ROMImageVersion = uint32(v)
	case "Mac68KROMOffset":
		c.Mac68KROMOffset = int32(v)
	case "Mac68KROMSize":
		c.Mac68KROMSize = uint32(v)
	case "ExceptionTableOffset":
		c.ExceptionTableOffset = int32(v)
	case "ExceptionTableSize":
		c.ExceptionTableSize = uint32(v)
	case "HWInitCodeOffset":
		c.HWInitCodeOffset = int32(v)
	case "HWInitCodeSize":
		c.HWInitCodeSize = uint32(v)
	case "KernelCodeOffset":
		c.KernelCodeOffset = int32(v)
	case "KernelCodeSize":
		c.KernelCodeSize = uint32(v)
	case "EmulatorCodeOffset":
		c.EmulatorCodeOffset = int32(v)
	case "EmulatorCodeSize":
		c.EmulatorCodeSize = uint32(v)
	case "OpcodeTableOffset":
		c.OpcodeTableOffset = int32(v)
	case "OpcodeTableSize":
		c.OpcodeTableSize = uint32(v)
	case "BootVersionOffset":
		c.BootVersionOffset = uint32(v)
	case "ECBOffset":
		c.ECBOffset = uint32(v)
	case "IplValueOffset":
		c.IplValueOffset = uint32(v)
	case "EmulatorEntryOffset":
		c.EmulatorEntryOffset = uint32(v)
	case "KernelTrapTableOffset":
		c.KernelTrapTableOffset = uint32(v)
	case "TestIntMaskInit":
		c.TestIntMaskInit = uint32(v)
	case "ClearIntMaskInit":
		c.ClearIntMaskInit = uint32(v)
	case "PostIntMaskInit":
		c.PostIntMaskInit = uint32(v)
	case "LA_InterruptCtl":
		c.LA_InterruptCtl = uint32(v)
	case "InterruptHandlerKind":
		c.InterruptHandlerKind = int8(v)
	case "LA_InfoRecord":
		c.LA_InfoRecord = uint32(v)
	case "LA_KernelData":
		c.LA_KernelData = uint32(v)
	case "LA_EmulatorData":
		c.LA_EmulatorData = uint32(v)
	case "LA_DispatchTable":
		c.LA_DispatchTable = uint32(v)
	case "LA_EmulatorCode":
		c.LA_EmulatorCode = uint32(v)
	case "PageAttributeInit":
		c.PageAttributeInit = uint32(v)
	case "SharedMemoryAddr":
		c.SharedMemoryAddr = uint32(v)
	case "PA_RelocatedLowMemInit":
		c.PA_RelocatedLowMemInit = uint32(v)
	case "OpenFWBundleOffset":
		c.OpenFWBundleOffset = int32(v)
	case "OpenFWBundleSize":
		c.OpenFWBundleSize = uint32(v)
	case "LA_OpenFirmware":
		c.LA_OpenFirmware = uint32(v)
	case "PA_OpenFirmware":
		c.PA_OpenFirmware = uint32(v)
	case "LA_HardwarePriv":
		c.LA_HardwarePriv = uint32(v)
	}
}

// writeConfigfile renders one ConfigInfo page (found at offset loc within
// orig) as a manifest text file.
func writeConfigfile(path string, orig []byte, loc int, filenames map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return &xerrors.IOError{Op: "create " + path, Err: err}
	}
	defer f.Close()

	var c types.ConfigInfo
	c.Get(orig[loc+types.ConfigInfoChecksumSize:], bo)

	w := manifest.NewWriter(f)
	w.Raw(headerComment + "\n")

	base := int64(c.ROMImageBaseOffset)
	for _, sf := range simpleFields {
		var valueStr string
		switch sf.key {
		case "BootstrapVersion":
			valueStr = manifest.Quote(macroman.Decode(c.BootstrapVersion[:]))
		case "InterruptHandlerKind":
			valueStr = fmt.Sprintf("0x%02X", uint8(c.InterruptHandlerKind))
		default:
			v, _ := scalarField(&c, sf.key)
			if componentOffsetKeys[sf.key] {
				if v == 0 {
					valueStr = "0x00000000"
				} else {
					valueStr = formatSigned(v - base)
					valueStr = "BASE" + valueStr
				}
			} else {
				valueStr = fmt.Sprintf("0x%08X", uint32(v))
			}
		}
		line := sf.key + "=" + valueStr
		if name, ok := filenames[sf.key]; ok {
			line += "=" + name
		}
		w.Line(0, line, "# "+sf.comment)
	}
	w.Blank()

	// [LowMemory]
	segmaps := [4][][2]uint32{}
	for i, blob := range [][]byte{c.SegMap32SupInit[:], c.SegMap32UsrInit[:], c.SegMap32CPUInit[:], c.SegMap32OvlInit[:]} {
		for j := 0; j+8 <= len(blob); j += 8 {
			segmaps[i] = append(segmaps[i], [2]uint32{bo.Uint32(blob[j:]), bo.Uint32(blob[j+4:])})
		}
	}
	batmaps := [4][]uint32{}
	for i, nib := range []types.BatMapNibbles{c.BatMap32SupInit, c.BatMap32UsrInit, c.BatMap32CPUInit, c.BatMap32OvlInit} {
		for j := 0; j < 8; j++ {
			batmaps[i] = append(batmaps[i], uint32(nib.Nibble(7-j))*8)
		}
	}
	lastUsedBatmap := uint32(0)
	for _, m := range batmaps {
		for _, v := range m {
			if v > lastUsedBatmap {
				lastUsedBatmap = v
			}
		}
	}

	var lowmem [][2]uint32
	lmoff := int(c.MacLowMemInitOffset)
	for lmoff+8 <= len(orig)-loc && anyNonZero(orig[loc+lmoff:loc+lmoff+4]) {
		lowmem = append(lowmem, [2]uint32{bo.Uint32(orig[loc+lmoff:]), bo.Uint32(orig[loc+lmoff+4:])})
		lmoff += 8
	}
	w.Line(0, "[LowMemory]")
	for _, kv := range lowmem {
		w.Line(0, fmt.Sprintf("address=0x%08X value=0x%08X", kv[0], kv[1]))
	}
	w.Blank()

	// [PageMappingInfo]
	w.Line(0, "[PageMappingInfo]")
	anySeg := false
	for _, m := range segmaps {
		for _, kv := range m {
			if kv[0] != 0 || kv[1] != 0 {
				anySeg = true
			}
		}
	}
	if c.PageMapInitSize != 0 || anySeg {
		w.Line(0, "# Constants: PMDT_InvalidAddress = 0xA00, PMDT_Available = 0xA01")
		pagemap := sliceAt(orig, loc+int(c.PageMapInitOffset), int(c.PageMapInitSize))
		for i := 0; i+8 <= len(pagemap); i += 8 {
			for mi, name := range mapNames {
				for segI, kv := range segmaps[mi] {
					if int(kv[0]) == i {
						w.Line(0, fmt.Sprintf("segment_ptr_here=0x%X map=%s segment_register=0x%08X", segI, name, kv[1]))
					}
				}
			}
			pgidx := bo.Uint16(pagemap[i:])
			pgcnt := bo.Uint16(pagemap[i+2:])
			word2 := bo.Uint32(pagemap[i+4:])
			attr := word2 & 0xFFF
			paddr := word2 >> 12

			var attrS string
			switch attr {
			case 0xA00:
				attrS = "PMDT_InvalidAddress"
			case 0xA01:
				attrS = "PMDT_Available"
			default:
				attrS = fmt.Sprintf("0x%03X", attr)
			}
			var paddrS string
			if strings.Contains(attrS, "Rel") {
				paddrS = fmt.Sprintf("BASE+0x%05X", (int64(paddr)+int64(loc))&0xFFFFF)
			} else {
				paddrS = fmt.Sprintf("0x%05X", paddr)
			}

			if i == int(c.PageMapIRPOffset) {
				w.Line(0, "special_pmdt=irp")
			}
			if i == int(c.PageMapKDPOffset) {
				w.Line(0, "special_pmdt=kdp")
			}
			if i == int(c.PageMapEDPOffset) {
				w.Line(0, "special_pmdt=edp")
			}
			w.Line(1, fmt.Sprintf("pmdt_page_offset=0x%04X pages_minus_1=0x%04X phys_page=%s attr=%s", pgidx, pgcnt, paddrS, attrS))
		}
	}
	w.Blank()

	// [BatMappingInfo]
	w.Line(0, "[BatMappingInfo]")
	anyBat := anyNonZero(c.BATRangeInit[:]) || c.BatMap32SupInit != 0 || c.BatMap32UsrInit != 0 || c.BatMap32CPUInit != 0 || c.BatMap32OvlInit != 0
	if anyBat {
		for i := 0; i+8 <= len(c.BATRangeInit) && i <= int(lastUsedBatmap)*8; i += 8 {
			for mi, name := range mapNames {
				for bi, off := range batmaps[mi] {
					if off == uint32(i) {
						w.Line(0, fmt.Sprintf("bat_ptr_here=%s map=%s", batNames[bi], name))
					}
				}
			}
			// A stored BRPN can be relative to the ConfigInfo's own position
			// in the ROM (word1 bit9); fold the ROM file offset back in
			// before splitting word1 into fields, same as the other BAT
			// fields packed alongside it, then render brpn as BASE+0x...
			rawWord1 := bo.Uint32(c.BATRangeInit[i+4:])
			isRelative := rawWord1&0x200 != 0
			var entryBytes [8]byte
			copy(entryBytes[:], c.BATRangeInit[i:i+8])
			if isRelative {
				folded := uint32((int64(loc) + int64(rawWord1)) & 0xFFFFFDFF)
				bo.PutUint32(entryBytes[4:], folded)
			}
			e := types.DecodeBATEntry(entryBytes[:], bo)
			var brpnS string
			if isRelative {
				brpnS = fmt.Sprintf("BASE+0x%06X", e.BRPN<<17)
			} else {
				brpnS = fmt.Sprintf("0x%08X", uint32(e.BRPN)<<17)
			}
			vs, vp, ks, ku := 0, 0, 0, 0
			if e.VS {
				vs = 1
			}
			if e.VP {
				vp = 1
			}
			if e.KS {
				ks = 1
			}
			if e.KU {
				ku = 1
			}
			w.Line(1, fmt.Sprintf("bepi=0x%08X bl_128k=0b%06b vs=%d vp=%d brpn=%s unk23=%d wim=0b%03b ks=%d ku=%d pp=0b%02b",
				e.BEPI<<17, e.BL128K, vs, vp, brpnS, e.Unk23, e.WIM, ks, ku, e.PP))
		}
	}
	w.Blank()

	return w.Flush()
}

func formatSigned(v int64) string {
	if v < 0 {
		return fmt.Sprintf("-0x%X", -v)
	}
	return fmt.Sprintf("+0x%X", v)
}

func sliceAt(b []byte, start, length int) []byte {
	if start < 0 || length <= 0 || start >= len(b) {
		return nil
	}
	stop := start + length
	if stop > len(b) {
		stop = len(b)
	}
	return b[start:stop]
}

// configSection is one "[Header]"-delimited block of a Configfile: an
// ordered list of key=value records.
type configSection struct {
	header string
	lines  []manifest.Fields
}

func parseConfigfile(path string) ([]configSection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.WrongFormat
	}
	defer f.Close()

	var sections []configSection
	cur := configSection{header: ""}

	r := manifest.NewReader(f, path)
	for {
		line, rerr := r.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
		if len(line.Tokens) == 1 && strings.HasPrefix(line.Tokens[0], "[") && strings.HasSuffix(line.Tokens[0], "]") {
			sections = append(sections, cur)
			cur = configSection{header: strings.TrimSuffix(strings.TrimPrefix(line.Tokens[0], "["), "]")}
			continue
		}
		cur.lines = append(cur.lines, manifest.ParseFields(line.Tokens))
	}
	sections = append(sections, cur)
	return sections, nil
}

// Build assembles the ROM described by src/Configfile (and any further
// src/Configfile-N siblings).
func (Codec) Build(src string) ([]byte, error) {
	mainPath := filepath.Join(src, "Configfile")
	if _, err := os.Stat(mainPath); err != nil {
		return nil, xerrors.WrongFormat
	}

	var configPaths []string
	configPaths = append(configPaths, mainPath)
	for n := 1; ; n++ {
		p := filepath.Join(src, fmt.Sprintf("Configfile-%d", n))
		if _, err := os.Stat(p); err != nil {
			break
		}
		configPaths = append(configPaths, p)
	}

	everythingPath := filepath.Join(src, "EverythingElse")
	var rom []byte
	if _, err := os.Stat(everythingPath + ".src"); err == nil {
		r, err := dispatcher.Build(everythingPath)
		if err != nil {
			return nil, err
		}
		rom = r
	} else if _, err := os.Stat(everythingPath); err == nil {
		r, err := dispatcher.Build(everythingPath)
		if err != nil {
			return nil, err
		}
		rom = r
	} else {
		rom = make([]byte, 0x400000)
	}

	var configInfoOffset int
	for ci := len(configPaths) - 1; ci >= 0; ci-- {
		sections, err := parseConfigfile(configPaths[ci])
		if err != nil {
			return nil, err
		}

		var c types.ConfigInfo
		base := int64(-0x30C000)
		for _, sec := range sections {
			if sec.header != "" {
				continue
			}
			for _, fields := range sec.lines {
				if v, ok := fields.Get("ROMImageBaseOffset"); ok {
					if n, ok2 := evalExpr(firstEquals(v), 0); ok2 {
						base = n
					}
				}
			}
		}

		for _, sec := range sections {
			if sec.header != "" {
				continue
			}
			for _, fields := range sec.lines {
				for _, key := range fields.Keys() {
					v, _ := fields.Get(key)
					if key == "BootstrapVersion" {
						copy(c.BootstrapVersion[:], macroman.Encode(v, types.BootstrapVersionSize))
						continue
					}
					raw := firstEquals(v)
					if n, ok := evalExpr(raw, base); ok {
						setScalarField(&c, key, n)
					}
				}
			}
		}

		var lowmem bytes.Buffer
		var pagemap bytes.Buffer
		segptrs := [4][]byte{make([]byte, types.SegMapSize), make([]byte, types.SegMapSize), make([]byte, types.SegMapSize), make([]byte, types.SegMapSize)}
		var batmap bytes.Buffer
		var batptrs [4]types.BatMapNibbles

		for _, sec := range sections {
			switch sec.header {
			case "LowMemory":
				for _, fields := range sec.lines {
					addr, _ := evalExpr(fields.GetDefault("address", "0"), base)
					val, _ := evalExpr(fields.GetDefault("value", "0"), base)
					var b8 [8]byte
					bo.PutUint32(b8[0:], uint32(addr))
					bo.PutUint32(b8[4:], uint32(val))
					lowmem.Write(b8[:])
				}
			case "PageMappingInfo":
				for _, fields := range sec.lines {
					switch {
					case fields.Has("segment_ptr_here"):
						idx, _ := evalExpr(fields.GetDefault("segment_ptr_here", "0"), base)
						mapName := strings.ToLower(fields.GetDefault("map", ""))
						reg, _ := evalExpr(fields.GetDefault("segment_register", "0"), base)
						mi := indexOfName(mapNames, mapName)
						if mi >= 0 {
							bo.PutUint32(segptrs[mi][idx*8:], uint32(pagemap.Len()))
							bo.PutUint32(segptrs[mi][idx*8+4:], uint32(reg))
						}
					case fields.Has("special_pmdt"):
						key := "PageMap" + strings.ToUpper(fields.GetDefault("special_pmdt", "")) + "Offset"
						setScalarField(&c, key, int64(pagemap.Len()))
					case fields.Has("pmdt_page_offset"):
						pgidx, _ := evalExpr(fields.GetDefault("pmdt_page_offset", "0"), base)
						pgcnt, _ := evalExpr(fields.GetDefault("pages_minus_1", "0"), base)
						attrStr := fields.GetDefault("attr", "0")
						var attr int64
						switch attrStr {
						case "PMDT_InvalidAddress":
							attr = 0xA00
						case "PMDT_Available":
							attr = 0xA01
						default:
							attr, _ = evalExpr(attrStr, base)
						}
						phys, _ := evalExpr(fields.GetDefault("phys_page", "0"), base)
						long2 := (uint32(phys) << 12) | uint32(attr)
						var b8 [8]byte
						bo.PutUint16(b8[0:], uint16(pgidx))
						bo.PutUint16(b8[2:], uint16(pgcnt))
						bo.PutUint32(b8[4:], long2)
						pagemap.Write(b8[:])
					}
				}
			case "BatMappingInfo":
				for _, fields := range sec.lines {
					switch {
					case fields.Has("bat_ptr_here"):
						bi := indexOfName(batNames, strings.ToLower(fields.GetDefault("bat_ptr_here", "")))
						mi := indexOfName(mapNames, strings.ToLower(fields.GetDefault("map", "")))
						if bi >= 0 && mi >= 0 {
							batptrs[mi].SetNibble(7-bi, uint8(batmap.Len()/8))
						}
					case fields.Has("bepi"):
						bepi, _ := evalExpr(fields.GetDefault("bepi", "0"), base)
						bl, _ := evalExpr(fields.GetDefault("bl_128k", "0"), base)
						vs, _ := evalExpr(fields.GetDefault("vs", "0"), base)
						vp, _ := evalExpr(fields.GetDefault("vp", "0"), base)
						unk23, _ := evalExpr(fields.GetDefault("unk23", "0"), base)
						wim, _ := evalExpr(fields.GetDefault("wim", "0"), base)
						ks, _ := evalExpr(fields.GetDefault("ks", "0"), base)
						ku, _ := evalExpr(fields.GetDefault("ku", "0"), base)
						pp, _ := evalExpr(fields.GetDefault("pp", "0"), base)
						brpnStr := fields.GetDefault("brpn", "0")
						brpn, _ := evalExpr(brpnStr, base)
						relative := strings.Contains(brpnStr, "BASE")

						e := types.BATEntry{
							BEPI: uint32(bepi) >> 17, BL128K: uint16(bl), VS: vs != 0, VP: vp != 0,
							Relative: relative, BRPN: uint32(brpn) >> 17,
							Unk23: uint8(unk23), WIM: uint8(wim), KS: ks != 0, KU: ku != 0, PP: uint8(pp),
						}
						var b8 [8]byte
						types.EncodeBATEntry(e, b8[:], bo)
						batmap.Write(b8[:])
					}
				}
			}
		}

		c.SegMap32SupInit, c.SegMap32UsrInit, c.SegMap32CPUInit, c.SegMap32OvlInit = arr128(segptrs[0]), arr128(segptrs[1]), arr128(segptrs[2]), arr128(segptrs[3])
		c.BatMap32SupInit, c.BatMap32UsrInit, c.BatMap32CPUInit, c.BatMap32OvlInit = batptrs[0], batptrs[1], batptrs[2], batptrs[3]
		copy(c.BATRangeInit[:], batmap.Bytes())

		lowmem.Write(make([]byte, 4))

		flat := make([]byte, types.ConfigInfoPageSize)
		ptr := len(flat)

		ptr -= lowmem.Len()
		if err := insertAndAssert(flat, lowmem.Bytes(), ptr); err != nil {
			return nil, err
		}
		c.MacLowMemInitOffset = uint32(ptr)

		if pagemap.Len() > 0 {
			ptr -= pagemap.Len()
			if err := insertAndAssert(flat, pagemap.Bytes(), ptr); err != nil {
				return nil, err
			}
			c.PageMapInitOffset = uint32(ptr)
			c.PageMapInitSize = uint32(pagemap.Len())
		}

		cbytes := make([]byte, types.ConfigInfoBodySize)
		c.Put(cbytes, bo)
		if err := insertAndAssert(flat, cbytes, types.ConfigInfoChecksumSize); err != nil {
			return nil, err
		}

		configInfoOffset = -int(c.ROMImageBaseOffset)
		if configInfoOffset < 0 || configInfoOffset+len(flat) > len(rom) {
			grown := make([]byte, configInfoOffset+len(flat))
			copy(grown, rom)
			rom = grown
		}
		if err := insertAndAssert(rom, flat, configInfoOffset); err != nil {
			return nil, err
		}

		for _, cf := range componentFields {
			blobOffset, _ := scalarField(&c, cf.field+"Offset")
			if blobOffset == 0 {
				continue
			}
			matches, _ := filepath.Glob(filepath.Join(src, cf.dirName) + "*")
			if len(matches) == 0 {
				continue
			}
			sort.Strings(matches)
			blob, err := dispatcher.Build(trimSrcSuffix(matches[0]))
			if err != nil {
				return nil, err
			}
			if err := insertAndAssert(rom, blob, configInfoOffset+int(blobOffset)); err != nil {
				return nil, err
			}
		}
	}

	checksumImage(rom, configInfoOffset)
	return rom, nil
}

func trimSrcSuffix(p string) string {
	return strings.TrimSuffix(p, ".src")
}

func indexOfName(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func arr128(b []byte) [128]byte {
	var a [128]byte
	copy(a[:], b)
	return a
}

// firstEquals trims a trailing "=filename" annotation (the documented
// second '=') off a raw Configfile value, leaving the bare expression.
func firstEquals(v string) string {
	if i := strings.IndexByte(v, '='); i >= 0 {
		return v[:i]
	}
	return v
}

// insertAndAssert copies insertee into dst at offset, refusing to
// overwrite any non-zero byte that differs from what's already there.
func insertAndAssert(dst, insertee []byte, offset int) error {
	if offset < 0 || offset+len(insertee) > len(dst) {
		return &xerrors.LayoutError{Offset: int64(offset), Err: fmt.Errorf("powerpc: insert of %d bytes runs past end of image", len(insertee))}
	}
	existing := dst[offset : offset+len(insertee)]
	if !bytes.Equal(existing, insertee) && anyNonZero(existing) {
		return &xerrors.LayoutError{Offset: int64(offset), Err: fmt.Errorf("powerpc: overwriting non-zero data")}
	}
	copy(dst[offset:], insertee)
	return nil
}

// checksumImage recomputes the eight-byte-lane-plus-64-bit-total checksum
// block at ofs, after zeroing it first.
func checksumImage(rom []byte, ofs int) {
	if ofs < 0 || ofs+40 > len(rom) {
		return
	}
	for i := ofs; i < ofs+40; i++ {
		rom[i] = 0
	}

	byteLanes := make([]int64, 8)
	for i, b := range rom {
		byteLanes[i%8] += int64(b)
	}

	var out [40]byte
	for k := 0; k < 8; k++ {
		bo.PutUint32(out[k*4:], uint32(byteLanes[k]))
	}
	var sum64 uint64
	for k := 0; k < 8; k++ {
		sum64 += uint64(byteLanes[7-k]) << (uint(k) * 8)
	}
	bo.PutUint64(out[32:], sum64)

	copy(rom[ofs:ofs+40], out[:])
}
