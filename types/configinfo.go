package types

import "encoding/binary"

// ConfigInfoChecksumSize is the size of the checksum block (eight 32-bit
// byte-lane sums plus one 64-bit total) that forms the first 40 bytes of
// every ConfigInfo page.
const ConfigInfoChecksumSize = 40

// ConfigInfoBodySize is the size of ConfigInfo excluding the leading
// checksum block.
const ConfigInfoBodySize = 848

// ConfigInfoPageSize is the size of the page a ConfigInfo occupies.
const ConfigInfoPageSize = 0x1000

// BootstrapVersionSize is the width of the shared signature field.
const BootstrapVersionSize = 16

// SegMapSize is the width of one SegMap array (per map class).
const SegMapSize = 128

// BATRangeInitSize is the width of the BAT range init array (16 entries
// of 8 bytes each).
const BATRangeInitSize = 128

// BatMapNibbles is a 32-bit word packing eight 4-bit pointer nibbles, one
// per BAT entry of a given map class.
type BatMapNibbles uint32

func (w BatMapNibbles) Nibble(i int) uint8 {
	return uint8((w >> (uint(i) * 4)) & 0xF)
}

func (w *BatMapNibbles) SetNibble(i int, v uint8) {
	shift := uint(i) * 4
	mask := BatMapNibbles(0xF) << shift
	*w = (*w &^ mask) | (BatMapNibbles(v&0xF) << shift)
}

// ConfigInfo is the PowerPC ROM descriptor occupying the start of a
// 0x1000-byte page. The checksum block (first 40 bytes) is stored and
// managed separately by pkg responsible for checksumming; ConfigInfo
// itself models everything from offset 40 onward.
type ConfigInfo struct {
	ROMImageBaseOffset int32
	ROMImageSize       uint32
	ROMImageVersion    uint32

	Mac68KROMOffset      int32
	Mac68KROMSize        uint32
	ExceptionTableOffset int32
	ExceptionTableSize   uint32
	HWInitCodeOffset     int32
	HWInitCodeSize       uint32
	KernelCodeOffset     int32
	KernelCodeSize       uint32
	EmulatorCodeOffset   int32
	EmulatorCodeSize     uint32
	OpcodeTableOffset    int32
	OpcodeTableSize      uint32

	BootstrapVersion   [BootstrapVersionSize]byte
	BootVersionOffset  uint32
	ECBOffset          uint32
	IplValueOffset     uint32

	EmulatorEntryOffset   uint32
	KernelTrapTableOffset uint32

	TestIntMaskInit       uint32
	ClearIntMaskInit      uint32
	PostIntMaskInit       uint32
	LA_InterruptCtl       uint32
	InterruptHandlerKind  int8

	LA_InfoRecord    uint32
	LA_KernelData    uint32
	LA_EmulatorData  uint32
	LA_DispatchTable uint32
	LA_EmulatorCode  uint32

	MacLowMemInitOffset uint32

	PageAttributeInit uint32
	PageMapInitSize   uint32
	PageMapInitOffset uint32
	PageMapIRPOffset  uint32
	PageMapKDPOffset  uint32
	PageMapEDPOffset  uint32

	SegMap32SupInit [SegMapSize]byte
	SegMap32UsrInit [SegMapSize]byte
	SegMap32CPUInit [SegMapSize]byte
	SegMap32OvlInit [SegMapSize]byte
	BATRangeInit    [BATRangeInitSize]byte

	BatMap32SupInit BatMapNibbles
	BatMap32UsrInit BatMapNibbles
	BatMap32CPUInit BatMapNibbles
	BatMap32OvlInit BatMapNibbles

	SharedMemoryAddr        uint32
	PA_RelocatedLowMemInit  uint32

	OpenFWBundleOffset int32
	OpenFWBundleSize   uint32
	LA_OpenFirmware    uint32
	PA_OpenFirmware    uint32
	LA_HardwarePriv    uint32
}

func (c *ConfigInfo) Get(b []byte, o binary.ByteOrder) {
	p := 0
	u32 := func() uint32 { v := o.Uint32(b[p:]); p += 4; return v }
	i32 := func() int32 { v := int32(o.Uint32(b[p:])); p += 4; return v }
	i8 := func() int8 { v := int8(b[p]); p++; return v }

	c.ROMImageBaseOffset = i32()
	c.ROMImageSize = u32()
	c.ROMImageVersion = u32()

	c.Mac68KROMOffset = i32()
	c.Mac68KROMSize = u32()
	c.ExceptionTableOffset = i32()
	c.ExceptionTableSize = u32()
	c.HWInitCodeOffset = i32()
	c.HWInitCodeSize = u32()
	c.KernelCodeOffset = i32()
	c.KernelCodeSize = u32()
	c.EmulatorCodeOffset = i32()
	c.EmulatorCodeSize = u32()
	c.OpcodeTableOffset = i32()
	c.OpcodeTableSize = u32()

	copy(c.BootstrapVersion[:], b[p:p+BootstrapVersionSize])
	p += BootstrapVersionSize
	c.BootVersionOffset = u32()
	c.ECBOffset = u32()
	c.IplValueOffset = u32()

	c.EmulatorEntryOffset = u32()
	c.KernelTrapTableOffset = u32()

	c.TestIntMaskInit = u32()
	c.ClearIntMaskInit = u32()
	c.PostIntMaskInit = u32()
	c.LA_InterruptCtl = u32()
	c.InterruptHandlerKind = i8()
	p += 3 // xxx padding

	c.LA_InfoRecord = u32()
	c.LA_KernelData = u32()
	c.LA_EmulatorData = u32()
	c.LA_DispatchTable = u32()
	c.LA_EmulatorCode = u32()

	c.MacLowMemInitOffset = u32()

	c.PageAttributeInit = u32()
	c.PageMapInitSize = u32()
	c.PageMapInitOffset = u32()
	c.PageMapIRPOffset = u32()
	c.PageMapKDPOffset = u32()
	c.PageMapEDPOffset = u32()

	copy(c.SegMap32SupInit[:], b[p:p+SegMapSize])
	p += SegMapSize
	copy(c.SegMap32UsrInit[:], b[p:p+SegMapSize])
	p += SegMapSize
	copy(c.SegMap32CPUInit[:], b[p:p+SegMapSize])
	p += SegMapSize
	copy(c.SegMap32OvlInit[:], b[p:p+SegMapSize])
	p += SegMapSize
	copy(c.BATRangeInit[:], b[p:p+BATRangeInitSize])
	p += BATRangeInitSize

	c.BatMap32SupInit = BatMapNibbles(u32())
	c.BatMap32UsrInit = BatMapNibbles(u32())
	c.BatMap32CPUInit = BatMapNibbles(u32())
	c.BatMap32OvlInit = BatMapNibbles(u32())

	c.SharedMemoryAddr = u32()
	c.PA_RelocatedLowMemInit = u32()

	c.OpenFWBundleOffset = i32()
	c.OpenFWBundleSize = u32()
	c.LA_OpenFirmware = u32()
	c.PA_OpenFirmware = u32()
	c.LA_HardwarePriv = u32()
}

func (c *ConfigInfo) Put(b []byte, o binary.ByteOrder) {
	p := 0
	putU32 := func(v uint32) { o.PutUint32(b[p:], v); p += 4 }
	putI32 := func(v int32) { o.PutUint32(b[p:], uint32(v)); p += 4 }
	putI8 := func(v int8) { b[p] = byte(v); p++ }

	putI32(c.ROMImageBaseOffset)
	putU32(c.ROMImageSize)
	putU32(c.ROMImageVersion)

	putI32(c.Mac68KROMOffset)
	putU32(c.Mac68KROMSize)
	putI32(c.ExceptionTableOffset)
	putU32(c.ExceptionTableSize)
	putI32(c.HWInitCodeOffset)
	putU32(c.HWInitCodeSize)
	putI32(c.KernelCodeOffset)
	putU32(c.KernelCodeSize)
	putI32(c.EmulatorCodeOffset)
	putU32(c.EmulatorCodeSize)
	putI32(c.OpcodeTableOffset)
	putU32(c.OpcodeTableSize)

	copy(b[p:p+BootstrapVersionSize], c.BootstrapVersion[:])
	p += BootstrapVersionSize
	putU32(c.BootVersionOffset)
	putU32(c.ECBOffset)
	putU32(c.IplValueOffset)

	putU32(c.EmulatorEntryOffset)
	putU32(c.KernelTrapTableOffset)

	putU32(c.TestIntMaskInit)
	putU32(c.ClearIntMaskInit)
	putU32(c.PostIntMaskInit)
	putU32(c.LA_InterruptCtl)
	putI8(c.InterruptHandlerKind)
	p += 3

	putU32(c.LA_InfoRecord)
	putU32(c.LA_KernelData)
	putU32(c.LA_EmulatorData)
	putU32(c.LA_DispatchTable)
	putU32(c.LA_EmulatorCode)

	putU32(c.MacLowMemInitOffset)

	putU32(c.PageAttributeInit)
	putU32(c.PageMapInitSize)
	putU32(c.PageMapInitOffset)
	putU32(c.PageMapIRPOffset)
	putU32(c.PageMapKDPOffset)
	putU32(c.PageMapEDPOffset)

	copy(b[p:p+SegMapSize], c.SegMap32SupInit[:])
	p += SegMapSize
	copy(b[p:p+SegMapSize], c.SegMap32UsrInit[:])
	p += SegMapSize
	copy(b[p:p+SegMapSize], c.SegMap32CPUInit[:])
	p += SegMapSize
	copy(b[p:p+SegMapSize], c.SegMap32OvlInit[:])
	p += SegMapSize
	copy(b[p:p+BATRangeInitSize], c.BATRangeInit[:])
	p += BATRangeInitSize

	putU32(uint32(c.BatMap32SupInit))
	putU32(uint32(c.BatMap32UsrInit))
	putU32(uint32(c.BatMap32CPUInit))
	putU32(uint32(c.BatMap32OvlInit))

	putU32(c.SharedMemoryAddr)
	putU32(c.PA_RelocatedLowMemInit)

	putI32(c.OpenFWBundleOffset)
	putU32(c.OpenFWBundleSize)
	putU32(c.LA_OpenFirmware)
	putU32(c.PA_OpenFirmware)
	putU32(c.LA_HardwarePriv)
}

// BATEntry is one decoded 8-byte entry of BATRangeInit.
type BATEntry struct {
	BEPI   uint32 // block effective page index
	BL128K uint16 // block length, in 128K units
	VS     bool
	VP     bool
	// Relative marks a BRPN that was stored ROM-base-relative (word1 bit
	// 9) rather than as an absolute real page number; the codec adds the
	// ConfigInfo's own file offset back onto BRPN when this is set.
	Relative bool
	BRPN     uint32 // block real page number
	Unk23    uint8
	WIM      uint8
	KS       bool
	KU       bool
	PP       uint8
}

// DecodeBATEntry unpacks one 8-byte BAT range record. The encoding follows
// the PowerPC BAT register layout: word0 is BEPI(17:32)|BL(2:13,128K
// units)|VS(1)|VP(0); word1 is BRPN(17:32)|relative-flag(9)|unk23(8)|
// WIM(4:7)|KS(3)|KU(2)|PP(0:2).
func DecodeBATEntry(b []byte, o binary.ByteOrder) BATEntry {
	w0 := o.Uint32(b[0:])
	w1 := o.Uint32(b[4:])
	return BATEntry{
		BEPI:     w0 >> 17,
		BL128K:   uint16((w0 >> 2) & 0x7FF),
		VS:       w0&0x2 != 0,
		VP:       w0&0x1 != 0,
		Relative: w1&0x200 != 0,
		BRPN:     w1 >> 17,
		Unk23:    uint8((w1 >> 8) & 0x1),
		WIM:      uint8((w1 >> 4) & 0x7),
		KS:       w1&0x8 != 0,
		KU:       w1&0x4 != 0,
		PP:       uint8(w1 & 0x3),
	}
}

func EncodeBATEntry(e BATEntry, b []byte, o binary.ByteOrder) {
	var w0, w1 uint32
	w0 |= e.BEPI << 17
	w0 |= (uint32(e.BL128K) & 0x7FF) << 2
	if e.VS {
		w0 |= 0x2
	}
	if e.VP {
		w0 |= 0x1
	}
	w1 |= e.BRPN << 17
	if e.Relative {
		w1 |= 0x200
	}
	w1 |= uint32(e.Unk23&0x1) << 8
	w1 |= uint32(e.WIM&0x7) << 4
	if e.KS {
		w1 |= 0x8
	}
	if e.KU {
		w1 |= 0x4
	}
	w1 |= uint32(e.PP & 0x3)
	o.PutUint32(b[0:], w0)
	o.PutUint32(b[4:], w1)
}
