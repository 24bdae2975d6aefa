// Package types holds the big-endian, fixed-layout records shared by every
// codec: the parcels Node/Child headers, the SuperMario ROM header and
// resource-list records, and the PowerPC ConfigInfo page. Every record has
// a Put/Get pair instead of an unsafe cast, because Go struct layout makes
// no promises about field padding and several of these records are packed
// tighter than their Go field widths (Pascal strings, bitfields, nibbles).
package types

import "encoding/binary"

// PrclMagic is the 8-byte signature at the start of a parcels file.
var PrclMagic = [8]byte{'p', 'r', 'c', 'l', 0x01, 0x00, 0x00, 0x00}

// PrclHeaderSizeConst is the fixed 4-byte header-size field that follows
// PrclMagic, always 0x14.
const PrclHeaderSizeConst = 0x14

// PrclNodeStructSize is the on-disk size of PrclNodeStruct.
const PrclNodeStructSize = 4 + 4 + 4 + 4 + 4 + 4 + 32 + 32 // 88

// PrclNodeStruct is a parcels tree Node header.
type PrclNodeStruct struct {
	Link       uint32
	OSType     OSType
	HdrSize    uint32
	Flags      uint32
	NChildren  uint32
	ChildSize  uint32
	A          string // 32-byte fixed field
	B          string // 32-byte fixed field
}

func (n *PrclNodeStruct) Get(b []byte, o binary.ByteOrder) {
	n.Link = o.Uint32(b[0:])
	copy(n.OSType[:], b[4:8])
	n.HdrSize = o.Uint32(b[8:])
	n.Flags = o.Uint32(b[12:])
	n.NChildren = o.Uint32(b[16:])
	n.ChildSize = o.Uint32(b[20:])
	n.A = FixedString(b[24:56])
	n.B = FixedString(b[56:88])
}

func (n *PrclNodeStruct) Put(b []byte, o binary.ByteOrder) {
	o.PutUint32(b[0:], n.Link)
	copy(b[4:8], n.OSType[:])
	o.PutUint32(b[8:], n.HdrSize)
	o.PutUint32(b[12:], n.Flags)
	o.PutUint32(b[16:], n.NChildren)
	o.PutUint32(b[20:], n.ChildSize)
	PutFixedString(b[24:56], n.A)
	PutFixedString(b[56:88], n.B)
}

// PrclChildStructSize is the on-disk size of PrclChildStruct.
const PrclChildStructSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 32 // 60

// PrclChildStruct is a parcels tree Child record.
type PrclChildStruct struct {
	OSType      OSType
	Flags       uint32
	Compress    OSType // "" or "lzss", stored in a 4-byte field
	UnpackedLen uint32
	Cksum       uint32
	PackedLen   uint32
	Ptr         uint32
	Name        string // 32-byte fixed field
}

func (c *PrclChildStruct) Get(b []byte, o binary.ByteOrder) {
	copy(c.OSType[:], b[0:4])
	c.Flags = o.Uint32(b[4:])
	copy(c.Compress[:], b[8:12])
	c.UnpackedLen = o.Uint32(b[12:])
	c.Cksum = o.Uint32(b[16:])
	c.PackedLen = o.Uint32(b[20:])
	c.Ptr = o.Uint32(b[24:])
	c.Name = FixedString(b[28:60])
}

func (c *PrclChildStruct) Put(b []byte, o binary.ByteOrder) {
	copy(b[0:4], c.OSType[:])
	o.PutUint32(b[4:], c.Flags)
	copy(b[8:12], c.Compress[:])
	o.PutUint32(b[12:], c.UnpackedLen)
	o.PutUint32(b[16:], c.Cksum)
	o.PutUint32(b[20:], c.PackedLen)
	o.PutUint32(b[24:], c.Ptr)
	PutFixedString(b[28:60], c.Name)
}

// CompressLZSS is the compress-tag value meaning "lzss-compressed".
var CompressLZSS = NewOSType("lzss")

// SuperMarioHeaderSize is the on-disk size of SuperMarioHeader.
const SuperMarioHeaderSize = 80

// SuperMarioHeader is the header of a 68k SuperMario ROM image.
type SuperMarioHeader struct {
	CheckSum            uint32
	ResetPC             uint32
	MachineNumber       uint8
	ROMVersion          uint8
	ReStartJMP          uint32
	BadDiskJMP          uint32
	ROMRelease          uint16
	PatchFlags          uint8
	Unused1             uint8
	ForeignOSTbl        uint32
	RomRsrc             uint32
	EjectJMP            uint32
	DispTableOff        uint32
	CriticalJMP         uint32
	ResetEntryJMP       uint32
	RomLoc              uint8
	Unused2             uint8
	CheckSum0           uint32
	CheckSum1           uint32
	CheckSum2           uint32
	CheckSum3           uint32
	RomSize             uint32
	EraseIconOff        uint32
	InitSys7ToolboxOff  uint32
	SubVers             uint32
}

func (h *SuperMarioHeader) Get(b []byte, o binary.ByteOrder) {
	h.CheckSum = o.Uint32(b[0:])
	h.ResetPC = o.Uint32(b[4:])
	h.MachineNumber = b[8]
	h.ROMVersion = b[9]
	h.ReStartJMP = o.Uint32(b[10:])
	h.BadDiskJMP = o.Uint32(b[14:])
	h.ROMRelease = o.Uint16(b[18:])
	h.PatchFlags = b[20]
	h.Unused1 = b[21]
	h.ForeignOSTbl = o.Uint32(b[22:])
	h.RomRsrc = o.Uint32(b[26:])
	h.EjectJMP = o.Uint32(b[30:])
	h.DispTableOff = o.Uint32(b[34:])
	h.CriticalJMP = o.Uint32(b[38:])
	h.ResetEntryJMP = o.Uint32(b[42:])
	h.RomLoc = b[46]
	h.Unused2 = b[47]
	h.CheckSum0 = o.Uint32(b[48:])
	h.CheckSum1 = o.Uint32(b[52:])
	h.CheckSum2 = o.Uint32(b[56:])
	h.CheckSum3 = o.Uint32(b[60:])
	h.RomSize = o.Uint32(b[64:])
	h.EraseIconOff = o.Uint32(b[68:])
	h.InitSys7ToolboxOff = o.Uint32(b[72:])
	h.SubVers = o.Uint32(b[76:])
}

func (h *SuperMarioHeader) Put(b []byte, o binary.ByteOrder) {
	o.PutUint32(b[0:], h.CheckSum)
	o.PutUint32(b[4:], h.ResetPC)
	b[8] = h.MachineNumber
	b[9] = h.ROMVersion
	o.PutUint32(b[10:], h.ReStartJMP)
	o.PutUint32(b[14:], h.BadDiskJMP)
	o.PutUint16(b[18:], h.ROMRelease)
	b[20] = h.PatchFlags
	b[21] = h.Unused1
	o.PutUint32(b[22:], h.ForeignOSTbl)
	o.PutUint32(b[26:], h.RomRsrc)
	o.PutUint32(b[30:], h.EjectJMP)
	o.PutUint32(b[34:], h.DispTableOff)
	o.PutUint32(b[38:], h.CriticalJMP)
	o.PutUint32(b[42:], h.ResetEntryJMP)
	b[46] = h.RomLoc
	b[47] = h.Unused2
	o.PutUint32(b[48:], h.CheckSum0)
	o.PutUint32(b[52:], h.CheckSum1)
	o.PutUint32(b[56:], h.CheckSum2)
	o.PutUint32(b[60:], h.CheckSum3)
	o.PutUint32(b[64:], h.RomSize)
	o.PutUint32(b[68:], h.EraseIconOff)
	o.PutUint32(b[72:], h.InitSys7ToolboxOff)
	o.PutUint32(b[76:], h.SubVers)
}

// SuperMarioForeignOSSize is the on-disk size of SuperMarioForeignOS.
const SuperMarioForeignOSSize = 7 * 4

// SuperMarioForeignOS is the foreign-OS jump table referenced by ForeignOSTbl.
type SuperMarioForeignOS struct {
	InitDispatcher  uint32
	EMT1010         uint32
	BadTrap         uint32
	StartSDeclMgr   uint32
	InitMemVect     uint32
	SwitchMMU       uint32
	InitRomVectors  uint32
}

func (f *SuperMarioForeignOS) Get(b []byte, o binary.ByteOrder) {
	f.InitDispatcher = o.Uint32(b[0:])
	f.EMT1010 = o.Uint32(b[4:])
	f.BadTrap = o.Uint32(b[8:])
	f.StartSDeclMgr = o.Uint32(b[12:])
	f.InitMemVect = o.Uint32(b[16:])
	f.SwitchMMU = o.Uint32(b[20:])
	f.InitRomVectors = o.Uint32(b[24:])
}

func (f *SuperMarioForeignOS) Put(b []byte, o binary.ByteOrder) {
	o.PutUint32(b[0:], f.InitDispatcher)
	o.PutUint32(b[4:], f.EMT1010)
	o.PutUint32(b[8:], f.BadTrap)
	o.PutUint32(b[12:], f.StartSDeclMgr)
	o.PutUint32(b[16:], f.InitMemVect)
	o.PutUint32(b[20:], f.SwitchMMU)
	o.PutUint32(b[24:], f.InitRomVectors)
}

// ResHeaderSize is the on-disk size of ResHeader.
const ResHeaderSize = 16

// ResHeader roots the SuperMario resource linked list.
type ResHeader struct {
	OffsetToFirst  uint32
	MaxValidIndex  uint8
	ComboFieldSize uint8
	ComboVersion   uint16
	HeaderSize     uint16
}

func (r *ResHeader) Get(b []byte, o binary.ByteOrder) {
	r.OffsetToFirst = o.Uint32(b[0:])
	r.MaxValidIndex = b[4]
	r.ComboFieldSize = b[5]
	r.ComboVersion = o.Uint16(b[6:])
	r.HeaderSize = o.Uint16(b[8:])
}

func (r *ResHeader) Put(b []byte, o binary.ByteOrder) {
	o.PutUint32(b[0:], r.OffsetToFirst)
	b[4] = r.MaxValidIndex
	b[5] = r.ComboFieldSize
	o.PutUint16(b[6:], r.ComboVersion)
	o.PutUint16(b[8:], r.HeaderSize)
	// bytes 10..16 are the 6x reserved pad, left zero
}

// ResEntryFixedSize is the size of a ResEntry excluding the Pascal-string
// name field (0x18 == 24).
const ResEntryFixedSize = 8 + 4 + 4 + 4 + 2 + 1 + 1 // 24

// ResEntry is one link in the SuperMario resource chain.
type ResEntry struct {
	Combo        uint64
	OffsetToNext uint32
	OffsetToData uint32
	RsrcType     OSType
	RsrcID       int16
	RsrcAttr     uint8
	RsrcName     string // Pascal string, <= 255 bytes
}

// Size is the truncated on-disk size of this entry: 0x18 + len(name).
func (e *ResEntry) Size() int {
	return ResEntryFixedSize + len(e.RsrcName)
}

func (e *ResEntry) Get(b []byte, o binary.ByteOrder) {
	e.Combo = o.Uint64(b[0:])
	e.OffsetToNext = o.Uint32(b[8:])
	e.OffsetToData = o.Uint32(b[12:])
	copy(e.RsrcType[:], b[16:20])
	e.RsrcID = int16(o.Uint16(b[20:]))
	e.RsrcAttr = b[22]
	if len(b) > 23 {
		e.RsrcName = PascalString(b[23:])
	}
}

func (e *ResEntry) Put(b []byte, o binary.ByteOrder) {
	o.PutUint64(b[0:], e.Combo)
	o.PutUint32(b[8:], e.OffsetToNext)
	o.PutUint32(b[12:], e.OffsetToData)
	copy(b[16:20], e.RsrcType[:])
	o.PutUint16(b[20:], uint16(e.RsrcID))
	b[22] = e.RsrcAttr
	PutPascalString(b[23:], e.RsrcName)
}

// FakeMMHeaderSize is the on-disk size of FakeMMHeader.
const FakeMMHeaderSize = 16

// MagicKurt is the 4-byte signature preceding resource data.
var MagicKurt = NewOSType("Kurt")

// MagicC0A00000 is the fixed sentinel word in FakeMMHeader.
const MagicC0A00000 = 0xC0A00000

// FakeMMHeader precedes every resource's data region.
type FakeMMHeader struct {
	MagicKurt       OSType
	MagicC0A00000   uint32
	DataSizePlus12  uint32
	BogusOff        uint32
}

func (h *FakeMMHeader) Get(b []byte, o binary.ByteOrder) {
	copy(h.MagicKurt[:], b[0:4])
	h.MagicC0A00000 = o.Uint32(b[4:])
	h.DataSizePlus12 = o.Uint32(b[8:])
	h.BogusOff = o.Uint32(b[12:])
}

func (h *FakeMMHeader) Put(b []byte, o binary.ByteOrder) {
	copy(b[0:4], h.MagicKurt[:])
	o.PutUint32(b[4:], h.MagicC0A00000)
	o.PutUint32(b[8:], h.DataSizePlus12)
	o.PutUint32(b[12:], h.BogusOff)
}
