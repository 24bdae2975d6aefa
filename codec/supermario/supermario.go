// Package supermario implements the 68k Macintosh ROM architecture
// (internal codename "SuperMario", reused through the G3 era): a flat
// main-code region, a linked list of resources each preceded by a fake
// Memory Manager header, and a trailing declaration-data blob.
package supermario

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/elliotnunn/tbxi/dispatcher"
	"github.com/elliotnunn/tbxi/internal/macroman"
	"github.com/elliotnunn/tbxi/internal/manifest"
	"github.com/elliotnunn/tbxi/internal/xerrors"
	"github.com/elliotnunn/tbxi/types"
)

var byteOrder = binary.BigEndian

// pad is the filler pattern used for unused ROM space and to locate the
// boundary between MainCode and the trailing DeclData blob.
var pad = bytes.Repeat([]byte("kc"), 100)

const align = 16

const headerComment = `# Automated dump of Macintosh ROM resources

# The (optional) combo mask switches a resource based on the DefaultRSRCs
# field of the box's ProductInfo structure. (The low-memory variable at
# 0xDD8 points to ProductInfo, and the DefaultRSRCs byte is at offset
# 0x16.) The combo field is usually used for the Standard Apple Numeric
# Environment (SANE) PACKs 4 and 5.

# Summary of known combos:
# 0b01111000    AllCombos (DEFAULT)         Universal resource
# 0b01000000    AppleTalk1                  Appletalk 1.0
# 0b00100000    AppleTalk2                  Appletalk 2.0
# 0b00110000    AppleTalk2_NetBoot_FPU      Has FPU and remote booting
# 0b00001000    AppleTalk2_NetBoot_NoFPU    Has remote booting, no FPU
# 0b00010000    NetBoot                     Has remote booting
`

// Codec implements dispatcher.Codec for the SuperMario ROM format.
type Codec struct{}

func (Codec) Name() string { return "supermario" }

func isSuperMario(data []byte) bool {
	return (len(data) == 0x200000 || len(data) == 0x300000) && bytes.Contains(data, pad)
}

func cleanMainCode(data []byte) []byte {
	out := append([]byte(nil), data...)
	var h types.SuperMarioHeader
	h.Get(out, byteOrder)
	h.CheckSum = 0
	h.CheckSum0, h.CheckSum1, h.CheckSum2, h.CheckSum3 = 0, 0, 0, 0
	h.RomRsrc = 0
	h.RomSize = 1
	h.Put(out, byteOrder)
	return out
}

func extractDeclData(data []byte) []byte {
	idx := bytes.LastIndex(data, pad)
	if idx < 0 {
		return nil
	}
	return data[idx+len(pad):]
}

// resourceOffsets walks the linked list starting at the header's RomRsrc
// field and returns offsets in insertion order (the chain itself runs
// newest to oldest).
func resourceOffsets(data []byte) ([]uint32, error) {
	var h types.SuperMarioHeader
	h.Get(data, byteOrder)

	if int(h.RomRsrc)+types.ResHeaderSize > len(data) {
		return nil, &xerrors.LayoutError{Offset: int64(h.RomRsrc), Err: fmt.Errorf("supermario: ResHeader runs past end of ROM")}
	}
	var rh types.ResHeader
	rh.Get(data[h.RomRsrc:], byteOrder)

	var offsets []uint32
	link := rh.OffsetToFirst
	for link != 0 {
		offsets = append(offsets, link)
		if int(link)+types.ResEntryFixedSize > len(data) {
			return nil, &xerrors.LayoutError{Offset: int64(link), Err: fmt.Errorf("supermario: ResEntry runs past end of ROM")}
		}
		var e types.ResEntry
		e.Get(data[link:], byteOrder)
		link = e.OffsetToNext
	}

	for i, j := 0, len(offsets)-1; i < j; i, j = i+1, j-1 {
		offsets[i], offsets[j] = offsets[j], offsets[i]
	}
	return offsets, nil
}

func sanitizeMacRoman(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return out
}

// Dump extracts MainCode, an optional DeclData blob, and every resource
// in the ROM's linked list to destDir, describing them in a Romfile
// manifest.
func (Codec) Dump(data []byte, destDir string) error {
	if !isSuperMario(data) {
		return xerrors.WrongFormat
	}
	if err := os.MkdirAll(destDir, 0777); err != nil {
		return &xerrors.IOError{Op: "mkdir " + destDir, Err: err}
	}

	f, err := os.Create(filepath.Join(destDir, "Romfile"))
	if err != nil {
		return &xerrors.IOError{Op: "create Romfile", Err: err}
	}
	defer f.Close()
	w := manifest.NewWriter(f)
	w.Raw(headerComment + "\n")
	w.Line(0, "rom_size="+manifest.Quote(fmt.Sprintf("0x%x", len(data))))
	w.Blank()

	var h types.SuperMarioHeader
	h.Get(data, byteOrder)

	mainCode := cleanMainCode(data[:h.RomRsrc])
	if err := dispatcher.Dump(mainCode, filepath.Join(destDir, "MainCode"), false); err != nil {
		return err
	}

	if decl := extractDeclData(data); len(decl) > 0 {
		if err := dispatcher.Dump(decl, filepath.Join(destDir, "DeclData"), false); err != nil {
			return err
		}
	}

	offsets, err := resourceOffsets(data)
	if err != nil {
		return err
	}

	unavailable := map[string]bool{"": true, ".pef": true}
	var rsrcDir string

	for _, offset := range offsets {
		var e types.ResEntry
		e.Get(data[offset:], byteOrder)

		mmOff := int(e.OffsetToData) - types.FakeMMHeaderSize
		if mmOff < 0 || mmOff+types.FakeMMHeaderSize > len(data) {
			return &xerrors.LayoutError{Offset: int64(e.OffsetToData), Err: fmt.Errorf("supermario: FakeMMHeader out of range")}
		}
		var mm types.FakeMMHeader
		mm.Get(data[mmOff:], byteOrder)
		if mm.MagicKurt != types.MagicKurt || mm.MagicC0A00000 != types.MagicC0A00000 {
			return &xerrors.LayoutError{Offset: int64(mmOff), Err: fmt.Errorf("supermario: bad FakeMMHeader magic")}
		}

		rsrcLen := int(mm.DataSizePlus12) - 12
		if rsrcLen < 0 || int(e.OffsetToData)+rsrcLen > len(data) {
			return &xerrors.LayoutError{Offset: int64(e.OffsetToData), Err: fmt.Errorf("supermario: resource data out of range")}
		}
		rdata := data[e.OffsetToData : int(e.OffsetToData)+rsrcLen]

		combo := comboName(e.Combo)

		filename := fmt.Sprintf("%s_%d", sanitizeMacRoman(e.RsrcType.String()), e.RsrcID)
		if len(e.RsrcName) > 0 && e.RsrcName != "Main" {
			filename += "_" + sanitizeMacRoman(e.RsrcName)
		}
		if combo != "AllCombos" {
			filename += "_" + strings.ReplaceAll(combo, "AppleTalk", "AT")
		}
		filename = strings.Trim(filename, "_")
		for strings.Contains(filename, "__") {
			filename = strings.ReplaceAll(filename, "__", "_")
		}
		if bytes.HasPrefix(rdata, []byte("Joy!peff")) {
			filename += ".pef"
		}
		for unavailable[filename] {
			filename = "_" + filename
		}
		unavailable[filename] = true

		if rsrcDir == "" {
			rsrcDir = filepath.Join(destDir, "Rsrc")
			if err := os.MkdirAll(rsrcDir, 0777); err != nil {
				return &xerrors.IOError{Op: "mkdir " + rsrcDir, Err: err}
			}
		}
		if err := os.WriteFile(filepath.Join(rsrcDir, filename), rdata, 0666); err != nil {
			return &xerrors.IOError{Op: "write " + filename, Err: err}
		}

		parts := []string{
			"type=" + manifest.Quote(macroman.Decode(e.RsrcType[:])),
			"id=" + strconv.Itoa(int(e.RsrcID)),
			"name=" + manifest.Quote(e.RsrcName),
			"src=" + manifest.Quote(filepath.Join("Rsrc", filename)),
			"offset=" + fmt.Sprintf("0x%X", mmOff),
		}
		if combo != "AllCombos" {
			parts = append(parts, "combo="+combo)
		}
		w.Line(0, parts...)
	}

	return w.Flush()
}

type resourceSpec struct {
	rsrcType string
	id       int16
	name     string
	src      string
	combo    string
	offset   int64
	hasOffset bool
}

// Build parses src/Romfile and assembles the ROM it describes.
func (Codec) Build(src string) ([]byte, error) {
	manifestPath := filepath.Join(src, "Romfile")
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, xerrors.WrongFormat
	}
	defer f.Close()

	var romSize int64
	var resources []resourceSpec

	r := manifest.NewReader(f, manifestPath)
	for {
		line, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		fields := manifest.ParseFields(line.Tokens)
		if v, ok := fields.Get("rom_size"); ok {
			n, perr := manifest.ParseHex(v)
			if perr != nil {
				return nil, &xerrors.ParseError{File: manifestPath, Line: line.Number, Err: perr}
			}
			romSize = int64(n)
			continue
		}
		if _, ok := fields.Get("type"); !ok {
			continue
		}
		id, _ := strconv.Atoi(fields.GetDefault("id", "0"))
		rs := resourceSpec{
			rsrcType: fields.GetDefault("type", ""),
			id:       int16(id),
			name:     fields.GetDefault("name", ""),
			src:      fields.GetDefault("src", ""),
			combo:    fields.GetDefault("combo", "AllCombos"),
		}
		if v, ok := fields.Get("offset"); ok {
			n, perr := manifest.ParseHex(v)
			if perr != nil {
				return nil, &xerrors.ParseError{File: manifestPath, Line: line.Number, Err: perr}
			}
			rs.offset = int64(n)
			rs.hasOffset = true
		}
		resources = append(resources, rs)
	}
	if romSize == 0 {
		return nil, xerrors.WrongFormat
	}

	rom := bytes.Repeat([]byte("kc"), int(romSize/2))
	freeMap := bytes.Repeat([]byte("X"), int(romSize)/align)

	insert := func(offset int, data []byte, letter byte) error {
		if offset < 0 || offset+len(data) > len(rom) {
			return &xerrors.LayoutError{Offset: int64(offset), Err: fmt.Errorf("supermario: ROM too small for %d-byte insert at %#x", len(data), offset)}
		}
		copy(rom[offset:], data)

		start := offset / align
		stop := (offset+len(data)-1)/align + 1
		for i := start; i < stop; i++ {
			if freeMap[i] >= 'a' && freeMap[i] <= 'z' {
				return &xerrors.LayoutError{Offset: int64(offset), Err: fmt.Errorf("supermario: slot %d already placed (%q)", i, freeMap[i])}
			}
			freeMap[i] = letter
		}
		return nil
	}

	findFree := func(length int) (int, error) {
		slots := (length + align - 1) / align
		want := bytes.Repeat([]byte("X"), slots)
		idx := bytes.Index(freeMap, want)
		if idx < 0 {
			return 0, &xerrors.LayoutError{Offset: 0, Err: fmt.Errorf("supermario: no free run of %d slots", slots)}
		}
		return idx * align, nil
	}

	mainCode, err := dispatcher.Build(filepath.Join(src, "MainCode"))
	if err != nil {
		return nil, err
	}
	if err := insert(0, mainCode, 'm'); err != nil {
		return nil, err
	}

	headPtr, err := findFree(types.ResHeaderSize)
	if err != nil {
		return nil, err
	}
	if err := insert(headPtr, bytes.Repeat([]byte{'H'}, types.ResHeaderSize), 'H'); err != nil {
		return nil, err
	}

	declPath := filepath.Join(src, "DeclData")
	_, errSrc := os.Stat(declPath + ".src")
	_, errPlain := os.Stat(declPath)
	if errSrc == nil || errPlain == nil {
		decl, err := dispatcher.Build(declPath)
		if err != nil {
			return nil, err
		}
		if err := insert(len(rom)-len(decl), decl, 'd'); err != nil {
			return nil, err
		}
	}

	entPtr := 0
	bogusOff := uint32(0x5C)

	for _, rs := range resources {
		data, err := dispatcher.Build(filepath.Join(src, rs.src))
		if err != nil {
			return nil, &xerrors.MissingComponent{Name: rs.src}
		}

		var ofs int
		if rs.hasOffset {
			ofs = int(rs.offset)
		} else {
			ofs, err = findFree(types.FakeMMHeaderSize + len(data))
			if err != nil {
				return nil, err
			}
		}
		mmPtr := ofs
		dataPtr := ofs + types.FakeMMHeaderSize

		mm := types.FakeMMHeader{
			MagicKurt:      types.MagicKurt,
			MagicC0A00000:  types.MagicC0A00000,
			DataSizePlus12: uint32(len(data)) + 12,
			BogusOff:       bogusOff,
		}
		mmBytes := make([]byte, types.FakeMMHeaderSize+len(data))
		mm.Put(mmBytes, byteOrder)
		copy(mmBytes[types.FakeMMHeaderSize:], data)
		if err := insert(mmPtr, mmBytes, 'r'); err != nil {
			return nil, err
		}

		combo, ok := comboValue(rs.combo)
		if !ok {
			n, perr := strconv.ParseUint(rs.combo, 0, 8)
			if perr != nil {
				return nil, &xerrors.ParseError{File: manifestPath, Err: fmt.Errorf("unknown combo %q", rs.combo)}
			}
			combo = n << 56
		}

		entry := types.ResEntry{
			Combo:        combo,
			OffsetToNext: uint32(entPtr),
			OffsetToData: uint32(dataPtr),
			RsrcType:     types.NewOSType(rs.rsrcType),
			RsrcID:       rs.id,
			RsrcAttr:     0x58,
			RsrcName:     rs.name,
		}
		entBytes := make([]byte, entry.Size())
		entry.Put(entBytes, byteOrder)

		entPtr, err = findFree(len(entBytes))
		if err != nil {
			return nil, err
		}
		if err := insert(entPtr, entBytes, 'e'); err != nil {
			return nil, err
		}

		bogusOff += 8
	}

	head := types.ResHeader{
		OffsetToFirst:  uint32(entPtr),
		MaxValidIndex:  4,
		ComboFieldSize: 8,
		ComboVersion:   1,
		HeaderSize:     12,
	}
	headBytes := make([]byte, types.ResHeaderSize)
	head.Put(headBytes, byteOrder)
	if err := insert(headPtr, headBytes, 'h'); err != nil {
		return nil, err
	}

	var h types.SuperMarioHeader
	h.Get(rom, byteOrder)
	h.RomRsrc = uint32(headPtr)
	h.RomSize = uint32(len(rom))
	h.Put(rom, byteOrder)

	checksum(rom)

	return rom, nil
}

// checksum recomputes the SuperMario header's four byte-lane sums and
// single big-endian-word sum over the whole image, after zeroing both.
func checksum(rom []byte) {
	for i := 0; i < 4; i++ {
		rom[i] = 0
	}
	for i := 0x30; i < 0x40; i++ {
		rom[i] = 0
	}

	var lanes [4]uint32
	for i, b := range rom {
		lanes[i%4] += uint32(b)
	}
	for i := 0; i < 4; i++ {
		byteOrder.PutUint32(rom[0x30+4*i:], lanes[i])
	}

	var oneword uint32
	for i := 0; i+1 < len(rom); i += 2 {
		oneword += uint32(rom[i])<<8 | uint32(rom[i+1])
	}
	byteOrder.PutUint32(rom[0:4], oneword)
}
