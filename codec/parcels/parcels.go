// Package parcels implements Apple's "Toolbox Parcels" format (magic
// "prcl"): a forest of Nodes linked by absolute file offsets, each
// carrying an ordered list of Children that point at LZSS-optionally-
// compressed data blobs. It is the device-tree-shaped payload that rides
// inside a bootinfo file.
package parcels

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/elliotnunn/tbxi/dispatcher"
	"github.com/elliotnunn/tbxi/internal/manifest"
	"github.com/elliotnunn/tbxi/internal/xerrors"
	"github.com/elliotnunn/tbxi/pkg/lzss"
	"github.com/elliotnunn/tbxi/pkg/pef"
	"github.com/elliotnunn/tbxi/types"
)

var byteOrder = binary.BigEndian

const headerComment = `# Automated dump of Toolbox Parcels (magic number 'prcl')

#parcel_type [metadata...]
	#child_type [metadata...] [src=*[.lzss]]
		#null_terminated_strings_instead_of_src_file

# Parcel types are four bytes (child types are unimportant)
#   'prop': match and edit an existing DT node
#   'node': create a new DT node
#   'rom ': Power Macintosh ROM image
#   'psum': black/whitelists for computing DT checksum

#  Flag    Struct   Meaning of known flag
#  -----   ------   --------------------------------------------
#  F0000   parcel   (bitmask) number of new 'special' DT node
#  00200   parcel   edit DT node only if required for boot disk
#  00010   parcel   use only once
#  00008   parcel   match DT node if: ('device_type' == b field)
#  00004   parcel      AND  ('compatible' contains a field
#  00002   parcel           OR   parent 'name' == a field
#  00001   parcel           OR   'name' == a field)
#  -----   ------   --------------------------------------------
#  F0000   child    (bitmask) number of 'special' parent
#  00080   child    create DT prop under 'special' DT node above
#  00100   child    DT prop is for boot debugging only
#  00040   child    delete existing DT prop (vs create)
#  00020   child    do not replace existing DT prop
#  00010   child    use only once
#  00004   child    checksum enabled (crc32)
`

// Codec implements dispatcher.Codec for the parcels tree format.
type Codec struct{}

func (Codec) Name() string { return "parcels" }

// identity is the dedup key for a Child's payload: a Child shares
// identity with another iff both reference the exact same bytes.
type identity struct {
	ptr       uint32
	packedLen uint32
	compress  types.OSType
}

func childIdentity(c types.PrclChildStruct) identity {
	return identity{ptr: c.Ptr, packedLen: c.PackedLen, compress: c.Compress}
}

type node struct {
	hdr      types.PrclNodeStruct
	children []types.PrclChildStruct
}

// walkTree follows the Node chain starting at the u32 link pointer at
// byte offset 12, returning every Node in file order.
func walkTree(data []byte) ([]node, error) {
	if len(data) < 16 {
		return nil, xerrors.WrongFormat
	}
	var nodes []node
	off := byteOrder.Uint32(data[12:16])
	for off != 0 {
		if int(off)+types.PrclNodeStructSize > len(data) {
			return nil, &xerrors.LayoutError{Offset: int64(off), Err: fmt.Errorf("parcels: Node header runs past end of file")}
		}
		var n types.PrclNodeStruct
		n.Get(data[off:], byteOrder)

		var children []types.PrclChildStruct
		for j := int(off) + types.PrclNodeStructSize; j < int(off)+int(n.HdrSize); j += int(n.ChildSize) {
			if j+types.PrclChildStructSize > len(data) {
				return nil, &xerrors.LayoutError{Offset: int64(j), Err: fmt.Errorf("parcels: Child record runs past end of file")}
			}
			var c types.PrclChildStruct
			c.Get(data[j:], byteOrder)
			children = append(children, c)
		}

		nodes = append(nodes, node{hdr: n, children: children})
		off = n.Link
	}
	return nodes, nil
}

// guessBinaryName applies the advisory filename heuristics; callers must
// not rely on the result for anything but human-friendly uniqueness.
func guessBinaryName(parent types.PrclNodeStruct, child types.PrclChildStruct, adjacentName string, data []byte) string {
	if parent.OSType.String() == "rom " && child.OSType.String() == "rom " {
		return "MacROM"
	}
	if name := pef.SuggestName(data); name != "" {
		return name
	}
	if parent.Flags&0xF0000 != 0 || child.Flags&0x80 != 0 {
		return child.Name
	}
	if strings.Contains(child.Name, "AAPL,MacOS,PowerPC") && adjacentName != "" {
		return adjacentName
	}
	if child.Name == "lanLib,AAPL,MacOS,PowerPC" {
		return parent.A + "_lanLib"
	}
	return ""
}

// Dump extracts every Node/Child in data to destDir's Parcelfile plus one
// blob file per unique payload.
func (Codec) Dump(data []byte, destDir string) error {
	if len(data) < 4 || string(data[:4]) != "prcl" {
		return xerrors.WrongFormat
	}
	nodes, err := walkTree(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0777); err != nil {
		return &xerrors.IOError{Op: "mkdir " + destDir, Err: err}
	}

	unpacked := make(map[identity][]byte)
	counts := make(map[identity]int)
	for _, n := range nodes {
		for _, c := range n.children {
			id := childIdentity(c)
			counts[id]++
			if _, ok := unpacked[id]; ok {
				continue
			}
			if int(c.Ptr)+int(c.PackedLen) > len(data) {
				return &xerrors.LayoutError{Offset: int64(c.Ptr), Err: fmt.Errorf("parcels: Child payload runs past end of file")}
			}
			raw := data[c.Ptr : c.Ptr+c.PackedLen]
			if c.Compress.String() == "lzss" {
				raw = lzss.Decompress(raw)
			}
			unpacked[id] = raw
		}
	}

	filenames := make(map[identity]string)
	usedNames := make(map[string]int)
	for _, n := range nodes {
		var adjacentName string
		for _, c := range n.children {
			if c.Name == "code,AAPL,MacOS,name" {
				adjacentName = strings.TrimRight(string(unpacked[childIdentity(c)]), "\x00")
			}
		}
		for _, c := range n.children {
			if c.OSType.String() == "cstr" || c.OSType.String() == "csta" {
				continue
			}
			id := childIdentity(c)
			if _, done := filenames[id]; done {
				continue
			}
			base := guessBinaryName(n.hdr, c, adjacentName, unpacked[id])
			filenames[id] = base
			usedNames[base]++
		}
	}

	// Disambiguate collisions, and give unnamed payloads a hash name.
	finalName := make(map[identity]string)
	seen := make(map[string]bool)
	for id, name := range filenames {
		final := name
		if usedNames[name] > 1 || seen[final] || final == "" {
			if final != "" {
				final += "-"
			}
			sum := sha512.Sum512(unpacked[id])
			final += hex.EncodeToString(sum[:])
		}
		if bytes := unpacked[id]; len(bytes) >= 8 && string(bytes[:8]) == "Joy!peff" {
			final += ".pef"
		}
		seen[final] = true
		finalName[id] = final
	}

	for id, name := range finalName {
		if name == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, name), unpacked[id], 0666); err != nil {
			return &xerrors.IOError{Op: "write " + name, Err: err}
		}
	}

	f, err := os.Create(filepath.Join(destDir, "Parcelfile"))
	if err != nil {
		return &xerrors.IOError{Op: "create Parcelfile", Err: err}
	}
	defer f.Close()
	w := manifest.NewWriter(f)
	w.Raw(headerComment + "\n")

	for _, n := range nodes {
		line := []string{manifest.Quote(n.hdr.OSType.String()), "flags=" + formatHex05(n.hdr.Flags)}
		if n.hdr.A != "" {
			line = append(line, manifest.KV("a", n.hdr.A))
		}
		if n.hdr.B != "" {
			line = append(line, manifest.KV("b", n.hdr.B))
		}
		w.Line(0, line...)

		for i, c := range n.children {
			cline := []string{manifest.Quote(c.OSType.String()), "flags=" + formatHex05(c.Flags)}
			if c.Name != "" {
				cline = append(cline, manifest.KV("name", c.Name))
			}
			if c.OSType.String() != "cstr" && c.OSType.String() != "csta" {
				name := finalName[childIdentity(c)]
				if c.Compress.String() == "lzss" {
					name += ".lzss"
				}
				cline = append(cline, manifest.KV("src", name))
			}
			if counts[childIdentity(c)] > 1 {
				cline = append(cline, "deduplicate=1")
			}
			if n.hdr.OSType.String() == "psum" && c.OSType.String() == "csta" {
				if comment := psumComment(i); comment != "" {
					cline = append(cline, "  "+comment)
				}
			}
			w.Line(1, cline...)

			if c.OSType.String() == "cstr" || c.OSType.String() == "csta" {
				payload := unpacked[childIdentity(c)]
				for _, s := range strings.Split(strings.TrimSuffix(string(payload), "\x00"), "\x00") {
					w.Line(2, manifest.Quote(s))
				}
			}
		}
		w.Blank()
	}
	return w.Flush()
}

func psumComment(childIndex int) string {
	switch childIndex {
	case 0:
		return "# [5] Property whitelist:"
	case 1:
		return "# [4] Node 'name' whitelist:"
	case 2:
		return "# [3] Node 'name' blacklist:"
	case 3:
		return "# [2] Node 'device-type' whitelist:"
	case 4:
		return "# [1] Node 'device-type' blacklist:"
	}
	return ""
}

func formatHex05(v uint32) string {
	return fmt.Sprintf("0x%05x", v)
}

// nodeSpec and childSpec hold one Parcelfile record between parsing and
// assembly; they replace the source's dynamically-keyed "CodeLine" dicts
// with explicit fields.
type nodeSpec struct {
	ostype   string
	flags    uint32
	a, b     string
	children []*childSpec
}

type childSpec struct {
	ostype      string
	flags       uint32
	name        string
	deduplicate bool
	data        []byte
	compress    string // "" or "lzss"
	unpackedLen int
	packedLen   int
	ptr         uint32
	cksum       uint32
}

// Build parses src/Parcelfile and assembles the parcels binary it
// describes, recursing via dispatcher.Build for every child's src file.
func (Codec) Build(src string) ([]byte, error) {
	manifestPath := filepath.Join(src, "Parcelfile")
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, xerrors.WrongFormat
	}
	defer f.Close()

	var nodes []*nodeSpec
	r := manifest.NewReader(f, manifestPath)
	for {
		line, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch line.Indent {
		case 0:
			fields := manifest.ParseFields(line.Tokens[1:])
			nodes = append(nodes, &nodeSpec{
				ostype: line.Tokens[0],
				flags:  parseHexField(fields, "flags"),
				a:      fields.GetDefault("a", ""),
				b:      fields.GetDefault("b", ""),
			})

		case 1:
			if len(nodes) == 0 {
				return nil, &xerrors.ParseError{File: manifestPath, Line: line.Number, Err: fmt.Errorf("child record before any node")}
			}
			fields := manifest.ParseFields(line.Tokens[1:])
			cs := &childSpec{
				ostype:      line.Tokens[0],
				flags:       parseHexField(fields, "flags"),
				name:        fields.GetDefault("name", ""),
				deduplicate: manifest.ParseBool(fields.GetDefault("deduplicate", "")),
			}
			if srcFile, ok := fields.Get("src"); ok && srcFile != "" {
				full := srcFile
				if !filepath.IsAbs(full) {
					full = filepath.Join(src, full)
				}
				if strings.EqualFold(filepath.Ext(full), ".lzss") {
					full = strings.TrimSuffix(full, filepath.Ext(full))
					cs.compress = "lzss"
				}
				data, err := dispatcher.Build(full)
				if err != nil {
					return nil, err
				}
				cs.data = data
				cs.unpackedLen = len(data)
				if cs.compress == "lzss" {
					cs.data = lzss.Compress(cs.data)
				}
				cs.packedLen = len(cs.data)
			}
			last := nodes[len(nodes)-1]
			last.children = append(last.children, cs)

		case 2:
			if len(nodes) == 0 || len(nodes[len(nodes)-1].children) == 0 {
				return nil, &xerrors.ParseError{File: manifestPath, Line: line.Number, Err: fmt.Errorf("string record before any child")}
			}
			child := nodes[len(nodes)-1].children[len(nodes[len(nodes)-1].children)-1]
			for _, tok := range line.Tokens {
				child.data = append(child.data, []byte(tok)...)
				child.data = append(child.data, 0)
			}
			child.packedLen = len(child.data)
			child.unpackedLen = len(child.data)
		}
	}
	if len(nodes) == 0 {
		return nil, xerrors.WrongFormat
	}

	return assemble(nodes)
}

func parseHexField(fields manifest.Fields, key string) uint32 {
	v, _ := manifest.ParseHex(fields.GetDefault(key, "0"))
	return uint32(v)
}

func assemble(nodes []*nodeSpec) ([]byte, error) {
	var accum []byte
	accum = append(accum, types.PrclMagic[:]...)
	accum = append(accum, 0, 0, 0, types.PrclHeaderSizeConst)
	hdrPtr := len(accum)
	accum = append(accum, make([]byte, 8)...) // first Node-link slot + reserved

	dedup := make(map[string]uint32)
	cksumHistory := make(map[uint32]bool)

	for _, n := range nodes {
		byteOrder.PutUint32(accum[hdrPtr:], uint32(len(accum)))

		hdrPtr = len(accum)
		hdrSize := types.PrclNodeStructSize + len(n.children)*types.PrclChildStructSize
		accum = append(accum, bytesOf('!', hdrSize)...)

		for _, c := range n.children {
			if c.deduplicate {
				if ptr, ok := dedup[string(c.data)]; ok {
					c.ptr = ptr
					continue
				}
			}
			c.ptr = uint32(len(accum))
			accum = append(accum, c.data...)
			for len(accum)%4 != 0 {
				accum = append(accum, 0x99)
			}
			if c.deduplicate {
				dedup[string(c.data)] = c.ptr
			}
		}

		var hdr types.PrclNodeStruct
		hdr.Link = 0
		hdr.OSType = types.NewOSType(n.ostype)
		hdr.HdrSize = uint32(hdrSize)
		hdr.Flags = n.flags
		hdr.NChildren = uint32(len(n.children))
		hdr.ChildSize = types.PrclChildStructSize
		hdr.A = n.a
		hdr.B = n.b
		hdr.Put(accum[hdrPtr:hdrPtr+types.PrclNodeStructSize], byteOrder)

		packPtr := hdrPtr + types.PrclNodeStructSize
		for _, c := range n.children {
			var cksum uint32
			if c.flags&4 != 0 || cksumHistory[c.ptr] {
				cksum = crc32Of(accum[c.ptr : c.ptr+uint32(c.packedLen)])
				cksumHistory[c.ptr] = true
			}

			var rec types.PrclChildStruct
			rec.OSType = types.NewOSType(c.ostype)
			rec.Flags = c.flags
			rec.Compress = types.NewOSType(c.compress)
			rec.UnpackedLen = uint32(c.unpackedLen)
			rec.Cksum = cksum
			rec.PackedLen = uint32(c.packedLen)
			rec.Ptr = c.ptr
			rec.Name = c.name
			rec.Put(accum[packPtr:packPtr+types.PrclChildStructSize], byteOrder)
			packPtr += types.PrclChildStructSize
		}
	}

	return accum, nil
}

func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
