// Package rsrcfork packs and unpacks the classic Macintosh resource fork
// binary format (header, length-prefixed data area, type/reference-list
// map), and a plain-text key=value rendering of the same resource list
// used for the SysEnabler.rdump sidecar file.
package rsrcfork

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/elliotnunn/tbxi/internal/manifest"
	"github.com/elliotnunn/tbxi/types"
)

var bo = binary.BigEndian

// Resource is one entry of a resource fork: a typed, numbered blob with a
// name and an 8-bit attribute byte (locked/preload/purgeable/etc).
type Resource struct {
	Type types.OSType
	ID   int16
	Attr uint8
	Name string
	Data []byte
}

const headerSize = 16
const typeEntrySize = 8
const refEntrySize = 12

// Pack assembles rs into a complete Mac resource fork.
func Pack(rs []Resource) []byte {
	// Group by type, preserving first-seen type order.
	var types_ []types.OSType
	byType := map[types.OSType][]Resource{}
	for _, r := range rs {
		if _, ok := byType[r.Type]; !ok {
			types_ = append(types_, r.Type)
		}
		byType[r.Type] = append(byType[r.Type], r)
	}

	var data []byte
	var nameList []byte
	nameOffsets := map[int]uint16{} // index into rs -> offset in nameList, only for named resources

	dataOffsetOf := make([]uint32, len(rs))
	idx := 0
	for _, t := range types_ {
		for _, r := range byType[t] {
			dataOffsetOf[idx] = uint32(len(data))
			var lenField [4]byte
			bo.PutUint32(lenField[:], uint32(len(r.Data)))
			data = append(data, lenField[:]...)
			data = append(data, r.Data...)
			idx++
		}
	}

	// Re-walk to record name offsets with the same iteration order used above.
	idx = 0
	for _, t := range types_ {
		for _, r := range byType[t] {
			if r.Name != "" {
				off := len(nameList)
				nameList = append(nameList, byte(len(r.Name)))
				nameList = append(nameList, r.Name...)
				nameOffsets[idx] = uint16(off)
			}
			idx++
		}
	}

	typeListSize := 2 + typeEntrySize*len(types_)
	var refLists []byte
	var typeList []byte

	refListBase := typeListSize
	idx = 0
	for _, t := range types_ {
		group := byType[t]
		var te [typeEntrySize]byte
		copy(te[0:4], t[:])
		bo.PutUint16(te[4:], uint16(len(group)-1))
		bo.PutUint16(te[6:], uint16(refListBase+len(refLists)))
		typeList = append(typeList, te[:]...)

		for _, r := range group {
			var re [refEntrySize]byte
			bo.PutUint16(re[0:], uint16(r.ID))
			if off, ok := nameOffsets[idx]; ok {
				bo.PutUint16(re[2:], off)
			} else {
				bo.PutUint16(re[2:], 0xFFFF)
			}
			packed := (uint32(r.Attr) << 24) | (dataOffsetOf[idx] & 0xFFFFFF)
			re[4] = byte(packed >> 24)
			re[5] = byte(packed >> 16)
			re[6] = byte(packed >> 8)
			re[7] = byte(packed)
			refLists = append(refLists, re[:]...)
			idx++
		}
	}

	var typeListFull []byte
	var countField [2]byte
	bo.PutUint16(countField[:], uint16(len(types_)-1))
	if len(types_) == 0 {
		bo.PutUint16(countField[:], 0xFFFF)
	}
	typeListFull = append(typeListFull, countField[:]...)
	typeListFull = append(typeListFull, typeList...)
	typeListFull = append(typeListFull, refLists...)

	mapHeaderSize := 16 + 4 + 2 + 2 + 2 + 2
	mapSize := mapHeaderSize + len(typeListFull) + len(nameList)
	rmap := make([]byte, mapHeaderSize)
	// bytes 0-15: reserved copy of file header (left zero)
	// byte 16-19: next resource map handle (reserved)
	bo.PutUint16(rmap[20:], 0) // file ref num
	bo.PutUint16(rmap[22:], 0) // attributes
	bo.PutUint16(rmap[24:], uint16(mapHeaderSize))          // type list offset
	bo.PutUint16(rmap[26:], uint16(mapHeaderSize+len(typeListFull))) // name list offset
	rmap = append(rmap, typeListFull...)
	rmap = append(rmap, nameList...)

	dataOffset := uint32(headerSize)
	mapOffset := dataOffset + uint32(len(data))

	out := make([]byte, headerSize)
	bo.PutUint32(out[0:], dataOffset)
	bo.PutUint32(out[4:], mapOffset)
	bo.PutUint32(out[8:], uint32(len(data)))
	bo.PutUint32(out[12:], uint32(mapSize))
	out = append(out, data...)
	out = append(out, rmap...)
	return out
}

// Unpack parses a complete Mac resource fork into its resource list.
func Unpack(fork []byte) ([]Resource, error) {
	if len(fork) < headerSize {
		if len(fork) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("rsrcfork: truncated header")
	}
	dataOffset := bo.Uint32(fork[0:])
	mapOffset := bo.Uint32(fork[4:])
	if int(mapOffset) > len(fork) {
		return nil, fmt.Errorf("rsrcfork: map offset past end of fork")
	}
	rmap := fork[mapOffset:]
	if len(rmap) < 28 {
		return nil, fmt.Errorf("rsrcfork: truncated map")
	}
	typeListOff := bo.Uint16(rmap[24:])
	nameListOff := bo.Uint16(rmap[26:])
	if int(typeListOff)+2 > len(rmap) {
		return nil, fmt.Errorf("rsrcfork: type list offset out of range")
	}
	typeList := rmap[typeListOff:]
	typeCountMinus1 := bo.Uint16(typeList[0:])
	var typeCount int
	if typeCountMinus1 == 0xFFFF {
		typeCount = 0
	} else {
		typeCount = int(typeCountMinus1) + 1
	}

	var out []Resource
	for i := 0; i < typeCount; i++ {
		te := typeList[2+i*typeEntrySize:]
		var t types.OSType
		copy(t[:], te[0:4])
		refCountMinus1 := bo.Uint16(te[4:])
		refCount := int(refCountMinus1) + 1
		refListOff := bo.Uint16(te[6:])
		refList := typeList[refListOff:]

		for j := 0; j < refCount; j++ {
			re := refList[j*refEntrySize:]
			id := int16(bo.Uint16(re[0:]))
			nameOff := bo.Uint16(re[2:])
			packed := uint32(re[4])<<24 | uint32(re[5])<<16 | uint32(re[6])<<8 | uint32(re[7])
			attr := uint8(packed >> 24)
			ofs := packed & 0xFFFFFF

			var name string
			if nameOff != 0xFFFF {
				nameList := rmap[nameListOff:]
				p := int(nameOff)
				if p < len(nameList) {
					n := int(nameList[p])
					if p+1+n <= len(nameList) {
						name = string(nameList[p+1 : p+1+n])
					}
				}
			}

			absOfs := int(dataOffset) + int(ofs)
			if absOfs+4 > len(fork) {
				return nil, fmt.Errorf("rsrcfork: resource data offset out of range")
			}
			length := int(bo.Uint32(fork[absOfs:]))
			if absOfs+4+length > len(fork) {
				return nil, fmt.Errorf("rsrcfork: resource data runs past end of fork")
			}
			blob := append([]byte(nil), fork[absOfs+4:absOfs+4+length]...)

			out = append(out, Resource{Type: t, ID: id, Attr: attr, Name: name, Data: blob})
		}
	}
	return out, nil
}

// FormatText renders rs as a manifest-style text listing, one line per
// resource, with data inlined as a hex string. Used for SysEnabler.rdump.
func FormatText(rs []Resource) []byte {
	var sb strings.Builder
	for _, r := range rs {
		fmt.Fprintf(&sb, "type=%s id=%d attr=0x%02X name=%s data=%s\n",
			manifest.Quote(r.Type.String()), r.ID, r.Attr, manifest.Quote(r.Name), hex.EncodeToString(r.Data))
	}
	return []byte(sb.String())
}

// ParseText is the inverse of FormatText.
func ParseText(text []byte) ([]Resource, error) {
	rd := manifest.NewReader(strings.NewReader(string(text)), "SysEnabler.rdump")
	var out []Resource
	for {
		line, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		f := manifest.ParseFields(line.Tokens)
		var r Resource
		r.Type = types.NewOSType(f.GetDefault("type", ""))
		if idStr, ok := f.Get("id"); ok {
			v, err := strconv.ParseInt(idStr, 0, 16)
			if err != nil {
				return nil, fmt.Errorf("SysEnabler.rdump:%d: bad id: %w", line.Number, err)
			}
			r.ID = int16(v)
		}
		if attrStr, ok := f.Get("attr"); ok {
			v, err := manifest.ParseHex(attrStr)
			if err != nil {
				return nil, fmt.Errorf("SysEnabler.rdump:%d: bad attr: %w", line.Number, err)
			}
			r.Attr = uint8(v)
		}
		r.Name = f.GetDefault("name", "")
		if dataStr, ok := f.Get("data"); ok {
			b, err := hex.DecodeString(dataStr)
			if err != nil {
				return nil, fmt.Errorf("SysEnabler.rdump:%d: bad data: %w", line.Number, err)
			}
			r.Data = b
		}
		out = append(out, r)
	}
	return out, nil
}
