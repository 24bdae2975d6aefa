// Package pef walks the Preferred Executable Format container used for
// PowerPC code fragments ("Joy!peff" magic), unpacks "pidata"-compressed
// sections, and locates the "mtej" driver name/version header embedded in
// loaded/packed-data sections. It exists purely to name extracted
// fragments, never to interpret code.
package pef

import (
	"encoding/binary"
	"fmt"

	"github.com/elliotnunn/tbxi/internal/macroman"
)

// Magic is the PEF container signature.
var Magic = [8]byte{'J', 'o', 'y', '!', 'p', 'e', 'f', 'f'}

const (
	containerHeaderSize = 40
	sectionHeaderSize   = 28
)

// RegionKind mirrors the PEF section's regionKind field.
type RegionKind uint8

const (
	RegionCode      RegionKind = 0
	RegionData      RegionKind = 1
	RegionPackedData RegionKind = 2
)

// Section is one decoded PEF section.
type Section struct {
	HeaderOffset int // offset of this section's 28-byte header
	RegionKind   RegionKind
	Data         []byte // raw (still packed, if RegionKind == RegionPackedData) bytes
}

// File is a parsed PEF container.
type File struct {
	Sections  []Section
	headerEnd int // length of the bytes preceding the earliest section
}

// Parse reads a PEF container. It does not validate every reserved field;
// it extracts exactly what's needed to locate code/data sections.
func Parse(data []byte) (*File, error) {
	if len(data) < containerHeaderSize || string(data[:8]) != string(Magic[:]) {
		return nil, fmt.Errorf("pef: bad magic")
	}
	bo := binary.BigEndian
	secCount := int(bo.Uint16(data[32:])) // sectionCount; instSectionCount follows at +2, unused here

	f := &File{}
	earliest := len(data)
	for i := 0; i < secCount; i++ {
		ho := containerHeaderSize + sectionHeaderSize*i
		if ho+sectionHeaderSize > len(data) {
			return nil, fmt.Errorf("pef: truncated section header table")
		}
		containerOffset := int(bo.Uint32(data[ho+20:]))
		rawSize := int(bo.Uint32(data[ho+16:]))
		regionKind := RegionKind(data[ho+24])

		if containerOffset < 0 || containerOffset+rawSize > len(data) {
			return nil, fmt.Errorf("pef: section %d out of range", i)
		}
		f.Sections = append(f.Sections, Section{
			HeaderOffset: ho,
			RegionKind:   regionKind,
			Data:         data[containerOffset : containerOffset+rawSize],
		})
		if containerOffset < earliest {
			earliest = containerOffset
		}
	}
	f.headerEnd = earliest
	return f, nil
}

// Unpack expands a RegionPackedData section's pidata-compressed bytes.
// The grammar has five opcodes: zero, blockCopy, repeatedBlock,
// interleaveRepeatBlockWithBlockCopy, interleaveRepeatBlockWithZero. Each
// carries a 5-bit immediate argument, continued in following bytes with a
// 7-bit-per-byte, high-bit-continuation encoding when the immediate is 0.
func Unpack(packed []byte) ([]byte, error) {
	pullArg := func(p *int) (int, error) {
		arg := 0
		for i := 0; i < 4; i++ {
			if *p >= len(packed) {
				return 0, fmt.Errorf("pidata: truncated argument")
			}
			cont := packed[*p]
			*p++
			arg = (arg << 7) | int(cont&0x7F)
			if cont&0x80 == 0 {
				return arg, nil
			}
		}
		return 0, fmt.Errorf("pidata: argument spread over too many bytes")
	}

	var out []byte
	p := 0
	for p < len(packed) {
		b := packed[p]
		p++
		opcode := b >> 5
		arg := int(b & 0b11111)
		var err error
		if arg == 0 {
			arg, err = pullArg(&p)
			if err != nil {
				return nil, err
			}
		}

		switch opcode {
		case 0b000: // zero
			out = append(out, make([]byte, arg)...)

		case 0b001: // blockCopy
			if p+arg > len(packed) {
				return nil, fmt.Errorf("pidata: blockCopy overruns input")
			}
			out = append(out, packed[p:p+arg]...)
			p += arg

		case 0b010: // repeatedBlock
			repeatCount, err := pullArg(&p)
			if err != nil {
				return nil, err
			}
			repeatCount++
			if p+arg > len(packed) {
				return nil, fmt.Errorf("pidata: repeatedBlock overruns input")
			}
			raw := packed[p : p+arg]
			p += arg
			for n := 0; n < repeatCount; n++ {
				out = append(out, raw...)
			}

		case 0b011, 0b100: // interleave with block copy / with zero
			commonSize := arg
			customSize, err := pullArg(&p)
			if err != nil {
				return nil, err
			}
			repeatCount, err := pullArg(&p)
			if err != nil {
				return nil, err
			}

			var common []byte
			if opcode == 0b011 {
				if p+commonSize > len(packed) {
					return nil, fmt.Errorf("pidata: interleave overruns input")
				}
				common = packed[p : p+commonSize]
				p += commonSize
			} else {
				common = make([]byte, commonSize)
			}

			for i := 0; i < repeatCount; i++ {
				out = append(out, common...)
				if p+customSize > len(packed) {
					return nil, fmt.Errorf("pidata: interleave overruns input")
				}
				out = append(out, packed[p:p+customSize]...)
				p += customSize
			}
			out = append(out, common...)

		default:
			return nil, fmt.Errorf("pidata: unknown opcode %03b", opcode)
		}
	}
	return out, nil
}

// Version renders a 4-byte PEF version word as "maj.min[.bug][stage]".
func Version(num uint32) string {
	maj := byte(num >> 24)
	minbug := byte(num >> 16)
	stage := byte(num >> 8)
	unreleased := byte(num)

	minor := minbug >> 4
	bugfix := minbug & 0xF

	var stageCh string
	switch stage {
	case 0x80:
		stageCh = "f"
	case 0x60:
		stageCh = "b"
	case 0x40:
		stageCh = "a"
	case 0x20:
		stageCh = "d"
	default:
		stageCh = "?"
	}

	vers := fmt.Sprintf("%x.%x", maj, minor)
	if bugfix != 0 {
		vers += fmt.Sprintf(".%x", bugfix)
	}
	if !(stageCh == "f" && unreleased == 0) {
		vers += fmt.Sprintf("%s%d", stageCh, unreleased)
	}
	return vers
}

func pstringOrCString(s []byte) []byte {
	if len(s) == 0 {
		return nil
	}
	plen := int(s[0])
	var pstr []byte
	if 1+plen <= len(s) {
		pstr = s[1 : 1+plen]
	}
	cstr := s
	if i := indexByte(s, 0); i >= 0 {
		cstr = s[:i]
	}
	if pstr == nil || indexByte(pstr, 0) >= 0 || 1+plen > len(s) {
		return cstr
	}
	return pstr
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// SuggestName looks for an embedded "mtej" driver-name header in a data
// or packed-data section of pefData and returns "name-version", or "" if
// none is found or the container is malformed.
func SuggestName(pefData []byte) string {
	if len(pefData) < 8 || string(pefData[:8]) != string(Magic[:]) {
		return ""
	}
	f, err := Parse(pefData)
	if err != nil {
		return ""
	}
	for _, sec := range f.Sections {
		data := sec.Data
		if sec.RegionKind == RegionPackedData {
			u, err := Unpack(data)
			if err != nil {
				continue
			}
			data = u
		}
		if len(data) == 0 || (sec.RegionKind != RegionData && sec.RegionKind != RegionPackedData) {
			continue
		}
		idx := indexOf(data, []byte("mtej"))
		if idx < 0 {
			continue
		}
		if idx+4+4+32+4 > len(data) {
			continue
		}
		bo := binary.BigEndian
		strVers := bo.Uint32(data[idx+4:])
		devnam := pstringOrCString(data[idx+8 : idx+40])
		drvVers := bo.Uint32(data[idx+40:])
		_ = strVers
		return macroman.Decode(devnam) + "-" + Version(drvVers)
	}
	return ""
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
