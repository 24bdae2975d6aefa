// Package cfrg adjusts 'cfrg' (Code Fragment) resources. Old-style cfrg
// entries can locate their code fragment inside a data fork by byte
// offset rather than by resource ID, which lets the fragment be
// memory-mapped. Whenever something repacks the data fork, any entries
// using that locator kind must have their offsets patched to match.
package cfrg

import "encoding/binary"

// kDataForkCFragLocator is the "where" byte value meaning the fragment
// lives in the data fork at a fixed offset.
const kDataForkCFragLocator = 1

const (
	entryCountOffset = 28
	entriesStart     = 32
	fixedEntrySize   = 42
)

// dfrkOffsetFields yields, for each old-style cfrg entry that locates its
// fragment in the data fork, the byte offset of that entry's 4-byte
// dataOffset field (immediately followed by a 4-byte dataLength field).
func dfrkOffsetFields(cfrg []byte) []int {
	if len(cfrg) < entryCountOffset+4 {
		return nil
	}
	entryCount := binary.BigEndian.Uint32(cfrg[entryCountOffset:])

	var fields []int
	ctr := entriesStart
	for i := uint32(0); i < entryCount; i++ {
		if ctr+fixedEntrySize+1 > len(cfrg) {
			break
		}
		if cfrg[ctr+23] == kDataForkCFragLocator {
			fields = append(fields, ctr+24)
		}

		nameLen := int(cfrg[ctr+fixedEntrySize])
		ctr += fixedEntrySize + 1 + nameLen
		for ctr%4 != 0 {
			ctr++
		}
	}
	return fields
}

// AdjustOffsets shifts every data-fork-locator offset in cfrg by delta,
// returning a new slice. Use this after relocating the code fragments a
// cfrg resource describes within the data fork.
func AdjustOffsets(cfrg []byte, delta int32) []byte {
	out := append([]byte(nil), cfrg...)
	for _, field := range dfrkOffsetFields(out) {
		ofs := binary.BigEndian.Uint32(out[field:])
		binary.BigEndian.PutUint32(out[field:], uint32(int32(ofs)+delta))
	}
	return out
}

// DataForkRange returns the [start, stop) byte range in the data fork
// that the given cfrg resources collectively reference. A zero-length
// locator (dataLength == 0) is taken to mean "runs to the end of the
// fork", per the old-style cfrg convention.
func DataForkRange(cfrgs [][]byte, dataForkLen int) (start, stop int) {
	left := dataForkLen
	right := 0

	for _, cfrg := range cfrgs {
		for _, field := range dfrkOffsetFields(cfrg) {
			if field+8 > len(cfrg) {
				continue
			}
			ofs := int(binary.BigEndian.Uint32(cfrg[field:]))
			length := int(binary.BigEndian.Uint32(cfrg[field+4:]))

			if ofs < left {
				left = ofs
			}
			if length == 0 {
				right = dataForkLen
			} else if ofs+length > right {
				right = ofs + length
			}
		}
	}
	return left, right
}
