package cfrg

import (
	"encoding/binary"
	"testing"
)

// buildEntry constructs one old-style cfrg entry: 42 fixed bytes followed
// by a Pascal-style name length byte and the name itself, padded to a
// 4-byte boundary. dataOffset/dataLength live at bytes 24/28 and "where"
// (locator kind) lives at byte 23.
func buildEntry(where byte, dataOffset, dataLength uint32, name string) []byte {
	e := make([]byte, fixedEntrySize+1+len(name))
	e[23] = where
	binary.BigEndian.PutUint32(e[24:], dataOffset)
	binary.BigEndian.PutUint32(e[28:], dataLength)
	e[fixedEntrySize] = byte(len(name))
	copy(e[fixedEntrySize+1:], name)
	for len(e)%4 != 0 {
		e = append(e, 0)
	}
	return e
}

func buildCfrg(entries ...[]byte) []byte {
	buf := make([]byte, entriesStart)
	binary.BigEndian.PutUint32(buf[entryCountOffset:], uint32(len(entries)))
	for _, e := range entries {
		buf = append(buf, e...)
	}
	return buf
}

func TestDfrkOffsetFields(t *testing.T) {
	e0 := buildEntry(kDataForkCFragLocator, 0x100, 0x40, "first")
	e1 := buildEntry(2, 0x999, 0x10, "nondfrk") // different locator kind, ignored
	e2 := buildEntry(kDataForkCFragLocator, 0x200, 0x80, "second")
	cfrg := buildCfrg(e0, e1, e2)

	fields := dfrkOffsetFields(cfrg)
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	if got := binary.BigEndian.Uint32(cfrg[fields[0]:]); got != 0x100 {
		t.Errorf("field 0 offset = %#x, want 0x100", got)
	}
	if got := binary.BigEndian.Uint32(cfrg[fields[1]:]); got != 0x200 {
		t.Errorf("field 1 offset = %#x, want 0x200", got)
	}
}

func TestAdjustOffsets(t *testing.T) {
	e0 := buildEntry(kDataForkCFragLocator, 0x100, 0x40, "a")
	cfrg := buildCfrg(e0)

	adjusted := AdjustOffsets(cfrg, 0x50)
	fields := dfrkOffsetFields(adjusted)
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	if got := binary.BigEndian.Uint32(adjusted[fields[0]:]); got != 0x150 {
		t.Errorf("adjusted offset = %#x, want 0x150", got)
	}
	// original is untouched
	if got := binary.BigEndian.Uint32(cfrg[fields[0]:]); got != 0x100 {
		t.Errorf("original offset mutated: got %#x, want 0x100", got)
	}
}

func TestDataForkRange(t *testing.T) {
	e0 := buildEntry(kDataForkCFragLocator, 0x100, 0x40, "a")
	e1 := buildEntry(kDataForkCFragLocator, 0x300, 0x00, "b") // runs to end of fork
	cfrg1 := buildCfrg(e0)
	cfrg2 := buildCfrg(e1)

	start, stop := DataForkRange([][]byte{cfrg1, cfrg2}, 0x1000)
	if start != 0x100 {
		t.Errorf("start = %#x, want 0x100", start)
	}
	if stop != 0x1000 {
		t.Errorf("stop = %#x, want 0x1000 (runs to end)", stop)
	}
}

func TestDataForkRangeNoEntries(t *testing.T) {
	start, stop := DataForkRange(nil, 0x1000)
	if start != 0x1000 || stop != 0 {
		t.Errorf("got (%d, %d), want (0x1000, 0) for empty input", start, stop)
	}
}
