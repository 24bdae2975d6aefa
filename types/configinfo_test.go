package types

import (
	"encoding/binary"
	"testing"
)

func TestBATEntryRoundTrip(t *testing.T) {
	cases := []BATEntry{
		{},
		{BEPI: 0x1234, BL128K: 0x7FF, VS: true, VP: true, BRPN: 0x5678, Unk23: 1, WIM: 0x5, KS: true, KU: true, PP: 0x3},
		{BEPI: 0x7FFF, BL128K: 0, VS: false, VP: true, Relative: true, BRPN: 0x1, Unk23: 0, WIM: 0x2, KS: false, KU: true, PP: 0x1},
	}
	for _, want := range cases {
		var b [8]byte
		EncodeBATEntry(want, b[:], binary.BigEndian)
		got := DecodeBATEntry(b[:], binary.BigEndian)
		if got != want {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestBATEntryBitPositions(t *testing.T) {
	// word1 bit layout per original_source/tbxi/powerpc_dump.py: BRPN at
	// bits 17-31, relative flag at bit9, unk23 at bit8, wim at bits 4-6,
	// ks at bit3, ku at bit2, pp at bits 0-1.
	e := BATEntry{Unk23: 1}
	var b [8]byte
	EncodeBATEntry(e, b[:], binary.BigEndian)
	w1 := binary.BigEndian.Uint32(b[4:])
	if w1 != 0x100 {
		t.Errorf("Unk23 should set bit8 (0x100), got word1=%#x", w1)
	}

	e = BATEntry{WIM: 0x7}
	EncodeBATEntry(e, b[:], binary.BigEndian)
	w1 = binary.BigEndian.Uint32(b[4:])
	if w1 != 0x70 {
		t.Errorf("WIM=0x7 should set bits4-6 (0x70), got word1=%#x", w1)
	}

	e = BATEntry{KS: true}
	EncodeBATEntry(e, b[:], binary.BigEndian)
	w1 = binary.BigEndian.Uint32(b[4:])
	if w1 != 0x8 {
		t.Errorf("KS should set bit3 (0x8), got word1=%#x", w1)
	}

	e = BATEntry{KU: true}
	EncodeBATEntry(e, b[:], binary.BigEndian)
	w1 = binary.BigEndian.Uint32(b[4:])
	if w1 != 0x4 {
		t.Errorf("KU should set bit2 (0x4), got word1=%#x", w1)
	}

	e = BATEntry{Relative: true}
	EncodeBATEntry(e, b[:], binary.BigEndian)
	w1 = binary.BigEndian.Uint32(b[4:])
	if w1 != 0x200 {
		t.Errorf("Relative should set bit9 (0x200), got word1=%#x", w1)
	}
}

func TestDecodeBATEntryFromRawWord(t *testing.T) {
	// A hand-assembled word1 exercising every field at once:
	// relative(0x200) | unk23(0x100) | wim=0b101(0x50) | ks(0x8) | ku(0x4) | pp=0b11(0x3)
	var b [8]byte
	binary.BigEndian.PutUint32(b[4:], 0x200|0x100|0x50|0x8|0x4|0x3)
	got := DecodeBATEntry(b[:], binary.BigEndian)
	want := BATEntry{Relative: true, Unk23: 1, WIM: 0x5, KS: true, KU: true, PP: 0x3}
	if got != want {
		t.Errorf("DecodeBATEntry = %+v, want %+v", got, want)
	}
}
