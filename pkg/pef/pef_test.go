package pef

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestVersion(t *testing.T) {
	cases := []struct {
		num  uint32
		want string
	}{
		{0x01008000, "1.0"},
		{0x01218000, "1.2.1"},
		{0x02006001, "2.0b1"},
		{0x02004002, "2.0a2"},
		{0x01022003, "1.0.2d3"},
	}
	for _, c := range cases {
		if got := Version(c.num); got != c.want {
			t.Errorf("Version(%#08x) = %q, want %q", c.num, got, c.want)
		}
	}
}

func buildSection(t *testing.T, data []byte, kind RegionKind, off int) []byte {
	t.Helper()
	hdr := make([]byte, sectionHeaderSize)
	binary.BigEndian.PutUint32(hdr[16:], uint32(len(data))) // rawSize
	binary.BigEndian.PutUint32(hdr[20:], uint32(off))       // containerOffset
	hdr[24] = byte(kind)
	return hdr
}

func TestParseRoundTrip(t *testing.T) {
	codeData := []byte("hello, code")
	dataOff := containerHeaderSize + sectionHeaderSize*2 + len(codeData)
	dataData := []byte("hello, data")

	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.Write(make([]byte, 32-8)) // pad to the sectionCount field at offset 32
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], 2)
	buf.Write(countBuf[:])
	buf.Write(make([]byte, containerHeaderSize-34)) // instSectionCount + reservedA

	hdr0 := buildSection(t, codeData, RegionCode, containerHeaderSize+sectionHeaderSize*2)
	hdr1 := buildSection(t, dataData, RegionData, dataOff)
	buf.Write(hdr0)
	buf.Write(hdr1)
	buf.Write(codeData)
	buf.Write(dataData)

	f, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(f.Sections))
	}
	if string(f.Sections[0].Data) != string(codeData) {
		t.Errorf("section 0 data = %q, want %q", f.Sections[0].Data, codeData)
	}
	if string(f.Sections[1].Data) != string(dataData) {
		t.Errorf("section 1 data = %q, want %q", f.Sections[1].Data, dataData)
	}
}

func TestParseBadMagic(t *testing.T) {
	if _, err := Parse([]byte("not a pef file at all......")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestUnpackZeroAndBlockCopy(t *testing.T) {
	// opcode 000 (zero), arg=5; opcode 001 (blockCopy), arg=3, "abc"
	packed := []byte{0b00000101, 0b00100011, 'a', 'b', 'c'}
	got, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	want := append(make([]byte, 5), "abc"...)
	if !bytes.Equal(got, want) {
		t.Errorf("Unpack = %v, want %v", got, want)
	}
}

func TestUnpackRepeatedBlock(t *testing.T) {
	// opcode 010 (repeatedBlock), blockSize=2, then repeatCount-1=2 (=> 3 copies), then "xy"
	packed := []byte{0b01000010, 0b00000010, 'x', 'y'}
	got, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	want := bytes.Repeat([]byte("xy"), 3)
	if !bytes.Equal(got, want) {
		t.Errorf("Unpack = %v, want %v", got, want)
	}
}

func TestUnpackTruncated(t *testing.T) {
	if _, err := Unpack([]byte{0b00100101}); err == nil {
		t.Fatal("expected error for truncated blockCopy")
	}
}

func TestPstringOrCString(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{append([]byte{3}, []byte("abcxxxx")...), "abc"},
		{[]byte("plain\x00trailing"), "plain"},
	}
	for _, c := range cases {
		if got := string(pstringOrCString(c.in)); got != c.want {
			t.Errorf("pstringOrCString(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSuggestNameNoMagic(t *testing.T) {
	if got := SuggestName([]byte("too short")); got != "" {
		t.Errorf("SuggestName on garbage = %q, want empty", got)
	}
}
