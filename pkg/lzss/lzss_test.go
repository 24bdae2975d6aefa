package lzss

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTripEmpty(t *testing.T) {
	got := Decompress(Compress(nil))
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestRoundTripRepetitive(t *testing.T) {
	plain := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	packed := Compress(plain)
	if len(packed) >= len(plain) {
		t.Fatalf("compressed size %d not smaller than plain size %d", len(packed), len(plain))
	}
	got := Decompress(packed)
	if diff := cmp.Diff(plain, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripRandomish(t *testing.T) {
	plain := make([]byte, 5000)
	seed := uint32(1)
	for i := range plain {
		seed = seed*1103515245 + 12345
		plain[i] = byte(seed >> 16)
	}
	got := Decompress(Compress(plain))
	if diff := cmp.Diff(plain, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripShortLiterals(t *testing.T) {
	for _, plain := range [][]byte{
		{},
		{0},
		{1, 2},
		{1, 2, 3},
		bytes.Repeat([]byte{0xAA}, Threshold+1),
		bytes.Repeat([]byte{0xAA}, F),
		bytes.Repeat([]byte{0xAA}, F+5),
	} {
		got := Decompress(Compress(plain))
		if diff := cmp.Diff(plain, got); diff != "" {
			t.Fatalf("round trip mismatch for %v (-want +got):\n%s", plain, diff)
		}
	}
}

func TestDecompressTruncatedHeader(t *testing.T) {
	// A lone control byte with no following group should not panic, and
	// should just end output at whatever was already decoded.
	packed := []byte{0xFF}
	got := Decompress(packed)
	if len(got) != 0 {
		t.Fatalf("got %d bytes from truncated stream, want 0", len(got))
	}
}
