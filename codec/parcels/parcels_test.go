package parcels

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/elliotnunn/tbxi/dispatcher"
)

func TestBuildThenDumpRoundTrip(t *testing.T) {
	dispatcher.Codecs = []dispatcher.Codec{Codec{}}

	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0xAA}, 16)
	if err := os.WriteFile(filepath.Join(dir, "payload"), payload, 0666); err != nil {
		t.Fatal(err)
	}
	parcelfile := "'rom ' flags=0x00000\n\t'rom ' flags=0x00004 name= src=payload\n"
	if err := os.WriteFile(filepath.Join(dir, "Parcelfile"), []byte(parcelfile), 0666); err != nil {
		t.Fatal(err)
	}

	built, err := (Codec{}).Build(dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.HasPrefix(built, []byte("prcl")) {
		t.Fatalf("built data missing prcl magic: %x", built[:8])
	}

	outDir := t.TempDir()
	if err := (Codec{}).Dump(built, outDir); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	gotParcelfile, err := os.ReadFile(filepath.Join(outDir, "Parcelfile"))
	if err != nil {
		t.Fatalf("reading dumped Parcelfile: %v", err)
	}
	if !bytes.Contains(gotParcelfile, []byte("rom")) {
		t.Errorf("dumped Parcelfile missing rom node: %s", gotParcelfile)
	}

	// The payload must survive byte-for-byte under its dumped name.
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	var foundPayload bool
	for _, e := range entries {
		if e.Name() == "Parcelfile" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(data, payload) {
			foundPayload = true
		}
	}
	if !foundPayload {
		t.Error("dumped directory does not contain the original payload bytes")
	}
}

func TestDumpWrongFormat(t *testing.T) {
	if err := (Codec{}).Dump([]byte("not a parcel"), t.TempDir()); err == nil {
		t.Fatal("expected WrongFormat error")
	}
}

func TestBuildWrongFormat(t *testing.T) {
	if _, err := (Codec{}).Build(t.TempDir()); err == nil {
		t.Fatal("expected WrongFormat error for directory without Parcelfile")
	}
}

func TestChildIdentityDedup(t *testing.T) {
	c1 := identity{ptr: 10, packedLen: 20}
	c2 := identity{ptr: 10, packedLen: 20}
	if c1 != c2 {
		t.Error("identical ptr/packedLen/compress should compare equal")
	}
}
