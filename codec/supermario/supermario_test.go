package supermario

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/elliotnunn/tbxi/dispatcher"
)

func TestComboRoundTrip(t *testing.T) {
	for name, val := range reverseComboFields {
		got := comboName(val)
		if got != name {
			t.Errorf("comboName(%#x) = %q, want %q", val, got, name)
		}
		v, ok := comboValue(name)
		if !ok || v != val {
			t.Errorf("comboValue(%q) = %#x, %v; want %#x, true", name, v, ok, val)
		}
	}
}

func TestComboNameUnknownFallsBackToBinary(t *testing.T) {
	got := comboName(0x55 << 56)
	if got != "0b01010101" {
		t.Errorf("comboName(0x55<<56) = %q, want 0b01010101", got)
	}
}

func TestChecksumIdempotent(t *testing.T) {
	rom := bytes.Repeat([]byte("kc"), 0x100000)
	checksum(rom)
	first := append([]byte(nil), rom...)
	checksum(rom)
	if !bytes.Equal(first, rom) {
		t.Error("recomputing the checksum over an already-checksummed image changed it")
	}
}

func TestBuildThenDumpRoundTrip(t *testing.T) {
	dispatcher.Codecs = []dispatcher.Codec{Codec{}}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "MainCode"), bytes.Repeat([]byte{0x4E, 0x71}, 64), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "Rsrc"), 0777); err != nil {
		t.Fatal(err)
	}
	rsrcData := []byte("hello supermario resource")
	if err := os.WriteFile(filepath.Join(src, "Rsrc", "TEST_1"), rsrcData, 0666); err != nil {
		t.Fatal(err)
	}
	romfile := "rom_size=0x200000\n" +
		"type=TEST id=1 name=Greetings src=Rsrc/TEST_1\n"
	if err := os.WriteFile(filepath.Join(src, "Romfile"), []byte(romfile), 0666); err != nil {
		t.Fatal(err)
	}

	built, err := (Codec{}).Build(src)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(built) != 0x200000 {
		t.Fatalf("built ROM is %d bytes, want 0x200000", len(built))
	}
	if !isSuperMario(built) {
		t.Fatal("built ROM not recognized by isSuperMario")
	}

	outDir := t.TempDir()
	if err := (Codec{}).Dump(built, outDir); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	gotRomfile, err := os.ReadFile(filepath.Join(outDir, "Romfile"))
	if err != nil {
		t.Fatalf("reading dumped Romfile: %v", err)
	}
	if !bytes.Contains(gotRomfile, []byte("rom_size")) {
		t.Errorf("dumped Romfile missing rom_size: %s", gotRomfile)
	}

	entries, err := os.ReadDir(filepath.Join(outDir, "Rsrc"))
	if err != nil {
		t.Fatalf("reading dumped Rsrc dir: %v", err)
	}
	var foundRsrc bool
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(outDir, "Rsrc", e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(data, rsrcData) {
			foundRsrc = true
		}
	}
	if !foundRsrc {
		t.Error("dumped Rsrc directory does not contain the original resource bytes")
	}
}

func TestDumpPreservesForcedResourceOffset(t *testing.T) {
	dispatcher.Codecs = []dispatcher.Codec{Codec{}}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "MainCode"), bytes.Repeat([]byte{0x4E, 0x71}, 64), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "Rsrc"), 0777); err != nil {
		t.Fatal(err)
	}
	rsrcData := []byte("forced-slot resource")
	if err := os.WriteFile(filepath.Join(src, "Rsrc", "TEST_1"), rsrcData, 0666); err != nil {
		t.Fatal(err)
	}
	romfile := "rom_size=0x200000\n" +
		"type=TEST id=1 name=Greetings src=Rsrc/TEST_1 offset=0x100000\n"
	if err := os.WriteFile(filepath.Join(src, "Romfile"), []byte(romfile), 0666); err != nil {
		t.Fatal(err)
	}

	built, err := (Codec{}).Build(src)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	outDir := t.TempDir()
	if err := (Codec{}).Dump(built, outDir); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	gotRomfile, err := os.ReadFile(filepath.Join(outDir, "Romfile"))
	if err != nil {
		t.Fatalf("reading dumped Romfile: %v", err)
	}
	if !bytes.Contains(gotRomfile, []byte("offset=0x100000")) {
		t.Errorf("dumped Romfile does not record the resource's forced offset: %s", gotRomfile)
	}

	rebuilt, err := (Codec{}).Build(outDir)
	if err != nil {
		t.Fatalf("rebuilding from dumped tree: %v", err)
	}
	if !bytes.Equal(rebuilt, built) {
		t.Error("build(dump(build(src))) changed the ROM bytes: resource placement was not preserved")
	}
}

func TestDumpWrongFormat(t *testing.T) {
	if err := (Codec{}).Dump([]byte("not a rom"), t.TempDir()); err == nil {
		t.Fatal("expected WrongFormat error")
	}
}

func TestBuildWrongFormat(t *testing.T) {
	if _, err := (Codec{}).Build(t.TempDir()); err == nil {
		t.Fatal("expected WrongFormat error for directory without Romfile")
	}
}
