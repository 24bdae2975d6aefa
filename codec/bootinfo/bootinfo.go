// Package bootinfo implements the CHRP-boot wrapper: a Forth-like text
// script declaring named hex constants, an embedded ELF trampoline, and a
// parcels tree (or LZSS-compressed 68k ROM) payload, optionally followed
// by an Adler-32 checksum trailer and a System Enabler resource fork.
package bootinfo

import (
	"bytes"
	"fmt"
	"hash/adler32"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/elliotnunn/tbxi/dispatcher"
	"github.com/elliotnunn/tbxi/internal/rsrcfork"
	"github.com/elliotnunn/tbxi/internal/xerrors"
	"github.com/elliotnunn/tbxi/pkg/cfrg"
	"github.com/elliotnunn/tbxi/pkg/lzss"
)

const magic = "<CHRP-BOOT>"
const endMagic = "</CHRP-BOOT>"

// sysEnablerIdumpMagic is the fixed 8-byte Finder type+creator recorded
// for a dumped System Enabler segment.
const sysEnablerIdumpMagic = "gblyMACS"

var constantRe = regexp.MustCompile(`h#\s+([A-Fa-f0-9]+)\s+constant\s+([-\w]+)`)

// Codec implements dispatcher.Codec for the CHRP-boot container. Its
// resource fork (if any) is handled separately by DumpTopLevel/
// BuildTopLevel, since dispatcher.Codec carries only a flat data fork.
type Codec struct{}

func (Codec) Name() string { return "bootinfo" }

func (Codec) Dump(data []byte, destDir string) error {
	return DumpTopLevel(data, nil, destDir)
}

func (Codec) Build(src string) ([]byte, error) {
	data, _, err := BuildTopLevel(src)
	return data, err
}

// constantSpan records the byte range of a "h# HEX constant NAME"
// declaration's hex digits, plus its decoded value.
type constantSpan struct {
	name       string
	value      int64
	start, end int
}

func scanConstants(script []byte) []constantSpan {
	var out []constantSpan
	for _, m := range constantRe.FindAllSubmatchIndex(script, -1) {
		hexStart, hexEnd := m[2], m[3]
		nameStart, nameEnd := m[4], m[5]
		var v int64
		fmt.Sscanf(string(script[hexStart:hexEnd]), "%x", &v)
		out = append(out, constantSpan{
			name:  string(script[nameStart:nameEnd]),
			value: v,
			start: hexStart,
			end:   hexEnd,
		})
	}
	return out
}

func constMap(spans []constantSpan) map[string]int64 {
	m := make(map[string]int64, len(spans))
	for _, s := range spans {
		m[s.name] = s.value
	}
	return m
}

// DumpTopLevel dumps a CHRP-boot data fork, plus its resource fork's
// System Enabler segment if rsrc is non-empty.
func DumpTopLevel(binary []byte, rsrc []rsrcfork.Resource, destDir string) error {
	if !bytes.HasPrefix(binary, []byte(magic)) {
		return xerrors.WrongFormat
	}
	if err := os.MkdirAll(destDir, 0777); err != nil {
		return &xerrors.IOError{Op: "mkdir " + destDir, Err: err}
	}

	idx := bytes.Index(binary, []byte(endMagic))
	var chrpBoot []byte
	if idx < 0 {
		chrpBoot = append([]byte(nil), binary...)
	} else {
		end := idx + len(endMagic)
		chrpBoot = append([]byte(nil), binary[:end]...)
		if end < len(binary) && binary[end] == '\r' {
			chrpBoot = append(chrpBoot, '\r')
		}
	}
	chrpBoot = bytes.ReplaceAll(chrpBoot, []byte("\r"), []byte("\n"))

	spans := scanConstants(chrpBoot)
	zeroed := append([]byte(nil), chrpBoot...)
	for _, s := range spans {
		if s.name == "elf-offset" {
			continue
		}
		for i := s.start; i < s.end; i++ {
			zeroed[i] = '0'
		}
	}

	if err := os.WriteFile(filepath.Join(destDir, "Bootscript"), zeroed, 0666); err != nil {
		return &xerrors.IOError{Op: "write Bootscript", Err: err}
	}

	constants := constMap(spans)

	if off, ok := constants["elf-offset"]; ok {
		size := constants["elf-size"]
		elf := sliceAt(binary, int(off), int(size))
		if err := dispatcher.Dump(elf, filepath.Join(destDir, "MacOS.elf"), false); err != nil {
			return err
		}
	}

	otherOff, haveOff := constants["lzss-offset"]
	otherSize, haveSize := constants["lzss-size"]
	if !haveOff {
		otherOff, haveOff = constants["parcels-offset"]
	}
	if !haveSize {
		otherSize, haveSize = constants["parcels-size"]
	}
	if haveOff && haveSize {
		payload := sliceAt(binary, int(otherOff), int(otherSize))
		filename := "MacROM"
		if bytes.HasPrefix(payload, []byte("prcl")) {
			filename = "Parcels"
		} else {
			payload = lzss.Decompress(payload)
		}
		if err := dispatcher.Dump(payload, filepath.Join(destDir, filename), false); err != nil {
			return err
		}
	}

	if len(rsrc) > 0 {
		var cfrgs [][]byte
		for _, r := range rsrc {
			if r.Type.String() == "cfrg" {
				cfrgs = append(cfrgs, r.Data)
			}
		}

		start, stop := cfrg.DataForkRange(cfrgs, len(binary))

		adjusted := make([]rsrcfork.Resource, len(rsrc))
		copy(adjusted, rsrc)
		for i, r := range adjusted {
			if r.Type.String() == "cfrg" {
				adjusted[i].Data = cfrg.AdjustOffsets(r.Data, -int32(start))
			}
		}

		if start < stop && stop <= len(binary) {
			if err := os.WriteFile(filepath.Join(destDir, "SysEnabler"), binary[start:stop], 0666); err != nil {
				return &xerrors.IOError{Op: "write SysEnabler", Err: err}
			}
			if err := os.WriteFile(filepath.Join(destDir, "SysEnabler.rdump"), rsrcfork.FormatText(adjusted), 0666); err != nil {
				return &xerrors.IOError{Op: "write SysEnabler.rdump", Err: err}
			}
			if err := os.WriteFile(filepath.Join(destDir, "SysEnabler.idump"), []byte(sysEnablerIdumpMagic), 0666); err != nil {
				return &xerrors.IOError{Op: "write SysEnabler.idump", Err: err}
			}
		}
	}

	return nil
}

func sliceAt(b []byte, start, length int) []byte {
	if start < 0 || length < 0 || start > len(b) {
		return nil
	}
	stop := start + length
	if stop > len(b) {
		stop = len(b)
	}
	return b[start:stop]
}

func appendChecksum(booter []byte) []byte {
	sum := adler32.Checksum(booter)
	return append(booter, []byte(fmt.Sprintf("\r\\ h# %08X", sum))...)
}

// oldELFProp/newELFProp mark whether a Bootscript or trampoline expects
// the LZSS-compressed path or the newer parcels path.
var oldELFProp = []byte("AAPL,toolbox-image,lzss")
var newELFProp = []byte("AAPL,toolbox-parcels")

func editBootscriptForELF(script, tramp []byte) []byte {
	oldInScript := bytes.Contains(script, oldELFProp)
	newInScript := bytes.Contains(script, newELFProp)
	oldInTramp := bytes.Contains(tramp, oldELFProp)
	newInTramp := bytes.Contains(tramp, newELFProp)

	switch {
	case oldInScript && !newInScript && !oldInTramp && newInTramp:
		return bytes.ReplaceAll(script, oldELFProp, newELFProp)
	case !oldInScript && newInScript && oldInTramp && !newInTramp:
		return bytes.ReplaceAll(script, newELFProp, oldELFProp)
	default:
		return script
	}
}

// BuildTopLevel assembles the CHRP-boot data fork described by src, plus
// any resource fork assembled from a SysEnabler + SysEnabler.rdump pair.
func BuildTopLevel(src string) ([]byte, []rsrcfork.Resource, error) {
	raw, err := os.ReadFile(filepath.Join(src, "Bootscript"))
	if err != nil {
		return nil, nil, xerrors.WrongFormat
	}
	booter := bytes.ReplaceAll(raw, []byte("\n"), []byte("\r"))

	elf, err := dispatcher.Build(filepath.Join(src, "MacOS.elf"))
	if err != nil {
		return nil, nil, err
	}
	booter = editBootscriptForELF(booter, elf)

	hasChecksum := bytes.Contains(booter, []byte("adler32"))

	spans := scanConstants(booter)
	constants := constMap(spans)

	booter = append(booter, 4) // EOT

	if _, ok := constants["elf-offset"]; !ok {
		return nil, nil, &xerrors.ParseError{File: filepath.Join(src, "Bootscript"), Err: fmt.Errorf("bootinfo: missing elf-offset constant")}
	}
	if _, ok := constants["elf-size"]; !ok {
		return nil, nil, &xerrors.ParseError{File: filepath.Join(src, "Bootscript"), Err: fmt.Errorf("bootinfo: missing elf-size constant")}
	}

	pad := int(constants["elf-offset"]) - len(booter)
	if pad > 0 {
		booter = append(booter, make([]byte, pad)...)
	}
	constants["elf-offset"] = int64(len(booter))
	booter = append(booter, elf...)
	constants["elf-size"] = int64(len(booter)) - constants["elf-offset"]

	base := "parcels"
	if _, ok := constants["lzss-offset"]; ok {
		base = "lzss"
	}

	if _, ok := constants[base+"-offset"]; ok {
		constants[base+"-offset"] = int64(len(booter))

		var data []byte
		var buildErr error
		for _, attempt := range []string{"MacROM", "Parcels"} {
			data, buildErr = dispatcher.Build(filepath.Join(src, attempt))
			if buildErr == nil {
				break
			}
		}
		if buildErr != nil {
			return nil, nil, &xerrors.MissingComponent{Name: "MacROM/Parcels"}
		}
		if !bytes.HasPrefix(data, []byte("prcl")) {
			data = lzss.Compress(data)
		}
		booter = append(booter, data...)
		constants[base+"-size"] = int64(len(booter)) - constants[base+"-offset"]
	}

	constants["info-size"] = int64(len(booter))

	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })
	for _, s := range spans {
		v := constants[s.name]
		width := s.end - s.start
		digits := fmt.Sprintf("%0*X", width, v)
		if len(digits) != width {
			return nil, nil, &xerrors.LayoutError{Offset: int64(s.start), Err: fmt.Errorf("bootinfo: constant %s value 0x%X doesn't fit its %d-digit field", s.name, v, width)}
		}
		copy(booter[s.start:s.end], digits)
	}

	if hasChecksum {
		booter = appendChecksum(booter)
	}

	var resources []rsrcfork.Resource
	datafork, dfErr := os.ReadFile(filepath.Join(src, "SysEnabler"))
	rdump, rdErr := os.ReadFile(filepath.Join(src, "SysEnabler.rdump"))
	if dfErr == nil && rdErr == nil {
		resources, err = rsrcfork.ParseText(rdump)
		if err != nil {
			return nil, nil, err
		}

		for len(booter)%16 != 0 {
			booter = append(booter, 0)
		}
		delta := len(booter)
		booter = append(booter, datafork...)
		if len(datafork) > 0 && hasChecksum {
			booter = appendChecksum(booter)
		}

		for i, r := range resources {
			if r.Type.String() == "cfrg" {
				resources[i].Data = cfrg.AdjustOffsets(r.Data, int32(delta))
			}
		}
	}

	return booter, resources, nil
}
