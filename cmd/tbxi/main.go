// Command tbxi dumps a Macintosh ROM image into an editable directory
// tree, or builds one back into a ROM image.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/elliotnunn/tbxi/codec/bootinfo"
	"github.com/elliotnunn/tbxi/codec/parcels"
	"github.com/elliotnunn/tbxi/codec/powerpc"
	"github.com/elliotnunn/tbxi/codec/supermario"
	"github.com/elliotnunn/tbxi/dispatcher"
	"github.com/elliotnunn/tbxi/internal/binhex"
	"github.com/elliotnunn/tbxi/internal/rsrcfork"
	"github.com/elliotnunn/tbxi/internal/xerrors"
	"github.com/elliotnunn/tbxi/types"
)

// idumpMagic is the 8-byte Finder type+creator ("tbxi"/"chrp") recorded
// beside a raw (non-BinHex) build output.
const idumpMagic = "tbxichrp"

func init() {
	dispatcher.Codecs = []dispatcher.Codec{
		bootinfo.Codec{},
		parcels.Codec{},
		powerpc.Codec{},
		supermario.Codec{},
	}
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("tbxi: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "dump":
		err = runDump(os.Args[2:])
	case "build":
		err = runBuild(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tbxi dump <input> [-o dir] [-yes|-no]")
	fmt.Fprintln(os.Stderr, "       tbxi build <dir> [-o file] [-yes|-no]")
}

func patchFlags(fs *flag.FlagSet) (yes, no *bool) {
	yes = fs.Bool("yes", false, "answer every patch prompt yes")
	no = fs.Bool("no", false, "answer every patch prompt no")
	return
}

func applyPatchPolicy(yes, no bool) error {
	switch {
	case yes && no:
		return fmt.Errorf("-yes and -no are mutually exclusive")
	case yes:
		dispatcher.Patch = dispatcher.PatchAlwaysYes
	case no:
		dispatcher.Patch = dispatcher.PatchAlwaysNo
	}
	return nil
}

// parseArgs parses fs from args, accepting flags before or after the
// positional arguments, and returns the positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) []string {
	var pos []string
	for {
		fs.Parse(args)
		args = fs.Args()
		if len(args) == 0 {
			return pos
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	out := fs.String("o", "", "output directory (default: <input>.src)")
	yes, no := patchFlags(fs)
	pos := parseArgs(fs, args)

	if len(pos) != 1 {
		return fmt.Errorf("dump: expected exactly one input file")
	}
	if err := applyPatchPolicy(*yes, *no); err != nil {
		return err
	}

	input := pos[0]
	destDir := *out
	if destDir == "" {
		destDir = input + ".src"
	}

	raw, err := os.ReadFile(input)
	if err != nil {
		return &xerrors.IOError{Op: "read " + input, Err: err}
	}

	var data []byte
	var rsrc []rsrcfork.Resource
	if strings.EqualFold(filepath.Ext(input), ".hqx") {
		f, err := binhex.Decode(raw)
		if err != nil {
			return fmt.Errorf("dump: %w", err)
		}
		data = f.DataFork
		if len(f.ResourceFork) > 0 {
			rsrc, err = rsrcfork.Unpack(f.ResourceFork)
			if err != nil {
				return fmt.Errorf("dump: %w", err)
			}
		}
	} else {
		data = raw
	}

	if err := os.RemoveAll(destDir); err != nil {
		return &xerrors.IOError{Op: "remove " + destDir, Err: err}
	}

	if len(rsrc) > 0 {
		err := bootinfo.DumpTopLevel(data, rsrc, destDir)
		if err != xerrors.WrongFormat {
			return err
		}
	}

	return dispatcher.Dump(data, destDir, true)
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	out := fs.String("o", "Mac OS ROM", "output file (default: \"Mac OS ROM\")")
	yes, no := patchFlags(fs)
	pos := parseArgs(fs, args)

	if len(pos) != 1 {
		return fmt.Errorf("build: expected exactly one input directory")
	}
	if err := applyPatchPolicy(*yes, *no); err != nil {
		return err
	}

	srcDir := pos[0]
	outPath := *out

	data, resources, err := bootinfo.BuildTopLevel(srcDir)
	if err == xerrors.WrongFormat {
		data, err = dispatcher.Build(srcDir)
		resources = nil
	}
	if err != nil {
		return err
	}

	if strings.HasPrefix(string(data), "<CHRP-BOOT>") && strings.EqualFold(filepath.Ext(outPath), ".hqx") {
		hqx := binhex.Encode(binhex.File{
			Name:         strings.TrimSuffix(filepath.Base(outPath), filepath.Ext(outPath)),
			Type:         types.NewOSType("tbxi"),
			Creator:      types.NewOSType("chrp"),
			DataFork:     data,
			ResourceFork: rsrcfork.Pack(resources),
		})
		return os.WriteFile(outPath, hqx, 0666)
	}

	if err := os.WriteFile(outPath, data, 0666); err != nil {
		return &xerrors.IOError{Op: "write " + outPath, Err: err}
	}
	if err := os.WriteFile(outPath+".idump", []byte(idumpMagic), 0666); err != nil {
		return &xerrors.IOError{Op: "write " + outPath + ".idump", Err: err}
	}
	if len(resources) > 0 {
		if err := os.WriteFile(outPath+".rdump", rsrcfork.Pack(resources), 0666); err != nil {
			return &xerrors.IOError{Op: "write " + outPath + ".rdump", Err: err}
		}
	}
	return nil
}
