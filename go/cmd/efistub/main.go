package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"

	"github.com/efistub/efistub/go/boot"
	"github.com/efistub/efistub/go/efi"
	"github.com/efistub/efistub/go/loader"
)

// stage reads a file and places it in a fresh loader-data allocation.
func stage(st *efi.SystemTable, path, desc string) (uint64, uint64, error) {
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	if len(p) == 0 {
		return 0, 0, errors.Errorf("%s is empty: %s", desc, path)
	}
	addr, err := st.Boot.AllocatePages(efi.AllocateAnyPages, efi.LoaderData,
		efi.Pages(uint64(len(p))), 0)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "staging %s", desc)
	}
	if err := st.Boot.Mem().Write(addr, p); err != nil {
		return 0, 0, errors.Wrapf(err, "staging %s", desc)
	}
	return addr, uint64(len(p)), nil
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}

func main() {
	fs := flag.NewFlagSet("efistub", flag.ExitOnError)
	kernel := fs.String("kernel", "", "path to a bzImage or arm64 Image")
	initrd := fs.String("initrd", "", "path to an initrd image")
	cmdline := fs.String("cmdline", "", "kernel command line (x86)")
	dtb := fs.String("dtb", "", "path to a device tree blob (arm64)")
	ram := fs.Uint64("ram", 256, "modeled RAM size in MiB")
	verbose := fs.Bool("v", false, "print the memory layout before handover")
	fs.Parse(os.Args[1:])
	if *kernel == "" {
		fs.Usage()
		os.Exit(1)
	}

	mem := efi.NewMem()
	if _, err := mem.Map(0, *ram*1024*1024, "ram"); err != nil {
		die(err)
	}
	st := efi.NewSystemTable(mem)
	st.Out = efi.NewConsole(os.Stderr)
	st.Entry = func(entry uint64, image efi.Handle, st *efi.SystemTable, params uint64) {
		fmt.Printf("kernel took control at %#x (image %#x, params %#x)\n", entry, image, params)
		os.Exit(0)
	}
	var image efi.Handle = 1

	kaddr, _, err := stage(st, *kernel, "kernel")
	if err != nil {
		die(err)
	}
	var iaddr, isize uint64
	if *initrd != "" {
		if iaddr, isize, err = stage(st, *initrd, "initrd"); err != nil {
			die(err)
		}
	}
	if *dtb != "" {
		daddr, _, err := stage(st, *dtb, "dtb")
		if err != nil {
			die(err)
		}
		st.InstallConfigTable(efi.DTBTableGUID, daddr)
	}

	k, err := loader.LoadKernel(mem.ReaderAt(kaddr), kaddr)
	if err != nil {
		die(err)
	}
	if *verbose {
		fmt.Fprintln(os.Stderr, mem.String())
	}

	switch k.(type) {
	case *loader.BzImage:
		st.X64 = true
		err = boot.Exec(image, st, []byte(*cmdline), kaddr, iaddr, isize)
	case *loader.Arm64Image:
		err = boot.ExecArm64(image, st, kaddr, iaddr, isize)
	default:
		err = errors.Errorf("no boot path for %s", k.Arch())
	}
	// the pipelines come back only when the kernel never took control
	die(err)
}
