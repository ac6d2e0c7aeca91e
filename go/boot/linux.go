package boot

import (
	"encoding/binary"

	"github.com/efistub/efistub/go/efi"
	"github.com/efistub/efistub/go/loader"
)

const (
	// boot_params block; the kernel reads it through a 32-bit pointer,
	// so it must sit below 4 GiB
	bootParamsSize = 0x4000
	highMemLimit   = 0xffffffff

	// the command line buffer must stay below the conventional-memory
	// ceiling
	cmdlineLimit = 0xa0000 - 1

	// type_of_loader sentinel for an undocumented loader
	loaderUndocumented = 0xff
)

// Exec validates a loaded x86 kernel image, builds its boot parameter
// block and transfers control to it. It returns only on failure.
func Exec(image efi.Handle, st *efi.SystemTable, cmdline []byte, linuxAddr, initrdAddr, initrdSize uint64) error {
	mem := st.Boot.Mem()
	img, err := loader.NewBzImage(mem.ReaderAt(linuxAddr), linuxAddr)
	if err != nil {
		return err
	}

	params, err := st.Boot.AllocatePages(efi.AllocateMaxAddress, efi.LoaderData,
		efi.Pages(bootParamsSize), highMemLimit)
	if err != nil {
		return err
	}
	if err := mem.Write(params, make([]byte, bootParamsSize)); err != nil {
		return err
	}
	// the kernel's own header, verbatim, then the loader's overrides
	if err := mem.Write(params+loader.SetupHeaderOffset, img.RawHeader); err != nil {
		return err
	}
	le := binary.LittleEndian
	if err := mem.WriteUint(params+loader.OffTypeOfLoader, 1, le, loaderUndocumented); err != nil {
		return err
	}
	if err := mem.WriteUint(params+loader.OffCode32Start, 4, le, uint64(img.Code32Start())); err != nil {
		return err
	}

	if len(cmdline) > 0 {
		addr, err := st.Boot.AllocatePages(efi.AllocateMaxAddress, efi.LoaderData,
			efi.Pages(uint64(len(cmdline)+1)), cmdlineLimit)
		if err != nil {
			return err
		}
		buf := make([]byte, len(cmdline)+1)
		copy(buf, cmdline)
		if err := mem.Write(addr, buf); err != nil {
			return err
		}
		if err := mem.WriteUint(params+loader.OffCmdLinePtr, 4, le, addr); err != nil {
			return err
		}
	}

	if err := mem.WriteUint(params+loader.OffRamdiskImage, 4, le, initrdAddr); err != nil {
		return err
	}
	if err := mem.WriteUint(params+loader.OffRamdiskSize, 4, le, initrdSize); err != nil {
		return err
	}

	return NewInvoker(st).HandoverX86(image, params)
}
