package boot

import (
	"github.com/efistub/efistub/go/efi"
	"github.com/efistub/efistub/go/fdt"
	"github.com/efistub/efistub/go/loader"
)

// ExecArm64 records the initrd location in the firmware device tree,
// then transfers control to a loaded arm64 kernel image. The command
// line travels inside the image's load options, not through us.
// It returns only on failure.
func ExecArm64(image efi.Handle, st *efi.SystemTable, linuxAddr, initrdAddr, initrdSize uint64) error {
	if initrdSize != 0 {
		updateFDT(st, initrdAddr, initrdSize)
	}

	img, err := loader.NewArm64Image(st.Boot.Mem().ReaderAt(linuxAddr), linuxAddr)
	if err != nil {
		return err
	}

	st.Out.Print("calling EFI kernel stub\n")
	return NewInvoker(st).HandoverArm64(image, img)
}

// openFDT locates the firmware device tree through the configuration
// table and checks its header. Failures here are reported on the
// console, never up the stack: the kernel can boot without it.
func openFDT(st *efi.SystemTable) *fdt.Tree {
	addr, err := st.ConfigTable(efi.DTBTableGUID)
	if err != nil {
		st.Out.Print("DTB table not found\n")
		return nil
	}
	mem := st.Boot.Mem()

	head := make([]byte, fdt.HeaderSize)
	if err := mem.Read(addr, head); err != nil {
		st.Out.Print("invalid header on firmware-supplied FDT\n")
		return nil
	}
	hdr, err := fdt.ReadHeader(head)
	if err != nil {
		st.Out.Print("invalid header on firmware-supplied FDT\n")
		return nil
	}
	st.Out.Print("FDT is %d bytes\n", hdr.TotalSize)

	blob := make([]byte, hdr.TotalSize)
	if err := mem.Read(addr, blob); err != nil {
		st.Out.Print("invalid header on firmware-supplied FDT\n")
		return nil
	}
	tree, err := fdt.Open(blob)
	if err != nil {
		st.Out.Print("invalid header on firmware-supplied FDT\n")
		return nil
	}
	return tree
}

// updateFDT writes the initrd span under /chosen. The patch runs on a
// copy of the blob; the result lands in a fresh loader-data allocation
// and the configuration table is pointed at it, so the firmware's own
// blob is never grown in place.
func updateFDT(st *efi.SystemTable, initrdAddr, initrdSize uint64) {
	tree := openFDT(st)
	if tree == nil {
		return
	}

	root, err := tree.Root()
	if err != nil {
		st.Out.Print("malformed FDT structure\n")
		return
	}
	node, err := tree.SubnodeOffset(root, "chosen")
	if err != nil {
		node, err = tree.AddSubnode(root, "chosen")
		if err != nil {
			st.Out.Print("error creating chosen node\n")
			return
		}
	}

	if err := tree.SetPropU64(node, "linux,initrd-start", initrdAddr); err != nil {
		st.Out.Print("cannot create initrd-start property\n")
		return
	}
	if err := tree.SetPropU64(node, "linux,initrd-end", initrdAddr+initrdSize); err != nil {
		st.Out.Print("cannot create initrd-end property\n")
		return
	}

	blob := tree.Blob()
	addr, err := st.Boot.AllocatePages(efi.AllocateAnyPages, efi.LoaderData,
		efi.Pages(uint64(len(blob))), 0)
	if err != nil {
		st.Out.Print("cannot relocate patched FDT\n")
		return
	}
	if err := st.Boot.Mem().Write(addr, blob); err != nil {
		st.Out.Print("cannot relocate patched FDT\n")
		return
	}
	st.InstallConfigTable(efi.DTBTableGUID, addr)
}
