package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// testBlob builds a small well-formed blob: a root with a model
// property and a memory node, plus an optional /chosen carrying
// bootargs.
func testBlob(t *testing.T, chosen bool) []byte {
	var strs []byte
	addStr := func(s string) uint32 {
		off := len(strs)
		strs = append(strs, s...)
		strs = append(strs, 0)
		return uint32(off)
	}

	var sb bytes.Buffer
	tok := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		sb.Write(b[:])
	}
	name := func(s string) {
		sb.WriteString(s)
		sb.WriteByte(0)
		for sb.Len()%4 != 0 {
			sb.WriteByte(0)
		}
	}
	prop := func(nameoff uint32, val []byte) {
		tok(tokenProp)
		tok(uint32(len(val)))
		tok(nameoff)
		sb.Write(val)
		for sb.Len()%4 != 0 {
			sb.WriteByte(0)
		}
	}

	tok(tokenBeginNode)
	name("")
	prop(addStr("model"), append([]byte("qemu,virt"), 0))
	tok(tokenBeginNode)
	name("memory@0")
	tok(tokenEndNode)
	if chosen {
		tok(tokenBeginNode)
		name("chosen")
		prop(addStr("bootargs"), append([]byte("console=ttyAMA0"), 0))
		tok(tokenEndNode)
	}
	tok(tokenEndNode)
	tok(tokenEnd)

	hdr := Header{
		Magic:           Magic,
		OffMemRsvmap:    HeaderSize,
		OffStruct:       HeaderSize + 16,
		SizeStruct:      uint32(sb.Len()),
		OffStrings:      HeaderSize + 16 + uint32(sb.Len()),
		SizeStrings:     uint32(len(strs)),
		Version:         17,
		LastCompVersion: 16,
	}
	hdr.TotalSize = hdr.OffStrings + hdr.SizeStrings

	var out bytes.Buffer
	if err := struc.PackWithOrder(&out, &hdr, binary.BigEndian); err != nil {
		t.Fatal("failed to pack header:", err)
	}
	out.Write(make([]byte, 16)) // empty reservation map
	out.Write(sb.Bytes())
	out.Write(strs)
	return out.Bytes()
}

func TestReadHeader(t *testing.T) {
	if _, err := ReadHeader(testBlob(t, false)); err != nil {
		t.Fatal("well-formed header rejected:", err)
	}
	bad := testBlob(t, false)
	bad[0] = 0xde
	if _, err := ReadHeader(bad); errors.Cause(err) != ErrBadMagic {
		t.Fatal("expected bad magic, got:", err)
	}
	if _, err := ReadHeader(make([]byte, 8)); errors.Cause(err) != ErrTruncated {
		t.Fatal("expected truncated, got:", err)
	}
}

func TestSubnodeOffset(t *testing.T) {
	tree, err := Open(testBlob(t, true))
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.Root()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.SubnodeOffset(root, "memory@0"); err != nil {
		t.Fatal("memory node not found:", err)
	}
	if _, err := tree.SubnodeOffset(root, "chosen"); err != nil {
		t.Fatal("chosen node not found:", err)
	}
	if _, err := tree.SubnodeOffset(root, "nonexistent"); errors.Cause(err) != ErrNotFound {
		t.Fatal("expected not found, got:", err)
	}
}

func TestAddSubnode(t *testing.T) {
	tree, err := Open(testBlob(t, false))
	if err != nil {
		t.Fatal(err)
	}
	root, _ := tree.Root()
	if _, err := tree.SubnodeOffset(root, "chosen"); errors.Cause(err) != ErrNotFound {
		t.Fatal("fresh blob already has chosen:", err)
	}
	node, err := tree.AddSubnode(root, "chosen")
	if err != nil {
		t.Fatal("failed to add chosen:", err)
	}
	found, err := tree.SubnodeOffset(root, "chosen")
	if err != nil || found != node {
		t.Fatalf("chosen at %#x, found %#x (%v)", node, found, err)
	}

	// the grown blob must still be a valid tree
	reopened, err := Open(tree.Blob())
	if err != nil {
		t.Fatal("patched blob no longer opens:", err)
	}
	root2, _ := reopened.Root()
	if _, err := reopened.SubnodeOffset(root2, "chosen"); err != nil {
		t.Fatal("chosen lost after reopen:", err)
	}
	if _, err := reopened.SubnodeOffset(root2, "memory@0"); err != nil {
		t.Fatal("memory node lost after reopen:", err)
	}
	if val, err := reopened.Prop(root2, "model"); err != nil {
		t.Fatal("model property lost:", err)
	} else if !bytes.Equal(val, append([]byte("qemu,virt"), 0)) {
		t.Fatal("model property corrupted:", val)
	}
}

func TestSetPropNew(t *testing.T) {
	tree, err := Open(testBlob(t, false))
	if err != nil {
		t.Fatal(err)
	}
	root, _ := tree.Root()
	node, err := tree.AddSubnode(root, "chosen")
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.SetPropU64(node, "linux,initrd-start", 0x48000000); err != nil {
		t.Fatal(err)
	}
	if err := tree.SetPropU64(node, "linux,initrd-end", 0x48100000); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(tree.Blob())
	if err != nil {
		t.Fatal("patched blob no longer opens:", err)
	}
	root2, _ := reopened.Root()
	node2, err := reopened.SubnodeOffset(root2, "chosen")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 0, 0x48, 0, 0, 0}
	if val, err := reopened.Prop(node2, "linux,initrd-start"); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(val, want) {
		t.Fatalf("initrd-start = %x", val)
	}
	want = []byte{0, 0, 0, 0, 0x48, 0x10, 0, 0}
	if val, err := reopened.Prop(node2, "linux,initrd-end"); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(val, want) {
		t.Fatalf("initrd-end = %x", val)
	}
}

func TestSetPropReplace(t *testing.T) {
	tree, err := Open(testBlob(t, true))
	if err != nil {
		t.Fatal(err)
	}
	root, _ := tree.Root()
	node, err := tree.SubnodeOffset(root, "chosen")
	if err != nil {
		t.Fatal(err)
	}
	before := tree.hdr.SizeStrings

	// different length than the existing value
	if err := tree.SetProp(node, "bootargs", append([]byte("quiet"), 0)); err != nil {
		t.Fatal(err)
	}
	// existing names are reused, not re-interned
	if tree.hdr.SizeStrings != before {
		t.Fatal("replacing a property grew the strings block")
	}

	reopened, err := Open(tree.Blob())
	if err != nil {
		t.Fatal("patched blob no longer opens:", err)
	}
	root2, _ := reopened.Root()
	node2, _ := reopened.SubnodeOffset(root2, "chosen")
	if val, err := reopened.Prop(node2, "bootargs"); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(val, append([]byte("quiet"), 0)) {
		t.Fatalf("bootargs = %q", val)
	}
	// the sibling property is untouched
	if _, err := reopened.Prop(root2, "model"); err != nil {
		t.Fatal("model property lost:", err)
	}
}
