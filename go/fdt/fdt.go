package fdt

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Magic is the flattened device tree header magic, big-endian on the
// wire.
const Magic = 0xd00dfeed

// HeaderSize is the size of the fixed header in bytes.
const HeaderSize = 40

const headerSize = HeaderSize

const (
	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

var (
	ErrBadMagic     = errors.New("bad FDT magic")
	ErrTruncated    = errors.New("FDT blob truncated")
	ErrBadStructure = errors.New("malformed FDT structure block")
	ErrNotFound     = errors.New("FDT node or property not found")
)

// Header is the flattened device tree header. Every field is
// big-endian.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUID       uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// ReadHeader parses and checks the fixed header at the front of p,
// which may be longer than the header itself.
func ReadHeader(p []byte) (Header, error) {
	var h Header
	if len(p) < headerSize {
		return h, errors.WithStack(ErrTruncated)
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(p[:headerSize]), &h, binary.BigEndian); err != nil {
		return h, err
	}
	if h.Magic != Magic {
		return h, errors.WithStack(ErrBadMagic)
	}
	return h, nil
}

// Tree wraps a blob for node lookup and property edits. Edits grow the
// backing slice; the caller decides where the result lands in memory.
// Node offsets are relative to the structure block, root at its start.
type Tree struct {
	blob []byte
	hdr  Header
}

func Open(blob []byte) (*Tree, error) {
	hdr, err := ReadHeader(blob)
	if err != nil {
		return nil, err
	}
	if uint64(len(blob)) < uint64(hdr.TotalSize) {
		return nil, errors.WithStack(ErrTruncated)
	}
	if uint64(hdr.OffStruct)+uint64(hdr.SizeStruct) > uint64(hdr.TotalSize) ||
		uint64(hdr.OffStrings)+uint64(hdr.SizeStrings) > uint64(hdr.TotalSize) {
		return nil, errors.WithStack(ErrTruncated)
	}
	return &Tree{blob: blob[:hdr.TotalSize], hdr: hdr}, nil
}

func (t *Tree) Blob() []byte {
	return t.blob
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func (t *Tree) structBytes() []byte {
	return t.blob[t.hdr.OffStruct : uint64(t.hdr.OffStruct)+uint64(t.hdr.SizeStruct)]
}

func (t *Tree) u32(off int) (uint32, error) {
	s := t.structBytes()
	if off < 0 || off+4 > len(s) {
		return 0, errors.WithStack(ErrTruncated)
	}
	return binary.BigEndian.Uint32(s[off : off+4]), nil
}

// name of the node whose BEGIN_NODE token sits at off
func (t *Tree) nodeName(off int) (string, error) {
	s := t.structBytes()
	if off+4 > len(s) {
		return "", errors.WithStack(ErrTruncated)
	}
	i := bytes.IndexByte(s[off+4:], 0)
	if i < 0 {
		return "", errors.WithStack(ErrTruncated)
	}
	return string(s[off+4 : off+4+i]), nil
}

// offset just past a node's BEGIN_NODE token and padded name
func (t *Tree) skipName(off int) (int, error) {
	s := t.structBytes()
	if off > len(s) {
		return 0, errors.WithStack(ErrTruncated)
	}
	i := bytes.IndexByte(s[off:], 0)
	if i < 0 {
		return 0, errors.WithStack(ErrTruncated)
	}
	return align4(off + i + 1), nil
}

// interior returns the offset of the first token inside a node.
func (t *Tree) interior(node int) (int, error) {
	tok, err := t.u32(node)
	if err != nil {
		return 0, err
	}
	if tok != tokenBeginNode {
		return 0, errors.WithStack(ErrBadStructure)
	}
	return t.skipName(node + 4)
}

// Root returns the offset of the root node.
func (t *Tree) Root() (int, error) {
	off := 0
	for {
		tok, err := t.u32(off)
		if err != nil {
			return 0, err
		}
		switch tok {
		case tokenNop:
			off += 4
		case tokenBeginNode:
			return off, nil
		default:
			return 0, errors.WithStack(ErrBadStructure)
		}
	}
}

// SubnodeOffset finds a direct child of parent by name.
func (t *Tree) SubnodeOffset(parent int, name string) (int, error) {
	off, err := t.interior(parent)
	if err != nil {
		return 0, err
	}
	depth := 0
	for {
		tok, err := t.u32(off)
		if err != nil {
			return 0, err
		}
		switch tok {
		case tokenProp:
			plen, err := t.u32(off + 4)
			if err != nil {
				return 0, err
			}
			off = align4(off + 12 + int(plen))
		case tokenNop:
			off += 4
		case tokenBeginNode:
			if depth == 0 {
				n, err := t.nodeName(off)
				if err != nil {
					return 0, err
				}
				if n == name {
					return off, nil
				}
			}
			depth++
			if off, err = t.skipName(off + 4); err != nil {
				return 0, err
			}
		case tokenEndNode:
			if depth == 0 {
				return 0, errors.WithStack(ErrNotFound)
			}
			depth--
			off += 4
		default:
			return 0, errors.WithStack(ErrBadStructure)
		}
	}
}

// offset of parent's own END_NODE token
func (t *Tree) endOfNode(parent int) (int, error) {
	off, err := t.interior(parent)
	if err != nil {
		return 0, err
	}
	depth := 0
	for {
		tok, err := t.u32(off)
		if err != nil {
			return 0, err
		}
		switch tok {
		case tokenProp:
			plen, err := t.u32(off + 4)
			if err != nil {
				return 0, err
			}
			off = align4(off + 12 + int(plen))
		case tokenNop:
			off += 4
		case tokenBeginNode:
			depth++
			if off, err = t.skipName(off + 4); err != nil {
				return 0, err
			}
		case tokenEndNode:
			if depth == 0 {
				return off, nil
			}
			depth--
			off += 4
		default:
			return 0, errors.WithStack(ErrBadStructure)
		}
	}
}

// AddSubnode appends an empty child node to parent and returns its
// offset.
func (t *Tree) AddSubnode(parent int, name string) (int, error) {
	ins, err := t.endOfNode(parent)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], tokenBeginNode)
	buf.Write(tok[:])
	buf.WriteString(name)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	binary.BigEndian.PutUint32(tok[:], tokenEndNode)
	buf.Write(tok[:])

	t.splice(int(t.hdr.OffStruct)+ins, 0, buf.Bytes(), &t.hdr.OffStruct)
	t.hdr.SizeStruct += uint32(buf.Len())
	if err := t.writeHeader(); err != nil {
		return 0, err
	}
	return ins, nil
}

// findProp locates a property directly under node, returning the
// offset of its PROP token and its value length.
func (t *Tree) findProp(node int, name string) (int, int, error) {
	off, err := t.interior(node)
	if err != nil {
		return 0, 0, err
	}
	depth := 0
	for {
		tok, err := t.u32(off)
		if err != nil {
			return 0, 0, err
		}
		switch tok {
		case tokenProp:
			plen, err := t.u32(off + 4)
			if err != nil {
				return 0, 0, err
			}
			if depth == 0 {
				nameoff, err := t.u32(off + 8)
				if err != nil {
					return 0, 0, err
				}
				n, err := t.propString(nameoff)
				if err != nil {
					return 0, 0, err
				}
				if n == name {
					return off, int(plen), nil
				}
			}
			off = align4(off + 12 + int(plen))
		case tokenNop:
			off += 4
		case tokenBeginNode:
			depth++
			if off, err = t.skipName(off + 4); err != nil {
				return 0, 0, err
			}
		case tokenEndNode:
			if depth == 0 {
				return 0, 0, errors.WithStack(ErrNotFound)
			}
			depth--
			off += 4
		default:
			return 0, 0, errors.WithStack(ErrBadStructure)
		}
	}
}

// Prop returns a copy of a property value directly under node.
func (t *Tree) Prop(node int, name string) ([]byte, error) {
	off, plen, err := t.findProp(node, name)
	if err != nil {
		return nil, err
	}
	s := t.structBytes()
	if off+12+plen > len(s) {
		return nil, errors.WithStack(ErrTruncated)
	}
	val := make([]byte, plen)
	copy(val, s[off+12:])
	return val, nil
}

// SetProp creates or replaces a property directly under node.
func (t *Tree) SetProp(node int, name string, val []byte) error {
	padded := make([]byte, align4(len(val)))
	copy(padded, val)

	if off, plen, err := t.findProp(node, name); err == nil {
		abs := int(t.hdr.OffStruct) + off + 12
		old := align4(plen)
		t.splice(abs, old, padded, &t.hdr.OffStruct)
		t.hdr.SizeStruct = uint32(int(t.hdr.SizeStruct) + len(padded) - old)
		binary.BigEndian.PutUint32(t.structBytes()[off+4:off+8], uint32(len(val)))
		return t.writeHeader()
	} else if errors.Cause(err) != ErrNotFound {
		return err
	}

	nameoff, err := t.addString(name)
	if err != nil {
		return err
	}
	// props precede subnodes; insert right after the node's name
	ins, err := t.interior(node)
	if err != nil {
		return err
	}
	buf := make([]byte, 12+len(padded))
	binary.BigEndian.PutUint32(buf[0:4], tokenProp)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(val)))
	binary.BigEndian.PutUint32(buf[8:12], nameoff)
	copy(buf[12:], padded)

	t.splice(int(t.hdr.OffStruct)+ins, 0, buf, &t.hdr.OffStruct)
	t.hdr.SizeStruct += uint32(len(buf))
	return t.writeHeader()
}

// SetPropU64 writes an 8-byte big-endian property, the convention
// kernel device-tree parsers expect for addresses.
func (t *Tree) SetPropU64(node int, name string, v uint64) error {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], v)
	return t.SetProp(node, name, p[:])
}

// nul-terminated name at nameoff in the strings block
func (t *Tree) propString(nameoff uint32) (string, error) {
	if nameoff >= t.hdr.SizeStrings {
		return "", errors.WithStack(ErrTruncated)
	}
	tab := t.blob[t.hdr.OffStrings : uint64(t.hdr.OffStrings)+uint64(t.hdr.SizeStrings)]
	i := bytes.IndexByte(tab[nameoff:], 0)
	if i < 0 {
		return "", errors.WithStack(ErrTruncated)
	}
	return string(tab[nameoff : int(nameoff)+i]), nil
}

// addString interns name in the strings block.
func (t *Tree) addString(name string) (uint32, error) {
	tab := t.blob[t.hdr.OffStrings : uint64(t.hdr.OffStrings)+uint64(t.hdr.SizeStrings)]
	for pos := 0; pos < len(tab); {
		i := bytes.IndexByte(tab[pos:], 0)
		if i < 0 {
			break
		}
		if string(tab[pos:pos+i]) == name {
			return uint32(pos), nil
		}
		pos += i + 1
	}
	off := t.hdr.SizeStrings
	t.splice(int(t.hdr.OffStrings)+int(t.hdr.SizeStrings), 0, append([]byte(name), 0), &t.hdr.OffStrings)
	t.hdr.SizeStrings += uint32(len(name) + 1)
	return off, t.writeHeader()
}

// splice replaces blob[abs:abs+del] with ins and shifts the offsets of
// every block behind the edit. edited names the block being resized so
// a boundary edit never moves it.
func (t *Tree) splice(abs, del int, ins []byte, edited *uint32) {
	grown := make([]byte, 0, len(t.blob)+len(ins)-del)
	grown = append(grown, t.blob[:abs]...)
	grown = append(grown, ins...)
	grown = append(grown, t.blob[abs+del:]...)
	t.blob = grown

	delta := len(ins) - del
	t.hdr.TotalSize = uint32(int(t.hdr.TotalSize) + delta)
	for _, p := range []*uint32{&t.hdr.OffStruct, &t.hdr.OffStrings, &t.hdr.OffMemRsvmap} {
		if p == edited {
			continue
		}
		if int(*p) >= abs {
			*p = uint32(int(*p) + delta)
		}
	}
}

func (t *Tree) writeHeader() error {
	var b bytes.Buffer
	if err := struc.PackWithOrder(&b, &t.hdr, binary.BigEndian); err != nil {
		return err
	}
	copy(t.blob[:headerSize], b.Bytes())
	return nil
}
