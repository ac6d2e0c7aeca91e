package loader

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/efistub/efistub/go/efi"
)

const (
	Arm64Magic       = 0x644d5241 // "ARM\x64"
	arm64MagicOffset = 0x38

	peSignature   = 0x00004550 // "PE\0\0"
	pe32PlusMagic = 0x20b
)

// Arm64Header is the arm64 kernel Image header. The reserved word
// after the magic doubles as the file offset of the embedded PE
// header, which is how the EFI stub entry is found.
type Arm64Header struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Res2       uint64
	Res3       uint64
	Res4       uint64
	Magic      uint32
	HdrOffset  uint32
}

// PEHeader is the slice of the embedded COFF/PE32+ header needed to
// locate the EFI entry point.
type PEHeader struct {
	Signature   uint32
	Machine     uint16
	NumSections uint16
	Timestamp   uint32
	SymTab      uint32
	NumSymbols  uint32
	OptSize     uint16
	Flags       uint16
	OptMagic    uint16
	LinkerMajor uint8
	LinkerMinor uint8
	TextSize    uint32
	DataSize    uint32
	BssSize     uint32
	EntryPoint  uint32
}

func MatchArm64Image(r io.ReaderAt) bool {
	var p [4]byte
	if _, err := r.ReadAt(p[:], arm64MagicOffset); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(p[:]) == Arm64Magic
}

// Arm64Image is a validated arm64 kernel image.
type Arm64Image struct {
	addr   uint64
	Header Arm64Header
	PE     PEHeader
}

func NewArm64Image(r io.ReaderAt, addr uint64) (*Arm64Image, error) {
	var hdr Arm64Header
	if _, err := unpackAt(r, &hdr, 0); err != nil {
		return nil, errors.Wrap(err, "short kernel image")
	}
	if hdr.Magic != Arm64Magic {
		return nil, errors.Wrap(efi.LoadError, "missing ARM64 image magic")
	}
	var pe PEHeader
	if _, err := unpackAt(r, &pe, uint64(hdr.HdrOffset)); err != nil {
		return nil, errors.Wrap(err, "short kernel image")
	}
	if pe.Signature != peSignature {
		return nil, errors.Wrap(efi.LoadError, "no PE header at hdr_offset")
	}
	if pe.OptMagic != pe32PlusMagic {
		return nil, errors.Wrap(efi.LoadError, "embedded PE header is not PE32+")
	}
	return &Arm64Image{addr: addr, Header: hdr, PE: pe}, nil
}

func (k *Arm64Image) Addr() uint64 {
	return k.addr
}

func (k *Arm64Image) Arch() string {
	return "arm64"
}

// Entry is the physical address of the image's EFI stub entry point.
func (k *Arm64Image) Entry() uint64 {
	return k.addr + uint64(k.PE.EntryPoint)
}
