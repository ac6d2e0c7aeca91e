package loader

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/efistub/efistub/go/efi"
)

const (
	BootFlagMagic = 0xaa55
	SetupMagic    = 0x53726448 // "HdrS"

	// MinVersion is boot protocol 2.11, the first to carry
	// handover_offset.
	MinVersion = 0x20b

	SectorSize        = 512
	DefaultSetupSects = 4

	// SetupHeaderOffset is where the setup header lives, both in the
	// image and in a boot parameter block.
	SetupHeaderOffset = 0x1f1

	bootFlagOffset = 0x1fe
	hdrMagicOffset = 0x202

	// absolute offsets of the fields the stub overwrites
	OffTypeOfLoader   = 0x210
	OffCode32Start    = 0x214
	OffRamdiskImage   = 0x218
	OffRamdiskSize    = 0x21c
	OffCmdLinePtr     = 0x228
	OffHandoverOffset = 0x264
)

// SetupHeader is the x86 Linux real-mode setup header, boot protocol
// 2.11 layout, little-endian, found at offset 0x1f1 of a bzImage.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	Syssize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	RealmodeSwtch       uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	Loadflags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdLinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XLoadflags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
}

func MatchBzImage(r io.ReaderAt) bool {
	var p [4]byte
	if _, err := r.ReadAt(p[:2], bootFlagOffset); err != nil {
		return false
	}
	if binary.LittleEndian.Uint16(p[:2]) != BootFlagMagic {
		return false
	}
	if _, err := r.ReadAt(p[:], hdrMagicOffset); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(p[:]) == SetupMagic
}

// BzImage is a validated x86 kernel image.
type BzImage struct {
	addr   uint64
	Header SetupHeader

	// RawHeader is the setup header region exactly as found in the
	// image, for the verbatim copy into a boot parameter block.
	RawHeader []byte
}

func NewBzImage(r io.ReaderAt, addr uint64) (*BzImage, error) {
	var hdr SetupHeader
	size, err := unpackAt(r, &hdr, SetupHeaderOffset)
	if err != nil {
		return nil, errors.Wrap(err, "short kernel image")
	}
	raw := make([]byte, size)
	if _, err := r.ReadAt(raw, SetupHeaderOffset); err != nil {
		return nil, errors.Wrap(err, "short kernel image")
	}
	k := &BzImage{addr: addr, Header: hdr, RawHeader: raw}
	if err := k.validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// validate runs the boot protocol checks in the documented order. It
// touches no memory layout; rejection happens before any allocation.
func (k *BzImage) validate() error {
	h := &k.Header
	if h.BootFlag != BootFlagMagic {
		return errors.Wrap(efi.LoadError, "missing 0xAA55 boot sector signature")
	}
	if h.Header != SetupMagic {
		return errors.Wrap(efi.LoadError, "missing HdrS setup magic")
	}
	if h.Version < MinVersion {
		return errors.Wrapf(efi.LoadError, "boot protocol %#x older than %#x", h.Version, MinVersion)
	}
	if h.RelocatableKernel == 0 {
		return errors.Wrap(efi.LoadError, "kernel is not relocatable")
	}
	return nil
}

func (k *BzImage) Addr() uint64 {
	return k.addr
}

func (k *BzImage) Arch() string {
	return "x86_64"
}

// SetupSectors returns setup_sects with the protocol's default of 4
// applied when the field is zero.
func (k *BzImage) SetupSectors() uint8 {
	if k.Header.SetupSects == 0 {
		return DefaultSetupSects
	}
	return k.Header.SetupSects
}

// Code32Start is the protected-mode entry: the load address advanced
// past the boot sector plus the real-mode setup sectors.
func (k *BzImage) Code32Start() uint32 {
	return uint32(k.addr) + (uint32(k.SetupSectors())+1)*SectorSize
}
