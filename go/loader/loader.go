package loader

import (
	"io"

	"github.com/pkg/errors"
)

var UnknownMagic = errors.New("could not identify kernel image magic")

// Kernel is a validated kernel image resident in firmware memory.
type Kernel interface {
	Addr() uint64
	Arch() string
}

// LoadKernel sniffs the image at addr and returns the matching
// boot protocol handler.
func LoadKernel(r io.ReaderAt, addr uint64) (Kernel, error) {
	if MatchBzImage(r) {
		return NewBzImage(r, addr)
	} else if MatchArm64Image(r) {
		return NewArm64Image(r, addr)
	}
	return nil, errors.WithStack(UnknownMagic)
}
