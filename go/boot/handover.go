package boot

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/efistub/efistub/go/efi"
	"github.com/efistub/efistub/go/loader"
)

// State tracks the invoker's one-way progression.
type State int

const (
	// StatePrepared: parameter structures built, kernel not entered.
	StatePrepared State = iota
	// StateTransferred is terminal. Running any code after reaching it
	// means the kernel entry handed control back.
	StateTransferred
)

// Invoker computes the entry address from the architecture's offsets
// and performs the non-returning call. Its only observable outcome is
// an error: a transfer that works never comes back.
type Invoker struct {
	st    *efi.SystemTable
	state State
}

func NewInvoker(st *efi.SystemTable) *Invoker {
	return &Invoker{st: st, state: StatePrepared}
}

func (v *Invoker) State() State {
	return v.state
}

func (v *Invoker) transfer(entry uint64, image efi.Handle, params uint64) {
	v.state = StateTransferred
	v.st.Transfer(entry, image, params)
}

// HandoverX86 jumps to the EFI handover entry declared by the setup
// header held in the boot parameter block.
func (v *Invoker) HandoverX86(image efi.Handle, params uint64) error {
	mem := v.st.Boot.Mem()
	le := binary.LittleEndian
	start, err := mem.ReadUint(params+loader.OffCode32Start, 4, le)
	if err != nil {
		return err
	}
	hoff, err := mem.ReadUint(params+loader.OffHandoverOffset, 4, le)
	if err != nil {
		return err
	}
	if v.st.X64 {
		// the long-mode entry sits one 512-byte trampoline past the
		// 32-bit one, and wants interrupts off
		v.st.DisableInterrupts()
		start += 512
	}
	v.transfer(start+hoff, image, params)
	return errors.WithStack(efi.LoadError)
}

// HandoverArm64 jumps to the image's EFI stub entry. No parameter
// block crosses over; the kernel configures itself from the device
// tree.
func (v *Invoker) HandoverArm64(image efi.Handle, img *loader.Arm64Image) error {
	v.transfer(img.Entry(), image, 0)
	return errors.WithStack(efi.LoadError)
}
