package efi

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Handle is an opaque firmware handle.
type Handle uint64

// Console is the firmware text output protocol, reduced to Print.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{w: w}
}

func (c *Console) Print(format string, args ...interface{}) {
	fmt.Fprintf(c.w, format, args...)
}

type ConfigEntry struct {
	GUID GUID
	Addr uint64
}

// KernelEntry receives control at handover. A kernel that takes
// control never returns; Transfer returning at all is the failure
// signal the invoker watches for.
type KernelEntry func(entry uint64, image Handle, st *SystemTable, params uint64)

// SystemTable is the loader-visible firmware surface: console out,
// boot services, and the configuration table array.
type SystemTable struct {
	Out    *Console
	Boot   *BootServices
	Config []ConfigEntry

	// X64 mirrors the execution mode of the firmware itself; the x86
	// handover entry moves by 512 bytes under long mode.
	X64 bool

	// InterruptsOff records the cli issued before a long-mode handover.
	InterruptsOff bool

	Entry KernelEntry
}

func NewSystemTable(mem *Mem) *SystemTable {
	return &SystemTable{
		Out:  NewConsole(nil),
		Boot: NewBootServices(mem),
	}
}

// ConfigTable looks up a configuration table entry by identifier.
func (st *SystemTable) ConfigTable(g GUID) (uint64, error) {
	for _, e := range st.Config {
		if e.GUID == g {
			return e.Addr, nil
		}
	}
	return 0, errors.WithStack(NotFound)
}

// InstallConfigTable adds or replaces a configuration table entry.
func (st *SystemTable) InstallConfigTable(g GUID, addr uint64) {
	for i := range st.Config {
		if st.Config[i].GUID == g {
			st.Config[i].Addr = addr
			return
		}
	}
	st.Config = append(st.Config, ConfigEntry{GUID: g, Addr: addr})
}

func (st *SystemTable) DisableInterrupts() {
	st.InterruptsOff = true
}

// Transfer jumps to entry. Control does not come back from a kernel
// that boots; a return means the entry never took the CPU.
func (st *SystemTable) Transfer(entry uint64, image Handle, params uint64) {
	if st.Entry == nil {
		return
	}
	st.Entry(entry, image, st, params)
}
