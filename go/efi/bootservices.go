package efi

import (
	"github.com/pkg/errors"
)

// PageSize is the EFI page size in bytes.
const PageSize = 4096

// Pages returns the page count covering size bytes.
func Pages(size uint64) int {
	return int((size + PageSize - 1) / PageSize)
}

type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

type MemoryType int

// LoaderData is the only allocation class the stub hands out.
const LoaderData MemoryType = 2

type allocation struct {
	addr    uint64
	size    uint64
	memType MemoryType
}

// BootServices is the slice of firmware this stub needs: a page
// allocator over the modeled physical memory. Pages are never freed;
// after handover the loader-data class belongs to the kernel.
type BootServices struct {
	mem    *Mem
	allocs []allocation

	// AllocCalls counts AllocatePages invocations, failed ones included.
	AllocCalls int
}

func NewBootServices(mem *Mem) *BootServices {
	return &BootServices{mem: mem}
}

func (b *BootServices) Mem() *Mem {
	return b.mem
}

// AllocatePages hands out page-aligned spans of backed memory, top
// down. For AllocateMaxAddress, max is the highest acceptable address
// of the last allocated byte, per the UEFI contract.
func (b *BootServices) AllocatePages(atype AllocateType, mtype MemoryType, pages int, max uint64) (uint64, error) {
	b.AllocCalls++
	if pages <= 0 {
		return 0, errors.WithStack(InvalidParameter)
	}
	switch atype {
	case AllocateAnyPages:
		max = ^uint64(0)
	case AllocateMaxAddress:
	default:
		return 0, errors.WithStack(Unsupported)
	}
	size := uint64(pages) * PageSize
	addr, ok := b.findFree(size, max)
	if !ok {
		return 0, errors.WithStack(OutOfResources)
	}
	b.allocs = append(b.allocs, allocation{addr: addr, size: size, memType: mtype})
	return addr, nil
}

// highest existing allocation overlapping addr..addr+size, if any
func (b *BootServices) overlap(addr, size uint64) (allocation, bool) {
	var best allocation
	found := false
	for _, a := range b.allocs {
		if addr < a.addr+a.size && a.addr < addr+size {
			if !found || a.addr > best.addr {
				best = a
				found = true
			}
		}
	}
	return best, found
}

func (b *BootServices) findFree(size, max uint64) (uint64, bool) {
	regions := b.mem.Regions()
	for i := len(regions) - 1; i >= 0; i-- {
		r := regions[i]
		if max < r.Addr {
			continue
		}
		limit := r.End()
		if max != ^uint64(0) && max+1 < limit {
			limit = max + 1
		}
		if limit < r.Addr+size {
			continue
		}
		cand := (limit - size) &^ uint64(PageSize-1)
		for cand >= r.Addr {
			a, busy := b.overlap(cand, size)
			if !busy {
				return cand, true
			}
			if a.addr < size {
				break
			}
			cand = (a.addr - size) &^ uint64(PageSize-1)
		}
	}
	return 0, false
}
