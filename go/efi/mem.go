package efi

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type MemError struct {
	Addr  uint64
	Size  int
	Write bool
}

func (m *MemError) Error() string {
	op := "read"
	if m.Write {
		op = "write"
	}
	return fmt.Sprintf("unbacked %s at %#x(%d)", op, m.Addr, m.Size)
}

// Region is a contiguous span of modeled physical memory.
type Region struct {
	Addr uint64
	Size uint64
	Data []byte
	Desc string
}

func (r *Region) End() uint64 {
	return r.Addr + r.Size
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.Addr+r.Size
}

func (r *Region) String() string {
	desc := fmt.Sprintf("0x%x-0x%x", r.Addr, r.Addr+r.Size)
	if r.Desc != "" {
		desc += fmt.Sprintf(" [%s]", r.Desc)
	}
	return desc
}

type Regions []*Region

func (r Regions) Len() int           { return len(r) }
func (r Regions) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r Regions) Less(i, j int) bool { return r[i].Addr < r[j].Addr }

func (r Regions) String() string {
	s := make([]string, len(r))
	for i, v := range r {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// binary search to find index of first region containing addr, if any, else -1
func (r Regions) bsearch(addr uint64) int {
	l := 0
	h := len(r) - 1
	for l <= h {
		mid := (l + h) / 2
		e := r[mid]
		if addr >= e.Addr {
			if addr < e.Addr+e.Size {
				return mid
			}
			l = mid + 1
		} else {
			h = mid - 1
		}
	}
	return -1
}

func (r Regions) Find(addr uint64) *Region {
	i := r.bsearch(addr)
	if i >= 0 {
		return r[i]
	}
	return nil
}

// Mem models flat physical memory as a sorted list of backed regions.
// Reads and writes by address fail with a MemError outside the backing,
// mirroring what real hardware would do to a stray bootloader access.
type Mem struct {
	regions Regions
}

func NewMem() *Mem {
	return &Mem{}
}

// Map backs <addr> - <addr>+<size> with zeroed memory. Overlapping an
// existing region is an error; firmware memory is laid out once.
func (m *Mem) Map(addr, size uint64, desc string) (*Region, error) {
	for _, r := range m.regions {
		if addr < r.End() && r.Addr < addr+size {
			return nil, errors.Errorf("region %#x-%#x overlaps %s", addr, addr+size, r)
		}
	}
	region := &Region{Addr: addr, Size: size, Data: make([]byte, size), Desc: desc}
	m.regions = append(m.regions, region)
	sort.Sort(m.regions)
	return region, nil
}

// valid reports whether the whole address range is backed.
func (m *Mem) valid(addr, size uint64) bool {
	first := m.regions.bsearch(addr)
	if first == -1 {
		return size == 0
	}
	end := addr + size
	for _, r := range m.regions[first:] {
		if !r.Contains(addr) {
			break
		}
		addr = r.End()
		if addr >= end {
			break
		}
	}
	return addr >= end
}

func (m *Mem) Read(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !m.valid(addr, uint64(len(p))) {
		return &MemError{Addr: addr, Size: len(p)}
	}
	i := m.regions.bsearch(addr)
	for _, r := range m.regions[i:] {
		if !r.Contains(addr) {
			break
		}
		o := addr - r.Addr
		n := copy(p, r.Data[o:])
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

func (m *Mem) Write(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !m.valid(addr, uint64(len(p))) {
		return &MemError{Addr: addr, Size: len(p), Write: true}
	}
	i := m.regions.bsearch(addr)
	for _, r := range m.regions[i:] {
		if !r.Contains(addr) {
			break
		}
		o := addr - r.Addr
		n := copy(r.Data[o:], p)
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

// packUint and unpackUint convert between integers and the 1, 2, 4
// and 8 byte fields the boot structures are made of.
func packUint(order binary.ByteOrder, size int, buf []byte, n uint64) error {
	if len(buf) < size {
		return errors.Errorf("buffer too small (%d < %d)", len(buf), size)
	}
	switch size {
	case 8:
		order.PutUint64(buf[:size], n)
	case 4:
		order.PutUint32(buf[:size], uint32(n))
	case 2:
		order.PutUint16(buf[:size], uint16(n))
	case 1:
		buf[0] = byte(n)
	default:
		return errors.Errorf("unsupported uint size: %d", size)
	}
	return nil
}

func unpackUint(order binary.ByteOrder, size int, buf []byte) (uint64, error) {
	switch size {
	case 8:
		return order.Uint64(buf), nil
	case 4:
		return uint64(order.Uint32(buf)), nil
	case 2:
		return uint64(order.Uint16(buf)), nil
	case 1:
		return uint64(buf[0]), nil
	default:
		return 0, errors.Errorf("unsupported uint size: %d", size)
	}
}

func (m *Mem) ReadUint(addr uint64, size int, order binary.ByteOrder) (uint64, error) {
	p := make([]byte, size)
	if err := m.Read(addr, p); err != nil {
		return 0, err
	}
	return unpackUint(order, size, p)
}

func (m *Mem) WriteUint(addr uint64, size int, order binary.ByteOrder, val uint64) error {
	var buf [8]byte
	if err := packUint(order, size, buf[:], val); err != nil {
		return err
	}
	return m.Write(addr, buf[:size])
}

func (m *Mem) Regions() Regions {
	return m.regions
}

func (m *Mem) String() string {
	return m.regions.String()
}

type memReader struct {
	m    *Mem
	base uint64
}

func (r *memReader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.m.Read(r.base+uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReaderAt returns an io.ReaderAt view of memory starting at base,
// suitable for handing to image parsers.
func (m *Mem) ReaderAt(base uint64) io.ReaderAt {
	return &memReader{m: m, base: base}
}
