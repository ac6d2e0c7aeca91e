package efi

import (
	"testing"

	"github.com/pkg/errors"
)

func testServices(t *testing.T, base, size uint64) *BootServices {
	mem := NewMem()
	if _, err := mem.Map(base, size, "ram"); err != nil {
		t.Fatal("failed to map memory:", err)
	}
	return NewBootServices(mem)
}

func TestAllocateMaxAddress(t *testing.T) {
	b := testServices(t, 0, 16<<20)
	addr, err := b.AllocatePages(AllocateMaxAddress, LoaderData, 4, 0xffffffff)
	if err != nil {
		t.Fatal("allocation failed:", err)
	}
	if addr%PageSize != 0 {
		t.Fatalf("allocation %#x not page aligned", addr)
	}
	if addr+4*PageSize-1 > 0xffffffff {
		t.Fatalf("allocation %#x violates max address", addr)
	}
	// top-down: the first allocation lands at the top of RAM
	if addr != 16<<20-4*PageSize {
		t.Fatalf("expected top-of-ram allocation, got %#x", addr)
	}

	low, err := b.AllocatePages(AllocateMaxAddress, LoaderData, 1, 0x9ffff)
	if err != nil {
		t.Fatal("low allocation failed:", err)
	}
	if low+PageSize-1 >= 0xa0000 {
		t.Fatalf("allocation %#x crosses the conventional memory ceiling", low)
	}
}

func TestAllocateNoOverlap(t *testing.T) {
	b := testServices(t, 0, 1<<20)
	seen := map[uint64]bool{}
	for i := 0; i < 8; i++ {
		addr, err := b.AllocatePages(AllocateAnyPages, LoaderData, 2, 0)
		if err != nil {
			t.Fatal("allocation failed:", err)
		}
		for p := addr; p < addr+2*PageSize; p += PageSize {
			if seen[p] {
				t.Fatalf("allocation %#x overlaps a previous one", addr)
			}
			seen[p] = true
		}
	}
}

func TestAllocateOutOfResources(t *testing.T) {
	// RAM starts above the requested ceiling
	b := testServices(t, 0x100000, 1<<20)
	_, err := b.AllocatePages(AllocateMaxAddress, LoaderData, 1, 0x9ffff)
	if err == nil {
		t.Fatal("allocation below RAM succeeded")
	}
	if errors.Cause(err) != OutOfResources {
		t.Fatal("expected out of resources, got:", err)
	}
	if b.AllocCalls != 1 {
		t.Fatal("failed allocation not counted")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	b := testServices(t, 0, 4*PageSize)
	if _, err := b.AllocatePages(AllocateAnyPages, LoaderData, 3, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AllocatePages(AllocateAnyPages, LoaderData, 2, 0); err == nil {
		t.Fatal("allocation succeeded with no room left")
	}
	if _, err := b.AllocatePages(AllocateAnyPages, LoaderData, 1, 0); err != nil {
		t.Fatal("remaining page not allocatable:", err)
	}
}
