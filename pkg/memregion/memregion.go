// Package memregion is the module-memory allocator of §4.1: it
// produces kernel-virtual-style, page-aligned, executable-capable
// memory regions for a loaded domain, and a matching release
// operation. Outside an actual kernel there is no separate "module
// area" address class, so both reservation strategies described in
// §4.1 are rendered as anonymous mmap regions; the distinction that
// matters in practice — small allocations forbidden below one page —
// is preserved as the ModuleArea policy's lower bound.
package memregion

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jimyag/domaind/internal/domaind/derr"
)

// PageSize is the page granularity every Region is rounded to.
const PageSize = 4096

// Region is an owning handle to a page-aligned, page-sized-multiple
// mapping. The zero value is not valid; obtain one from an Allocator's
// Reserve.
type Region struct {
	data     []byte
	released bool
}

// Bytes returns the mutable byte-slice view of the region.
func (r *Region) Bytes() []byte {
	return r.data
}

// Len returns the region's length in bytes.
func (r *Region) Len() int {
	return len(r.data)
}

// Addr returns the region's base address as an integer, for diagnostics
// and for computing relocation targets.
func (r *Region) Addr() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.data[0]))
}

// MarkExecutable toggles the containing pages to PROT_READ|PROT_EXEC,
// per §4.1. start and pageCount are both in page units from the start
// of the region.
func (r *Region) MarkExecutable(startPage, pageCount int) error {
	if r.released {
		return derr.ErrNotPermitted
	}
	if startPage < 0 || pageCount <= 0 || (startPage+pageCount)*PageSize > len(r.data) {
		return derr.Wrap(derr.ErrNotPermitted.Kind, derr.ErrNotPermitted.Code,
			"executable range is outside the live region", nil)
	}
	begin := startPage * PageSize
	end := begin + pageCount*PageSize
	if err := unix.Mprotect(r.data[begin:end], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return derr.Wrap(derr.KindResourceExhaustion, "NotPermitted", "mprotect failed", err)
	}
	return nil
}

// MarkWritable reverts a range to PROT_READ|PROT_WRITE. Used only
// while a segment is still being populated; §3 requires that once a
// text range is made executable it is never made executable "again",
// not that it can never be written — this method exists for loader
// bookkeeping, not for re-arming.
func (r *Region) MarkWritable(startPage, pageCount int) error {
	if r.released {
		return derr.ErrNotPermitted
	}
	begin := startPage * PageSize
	end := begin + pageCount*PageSize
	if end > len(r.data) || begin < 0 {
		return derr.ErrNotPermitted
	}
	if err := unix.Mprotect(r.data[begin:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return derr.Wrap(derr.KindResourceExhaustion, "NotPermitted", "mprotect failed", err)
	}
	return nil
}

// Release unmaps the region. It is safe to call more than once.
func (r *Region) Release() error {
	if r.released || len(r.data) == 0 {
		r.released = true
		return nil
	}
	err := unix.Munmap(r.data)
	r.released = true
	r.data = nil
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Allocator is a reservation strategy. Two implementations coexist per
// §4.1's "policy knob, not a contract": ModuleArea (rejects sub-page
// requests) and VMap (no lower bound, intended for larger spans).
type Allocator interface {
	Reserve(size int) (*Region, error)
}

func roundUpToPage(size int) int {
	if size%PageSize == 0 {
		return size
	}
	return (size/PageSize + 1) * PageSize
}

func reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, derr.ErrOutOfMemory
	}
	rounded := roundUpToPage(size)
	data, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, derr.Wrap(derr.KindResourceExhaustion, "OutOfMemory", "mmap failed", err)
	}
	region := &Region{data: data}
	runtime.SetFinalizer(region, func(r *Region) {
		_ = r.Release()
	})
	return region, nil
}

// ModuleArea is the small-allocation strategy: page granularity,
// sub-4KiB reservations are rejected outright.
type ModuleArea struct{}

// Reserve implements Allocator. size must be a positive multiple of
// PageSize; anything under one page is rejected.
func (ModuleArea) Reserve(size int) (*Region, error) {
	if size < PageSize {
		return nil, derr.Wrap(derr.KindResourceExhaustion, "OutOfMemory",
			"module area allocations below one page are forbidden", nil)
	}
	if size%PageSize != 0 {
		return nil, derr.Wrap(derr.KindResourceExhaustion, "OutOfMemory",
			"size must be a page-size multiple", nil)
	}
	return reserve(size)
}

// VMap is the large-allocation strategy: any positive size is rounded
// up to the page boundary and reserved as one contiguous mapping.
type VMap struct{}

// Reserve implements Allocator.
func (VMap) Reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, derr.ErrOutOfMemory
	}
	return reserve(size)
}

// Select picks ModuleArea for small domains and VMap for larger ones.
// This is the "policy, not a contract" knob §4.1 calls for; callers
// that need a specific strategy should use ModuleArea{} or VMap{}
// directly instead.
func Select(size int) Allocator {
	const moduleAreaCeiling = 64 * PageSize
	if size <= moduleAreaCeiling {
		return ModuleArea{}
	}
	return VMap{}
}
