// Package sharedheap implements the shared-heap allocator of §4.3: the
// sole source for values passed between domains by reference. Every
// block is tagged with its allocating domain id so pkg/accountant can
// reclaim leaks on domain death, and a block can be re-tagged to a
// successor's id without copying when a replace wants to keep it
// alive (§4.4's "transferred... rather than freed").
//
// There is no unsafe-pointer arena here — a hosted Go process has no
// business handing out raw memory to "kernel code" that does not
// exist. A byte-slice-backed block keyed by a dense id through one
// mutex-guarded map stands in for the kernel's real heap; see
// DESIGN.md for why this is the honest rendering rather than a gap.
package sharedheap

import (
	"sync"

	"github.com/jimyag/domaind/internal/domaind/derr"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/domainid"
)

// BlockID names one shared-heap allocation; it is the identical type
// capability.InitArgs hands to a domain, so no conversion is needed
// at the capability boundary.
type BlockID = capability.BlockID

type block struct {
	data  []byte
	owner domainid.ID
}

// Heap is the process-wide shared-heap allocator. The zero value is
// not ready for use; call New.
type Heap struct {
	mu     sync.Mutex
	next   uint64
	blocks map[BlockID]*block
}

// New returns an empty Heap.
func New() *Heap {
	return &Heap{blocks: make(map[BlockID]*block)}
}

// Alloc reserves size bytes tagged with owner. It implements the
// capability.SharedHeap surface.
func (h *Heap) Alloc(size int, owner domainid.ID) (BlockID, error) {
	if size <= 0 {
		return 0, derr.Wrap(derr.KindValidation, "InvalidArgument", "shared-heap allocation size must be positive", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := BlockID(h.next)
	h.blocks[id] = &block{data: make([]byte, size), owner: owner}
	return id, nil
}

// Free releases block. owner must match the block's current owner;
// per §4.3 a mismatched id on free is a fatal accounting error, not a
// silent no-op.
func (h *Heap) Free(blockID BlockID, owner domainid.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[blockID]
	if !ok {
		return derr.Wrap(derr.KindPolicy, "ResourceNotOwned", "shared-heap block does not exist", nil)
	}
	if b.owner != owner {
		return derr.ErrResourceNotOwned
	}
	delete(h.blocks, blockID)
	return nil
}

// Transfer re-tags block from oldOwner to newOwner without copying or
// freeing it. pkg/accountant calls this during Drain when the
// retiring domain's blocks are still referenced by the successor
// (§4.4 step 8), instead of freeing them.
func (h *Heap) Transfer(blockID BlockID, oldOwner, newOwner domainid.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[blockID]
	if !ok {
		return derr.Wrap(derr.KindPolicy, "ResourceNotOwned", "shared-heap block does not exist", nil)
	}
	if b.owner != oldOwner {
		return derr.ErrResourceNotOwned
	}
	b.owner = newOwner
	return nil
}

// Owner reports the current owning domain id of block.
func (h *Heap) Owner(blockID BlockID) (domainid.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[blockID]
	if !ok {
		return 0, false
	}
	return b.owner, true
}

// BlocksOf returns every live block currently tagged with owner, for
// the accountant to enumerate at Drain time.
func (h *Heap) BlocksOf(owner domainid.ID) []BlockID {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ids []BlockID
	for id, b := range h.blocks {
		if b.owner == owner {
			ids = append(ids, id)
		}
	}
	return ids
}

// Read copies the block's contents starting at off into dst, returning
// the number of bytes copied.
func (h *Heap) Read(blockID BlockID, off int, dst []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[blockID]
	if !ok {
		return 0, derr.Wrap(derr.KindPolicy, "ResourceNotOwned", "shared-heap block does not exist", nil)
	}
	if off < 0 || off > len(b.data) {
		return 0, derr.ErrInvalidArgument
	}
	return copy(dst, b.data[off:]), nil
}

// Write copies src into the block starting at off. owner must match
// the block's current owner.
func (h *Heap) Write(blockID BlockID, owner domainid.ID, off int, src []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[blockID]
	if !ok {
		return 0, derr.Wrap(derr.KindPolicy, "ResourceNotOwned", "shared-heap block does not exist", nil)
	}
	if b.owner != owner {
		return 0, derr.ErrResourceNotOwned
	}
	if off < 0 || off > len(b.data) {
		return 0, derr.ErrInvalidArgument
	}
	return copy(b.data[off:], src), nil
}

// Len returns a block's size in bytes.
func (h *Heap) Len(blockID BlockID) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[blockID]
	if !ok {
		return 0, false
	}
	return len(b.data), true
}
