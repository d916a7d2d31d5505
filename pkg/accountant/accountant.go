// Package accountant implements the per-domain resource ledger of
// §4.4: every page allocation, shared-heap block, and registered
// kernel object a domain acquires through the syscall bridge is
// recorded against its DomainId and reclaimed, in the documented
// order, the instant the domain dies.
package accountant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/domainid"
)

// ObjectKind names the class of a registered kernel object. There is
// no real tagset/gendisk/IRQ/PCI-driver registry in a hosted process;
// a kind tag plus an opaque disposer stands in for all four, per
// DESIGN.md.
type ObjectKind string

const (
	ObjectKindTagset    ObjectKind = "tagset"
	ObjectKindGendisk   ObjectKind = "gendisk"
	ObjectKindIRQ       ObjectKind = "irq"
	ObjectKindPCIDriver ObjectKind = "pci_driver"
)

type registeredObject struct {
	token   uint64
	kind    ObjectKind
	dispose func() error
}

type pageAlloc struct {
	pfn   uint64
	order int
}

// HeapDrainer is the subset of sharedheap.Heap that Drain needs:
// freeing a retiring domain's blocks, or transferring them to a
// successor when the replace wants to keep shared state alive
// (§4.4 step "transferred... rather than freed"). Declared as an
// interface here, rather than importing pkg/sharedheap directly, so
// the ledger can be tested against a fake heap.
type HeapDrainer interface {
	Free(block capability.BlockID, owner domainid.ID) error
	Transfer(block capability.BlockID, oldOwner, newOwner domainid.ID) error
}

// Ledger is the process-wide accountant. The zero value is not ready
// for use; call New.
type Ledger struct {
	mu         sync.Mutex
	pages      map[domainid.ID]map[uint64]int
	heapBlocks map[domainid.ID]map[capability.BlockID]struct{}
	objects    map[domainid.ID][]registeredObject

	nextPFN  atomic.Uint64
	nextTok  atomic.Uint64
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		pages:      make(map[domainid.ID]map[uint64]int),
		heapBlocks: make(map[domainid.ID]map[capability.BlockID]struct{}),
		objects:    make(map[domainid.ID][]registeredObject),
	}
}

// AllocPages reserves order's worth of page frames for id and records
// the allocation. There is no physical page-frame pool backing this —
// the pfn is a synthetic, monotonically increasing counter — but the
// accounting discipline (ownership, reclamation order) is the real
// contract under test here, not the memory itself (see DESIGN.md,
// same rationale as pkg/sharedheap's byte-slice blocks).
func (l *Ledger) AllocPages(ctx context.Context, id domainid.ID, order int) (capability.PageAlloc, error) {
	pfn := l.nextPFN.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pages[id] == nil {
		l.pages[id] = make(map[uint64]int)
	}
	l.pages[id][pfn] = order

	return capability.PageAlloc{PFN: pfn, Order: order}, nil
}

// FreePages releases a page allocation previously recorded for id.
func (l *Ledger) FreePages(ctx context.Context, id domainid.ID, alloc capability.PageAlloc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	byOwner := l.pages[id]
	if byOwner == nil {
		return nil
	}
	delete(byOwner, alloc.PFN)
	if len(byOwner) == 0 {
		delete(l.pages, id)
	}
	return nil
}

// RecordHeapBlock notes that id owns block, for enumeration at Drain
// time. pkg/sharedheap already tracks ownership on the block itself;
// this lets Drain reclaim without a dependency cycle back into
// sharedheap for enumeration, mirroring how page accounting works.
func (l *Ledger) RecordHeapBlock(id domainid.ID, block capability.BlockID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.heapBlocks[id] == nil {
		l.heapBlocks[id] = make(map[capability.BlockID]struct{})
	}
	l.heapBlocks[id][block] = struct{}{}
}

// ForgetHeapBlock removes block from id's ledger entry without
// touching the heap itself — used after an explicit Free or Transfer
// has already happened against the heap.
func (l *Ledger) ForgetHeapBlock(id domainid.ID, block capability.BlockID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if byOwner := l.heapBlocks[id]; byOwner != nil {
		delete(byOwner, block)
		if len(byOwner) == 0 {
			delete(l.heapBlocks, id)
		}
	}
}

// RegisterObject records a kernel-object registration and its
// disposer, returning a token that can be passed to FreeObject for an
// explicit release before the domain dies.
func (l *Ledger) RegisterObject(id domainid.ID, kind ObjectKind, dispose func() error) uint64 {
	token := l.nextTok.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects[id] = append(l.objects[id], registeredObject{token: token, kind: kind, dispose: dispose})
	return token
}

// FreeObject disposes and removes a single registered object ahead of
// Drain.
func (l *Ledger) FreeObject(id domainid.ID, token uint64) error {
	l.mu.Lock()
	objs := l.objects[id]
	idx := -1
	for i, o := range objs {
		if o.token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return nil
	}
	obj := objs[idx]
	l.objects[id] = append(objs[:idx], objs[idx+1:]...)
	l.mu.Unlock()

	return obj.dispose()
}

// Drain reclaims every resource id still owns: registered objects
// first (in reverse registration order, so in-kernel callbacks stop
// before anything underneath them is freed), then page frames, then
// shared-heap blocks. If keepShared names a successor, blocks still
// live in heap are transferred to it instead of freed — the mechanism
// behind §4.6 step 8 ("shared-heap state... transferred rather than
// freed"). After Drain returns, no resource carries id (§4.4's
// invariant), even if some disposers returned errors; those errors are
// joined and returned, not allowed to abort the sweep partway through.
func (l *Ledger) Drain(ctx context.Context, id domainid.ID, keepShared *domainid.ID, heap HeapDrainer) error {
	l.mu.Lock()
	objs := l.objects[id]
	delete(l.objects, id)
	delete(l.pages, id)
	blocks := make([]capability.BlockID, 0, len(l.heapBlocks[id]))
	for b := range l.heapBlocks[id] {
		blocks = append(blocks, b)
	}
	delete(l.heapBlocks, id)
	l.mu.Unlock()

	var errs []error

	for i := len(objs) - 1; i >= 0; i-- {
		if err := objs[i].dispose(); err != nil {
			errs = append(errs, err)
		}
	}

	if heap != nil {
		for _, b := range blocks {
			if keepShared != nil {
				if err := heap.Transfer(b, id, *keepShared); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			if err := heap.Free(b, id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
