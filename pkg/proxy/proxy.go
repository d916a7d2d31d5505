// Package proxy implements the capability proxy and RCU-style swap
// protocol of §4.6: one Proxy[C] per capability trait, mediating every
// call against the currently installed domain and making replacement
// safe against concurrent callers.
//
// Go has no kernel RCU grace period to lean on, so "fast path"
// quiescence is detected with a generation-counter scheme instead of
// synchronize-RCU: readers pick one of two counter buckets by the
// current generation, and a replace flips the generation and waits
// for the vacated bucket to empty *twice* in a row before it is safe
// to proceed. One flip is not enough — a reader can read the old
// generation and only increment its bucket after the flip, so a
// single drain could miss it; a reader's read-then-increment can
// straddle at most one flip, so two consecutive drains always catch
// it. This is the same reasoning kernel SRCU's two-phase
// synchronize_srcu uses, rendered without a real RCU primitive. The
// literal "per-CPU in-flight counter" of §3's data model is kept as a
// separate counter used only while the slow-path-active flag is set,
// matching the name in the data model exactly; see DESIGN.md.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"

	"github.com/jimyag/domaind/internal/domaind/derr"
	"github.com/jimyag/domaind/pkg/accountant"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/domainid"
	"github.com/jimyag/domaind/pkg/elfloader"
	"github.com/jimyag/domaind/pkg/registry"
)

// spinWait polls cond with a short, increasing backoff until it
// returns true. Replacement has no timeout (§4.6 "Cancellation and
// timeouts"); the only bound is however long the slowest outstanding
// call through the proxy takes.
func spinWait(cond func() bool) {
	backoff := time.Microsecond
	for !cond() {
		runtime.Gosched()
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// Proxy is the generic rendering of "one proxy struct per capability
// trait, generated from a small template" (§2's implementation-budget
// note): C is instantiated once per trait by the four wrappers in
// traits.go, each of which forwards its interface's methods through
// call/callValue (Enter plus the release func it returns).
type Proxy[C capability.Capability] struct {
	current atomic.Pointer[C]

	replaceMu      sync.Mutex
	slowPathActive atomic.Bool

	genIdx    atomic.Uint32
	fastCount [2]atomic.Int64

	slowInFlight atomic.Int64

	loaded     *elfloader.LoadedDomain
	domainID   domainid.ID
	cachedArgs *capability.InitArgs
	sentinel   C

	infoBook *registry.InfoBook
}

// New returns a Proxy holding sentinel until a real domain is
// installed. The sentinel's domain id is domainid.Sentinel and it is
// never passed to accountant.Drain (§4.6 "Empty instance"). The same
// value is restored by Unload, so a retired proxy keeps failing calls
// with capability.ErrNotImplemented rather than a nil-interface panic.
// book is the InfoBook a panicking call's DomainCrash is recorded
// against (§4.5); it may be nil in tests that do not exercise panic
// recovery.
func New[C capability.Capability](sentinel C, book *registry.InfoBook) *Proxy[C] {
	p := &Proxy[C]{domainID: domainid.Sentinel, sentinel: sentinel, infoBook: book}
	p.current.Store(&sentinel)
	return p
}

// DomainID reports the id of the currently installed instance.
func (p *Proxy[C]) DomainID() domainid.ID {
	return p.domainID
}

// Enter begins one call: it implements the dispatch rule of §4.6 —
// read slow-path-active once, then take the fast or slow path — and
// returns the current instance plus a release function the caller
// must invoke exactly once, however the call ends.
func (p *Proxy[C]) Enter() (C, func()) {
	if p.slowPathActive.Load() {
		p.slowInFlight.Add(1)
		inst := *p.current.Load()
		return inst, func() { p.slowInFlight.Add(-1) }
	}

	g := p.genIdx.Load() % 2
	p.fastCount[g].Add(1)
	inst := *p.current.Load()
	return inst, func() { p.fastCount[g].Add(-1) }
}

// recoverCrash turns a recovered panic value into a DomainCrash error
// and records it against the calling Proxy's current domain id, per
// §4.6/§7: "Domain faults are never allowed to unwind across the proxy
// boundary... returns DomainCrash, panic counter incremented". Callers
// invoke this from a deferred func so it observes the panic recover()
// already captured.
func recoverCrash[C capability.Capability](p *Proxy[C], r any) error {
	if p.infoBook != nil {
		p.infoBook.RecordPanic(p.domainID)
	}
	return derr.Wrap(derr.KindDomainCrash, "DomainCrash",
		fmt.Sprintf("domain panicked while handling the call: %v", r), nil)
}

// call dispatches fn against the currently installed instance through
// Enter, recovering any panic fn raises so it is reported as
// DomainCrash instead of crashing the host process.
func call[C capability.Capability](p *Proxy[C], fn func(C) error) (err error) {
	inst, done := p.Enter()
	defer done()
	defer func() {
		if r := recover(); r != nil {
			err = recoverCrash(p, r)
		}
	}()
	return fn(inst)
}

// callValue is call's counterpart for the forwarding methods that
// return a value alongside the error (ReadAt, Size, Identify, ...).
func callValue[C capability.Capability, R any](p *Proxy[C], fn func(C) (R, error)) (result R, err error) {
	inst, done := p.Enter()
	defer done()
	defer func() {
		if r := recover(); r != nil {
			var zero R
			result = zero
			err = recoverCrash(p, r)
		}
	}()
	return fn(inst)
}

// drainFastPath performs the two-phase generation flip described in
// the package doc comment, leaving no fast-path reader that started
// before this call still in flight when it returns.
func (p *Proxy[C]) drainFastPath() {
	for pass := 0; pass < 2; pass++ {
		vacated := p.genIdx.Load() % 2
		p.genIdx.Add(1)
		spinWait(func() bool { return p.fastCount[vacated].Load() == 0 })
	}
}

// Install places the first real instance into a proxy that has only
// ever held its sentinel. There is no predecessor to quiesce against.
func (p *Proxy[C]) Install(loaded *elfloader.LoadedDomain, id domainid.ID, entry elfloader.EntryFunc, args capability.InitArgs) (C, error) {
	p.replaceMu.Lock()
	defer p.replaceMu.Unlock()

	var zero C

	inst, err := elfloader.CallMain(loaded, entry, args)
	if err != nil {
		return zero, err
	}
	capInst, ok := inst.(C)
	if !ok {
		return zero, derr.Wrap(derr.KindValidation, "WrongCapabilityType",
			"entry point returned an instance that does not implement the declared trait", nil)
	}

	p.current.Store(&capInst)
	p.loaded = loaded
	p.domainID = id
	p.cachedArgs = cloneInitArgs(args)

	return capInst, nil
}

// cloneInitArgs deep-copies args so a later Replace's mutation of the
// cached copy (DomainID, Predecessor) can never alias the arguments
// the currently installed instance was actually invoked with.
func cloneInitArgs(args capability.InitArgs) *capability.InitArgs {
	var clone capability.InitArgs
	if err := copier.Copy(&clone, &args); err != nil {
		clone = args
	}
	return &clone
}

// Replace implements the nine-step algorithm of §4.6. loaded is the
// successor's already-loaded (but not yet invoked) ELF region; entry
// is its entry point. coreFn rebuilds the CoreFunctions vtable for
// newID — the successor must never run with its predecessor's
// closure, which would attribute every AllocPages/FreePages call it
// makes to an id that is about to be drained by this very call (§3,
// §4.4). The old LoadedDomain is released once the swap is visible to
// every future caller, and the retiring domain's resources are handed
// to ledger.Drain with keepShared set to the successor's id.
func (p *Proxy[C]) Replace(
	ctx context.Context,
	loaded *elfloader.LoadedDomain,
	newID domainid.ID,
	entry elfloader.EntryFunc,
	coreFn func(domainid.ID) *capability.CoreFunctions,
	ledger *accountant.Ledger,
	heap accountant.HeapDrainer,
) (C, error) {
	p.replaceMu.Lock()
	defer p.replaceMu.Unlock()

	var zero C

	if p.cachedArgs == nil {
		return zero, derr.ErrNoInitArgsCached
	}

	oldID := p.domainID

	p.slowPathActive.Store(true)
	p.drainFastPath()
	spinWait(func() bool { return p.slowInFlight.Load() == 0 })

	args := *p.cachedArgs
	args.DomainID = newID
	args.Core = coreFn(newID)
	pred := oldID
	args.Predecessor = &pred
	args.HasPredecessor = true

	inst, err := elfloader.CallMain(loaded, entry, args)
	if err != nil {
		p.slowPathActive.Store(false)
		_ = loaded.Release()
		return zero, err
	}
	capInst, ok := inst.(C)
	if !ok {
		p.slowPathActive.Store(false)
		_ = loaded.Release()
		return zero, derr.Wrap(derr.KindValidation, "WrongCapabilityType",
			"entry point returned an instance that does not implement the declared trait", nil)
	}

	p.current.Store(&capInst)
	oldLoaded := p.loaded
	p.loaded = loaded
	p.domainID = newID
	p.cachedArgs = cloneInitArgs(args)

	p.slowPathActive.Store(false)

	// The swap has already happened by this point; a non-nil return
	// here reports that some resource failed to drain, not that the
	// replacement itself failed.
	drainErr := ledger.Drain(ctx, oldID, &newID, heap)
	releaseErr := oldLoaded.Release()

	return capInst, errors.Join(drainErr, releaseErr)
}

// Unload retires the currently installed instance with no successor:
// every caller after this call observes the sentinel again. It is the
// rendering of the channel's "unload" command (§6.2), which has no
// counterpart step in §4.6's nine-step replace algorithm since there
// is no new instance to install. Unloading an already-sentinel proxy
// is a no-op.
func (p *Proxy[C]) Unload(ctx context.Context, ledger *accountant.Ledger, heap accountant.HeapDrainer) error {
	p.replaceMu.Lock()
	defer p.replaceMu.Unlock()

	if p.domainID == domainid.Sentinel {
		return nil
	}
	oldID := p.domainID

	p.slowPathActive.Store(true)
	p.drainFastPath()
	spinWait(func() bool { return p.slowInFlight.Load() == 0 })

	sentinel := p.sentinel
	p.current.Store(&sentinel)
	oldLoaded := p.loaded
	p.loaded = nil
	p.domainID = domainid.Sentinel
	p.cachedArgs = nil

	p.slowPathActive.Store(false)

	drainErr := ledger.Drain(ctx, oldID, nil, heap)
	var releaseErr error
	if oldLoaded != nil {
		releaseErr = oldLoaded.Release()
	}

	return errors.Join(drainErr, releaseErr)
}
