// Package syscallbridge wires the per-domain CoreFunctions vtable of
// §6.3 and the channel's command hooks (§4.7) to the leaf packages
// that actually own state: pkg/registry, pkg/accountant,
// pkg/sharedheap, pkg/storagedb, pkg/proxy and pkg/elfloader. It is
// the daemon's composition root, in the same role
// internal/jvp/service plays for the teacher's VM-management surface.
package syscallbridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jimyag/domaind/internal/domaind/derr"
	"github.com/jimyag/domaind/pkg/accountant"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/domainid"
	"github.com/jimyag/domaind/pkg/elfloader"
	"github.com/jimyag/domaind/pkg/idgen"
	"github.com/jimyag/domaind/pkg/proxy"
	"github.com/jimyag/domaind/pkg/registry"
	"github.com/jimyag/domaind/pkg/sharedheap"
	"github.com/jimyag/domaind/pkg/storagedb"
)

// EntryResolver binds a registered DomainFile to the callable entry
// point elfloader.CallMain invokes. Domains in this repository run
// in-process (see pkg/elfloader.EntryFunc's doc comment on the
// loader/test-domain boundary), so resolving "the ELF's main symbol" means
// looking up a Go constructor keyed by the file, rather than resolving
// a machine-code symbol — internal/domaind/testdomains is the
// reference implementation used by the daemon and its tests.
type EntryResolver interface {
	ResolveEntry(file *capability.DomainFile) (elfloader.EntryFunc, error)
}

// instanceHandle is the Go rendering of §9's "Dynamic dispatch" design
// note for this package's own bookkeeping: "in a non-trait language
// [a capability] maps to a struct-of-function-pointers plus an opaque
// self-pointer". Proxy[C]'s methods close over C at construction time
// so the daemon can hold heterogeneous capability proxies (Log,
// EmptyDevice, BlockDevice, NvmeBlockDevice) in one map without a
// sum type.
type instanceHandle struct {
	typeTag capability.DomainTypeTag
	elfName string

	domainID func() domainid.ID
	install  func(loaded *elfloader.LoadedDomain, id domainid.ID, entry elfloader.EntryFunc, args capability.InitArgs) error
	replace  func(ctx context.Context, loaded *elfloader.LoadedDomain, newID domainid.ID, entry elfloader.EntryFunc, ledger *accountant.Ledger, heap accountant.HeapDrainer) error
	unload   func(ctx context.Context, ledger *accountant.Ledger, heap accountant.HeapDrainer) error
}

// newInstanceHandle is a method on *Daemon, rather than a free
// function, so each proxy it constructs can be wired with the
// InfoBook panics are recorded against (registry.InfoBook.RecordPanic)
// and with d.CoreFunctions, the callback a replace uses to rebuild a
// successor's vtable for its own domain id rather than inheriting its
// predecessor's (§3, §4.4).
func (d *Daemon) newInstanceHandle(typeTag capability.DomainTypeTag, elfName string) (*instanceHandle, error) {
	switch typeTag {
	case capability.TypeLog:
		p := proxy.NewLogProxy(d.Registry.Info)
		return &instanceHandle{
			typeTag: typeTag, elfName: elfName, domainID: p.DomainID,
			install: func(loaded *elfloader.LoadedDomain, id domainid.ID, entry elfloader.EntryFunc, args capability.InitArgs) error {
				_, err := p.Install(loaded, id, entry, args)
				return err
			},
			replace: func(ctx context.Context, loaded *elfloader.LoadedDomain, newID domainid.ID, entry elfloader.EntryFunc, ledger *accountant.Ledger, heap accountant.HeapDrainer) error {
				_, err := p.Replace(ctx, loaded, newID, entry, d.CoreFunctions, ledger, heap)
				return err
			},
			unload: p.Unload,
		}, nil

	case capability.TypeEmptyDevice:
		p := proxy.NewEmptyDeviceProxy(d.Registry.Info)
		return &instanceHandle{
			typeTag: typeTag, elfName: elfName, domainID: p.DomainID,
			install: func(loaded *elfloader.LoadedDomain, id domainid.ID, entry elfloader.EntryFunc, args capability.InitArgs) error {
				_, err := p.Install(loaded, id, entry, args)
				return err
			},
			replace: func(ctx context.Context, loaded *elfloader.LoadedDomain, newID domainid.ID, entry elfloader.EntryFunc, ledger *accountant.Ledger, heap accountant.HeapDrainer) error {
				_, err := p.Replace(ctx, loaded, newID, entry, d.CoreFunctions, ledger, heap)
				return err
			},
			unload: p.Unload,
		}, nil

	case capability.TypeBlockDevice:
		p := proxy.NewBlockDeviceProxy(d.Registry.Info)
		return &instanceHandle{
			typeTag: typeTag, elfName: elfName, domainID: p.DomainID,
			install: func(loaded *elfloader.LoadedDomain, id domainid.ID, entry elfloader.EntryFunc, args capability.InitArgs) error {
				_, err := p.Install(loaded, id, entry, args)
				return err
			},
			replace: func(ctx context.Context, loaded *elfloader.LoadedDomain, newID domainid.ID, entry elfloader.EntryFunc, ledger *accountant.Ledger, heap accountant.HeapDrainer) error {
				_, err := p.Replace(ctx, loaded, newID, entry, d.CoreFunctions, ledger, heap)
				return err
			},
			unload: p.Unload,
		}, nil

	case capability.TypeNvmeBlockDevice:
		p := proxy.NewNvmeBlockDeviceProxy(d.Registry.Info)
		return &instanceHandle{
			typeTag: typeTag, elfName: elfName, domainID: p.DomainID,
			install: func(loaded *elfloader.LoadedDomain, id domainid.ID, entry elfloader.EntryFunc, args capability.InitArgs) error {
				_, err := p.Install(loaded, id, entry, args)
				return err
			},
			replace: func(ctx context.Context, loaded *elfloader.LoadedDomain, newID domainid.ID, entry elfloader.EntryFunc, ledger *accountant.Ledger, heap accountant.HeapDrainer) error {
				_, err := p.Replace(ctx, loaded, newID, entry, d.CoreFunctions, ledger, heap)
				return err
			},
			unload: p.Unload,
		}, nil

	default:
		return nil, derr.ErrUnknownDomainType
	}
}

// Daemon is the composition root: one per running process, holding
// every process-wide table named in §9 "Global mutable state".
type Daemon struct {
	Registry *registry.Registry
	Ledger   *accountant.Ledger
	Heap     *sharedheap.Heap
	Store    *storagedb.Store
	IDs      *domainid.Allocator
	Entries  EntryResolver

	heapView *accountingHeap

	mu         sync.Mutex
	instances  map[string]*instanceHandle
	byDomainID map[domainid.ID]string
}

// New wires a Daemon around the given collaborators.
func New(reg *registry.Registry, ledger *accountant.Ledger, heap *sharedheap.Heap, store *storagedb.Store, ids *domainid.Allocator, entries EntryResolver) *Daemon {
	return &Daemon{
		Registry:   reg,
		Ledger:     ledger,
		Heap:       heap,
		Store:      store,
		IDs:        ids,
		Entries:    entries,
		heapView:   &accountingHeap{heap: heap, ledger: ledger},
		instances:  make(map[string]*instanceHandle),
		byDomainID: make(map[domainid.ID]string),
	}
}

// accountingHeap wraps the process-wide shared heap so a domain's own
// Alloc/Free calls through its capability.InitArgs.SharedHeap handle
// are mirrored into the ledger, exactly the way AllocPages/FreePages
// above mirror page allocations into it. Without this, a block a
// domain allocates itself is never recorded, so Ledger.Drain's
// shared-heap step (§4.4 step 8) never sees it to free or transfer.
type accountingHeap struct {
	heap   *sharedheap.Heap
	ledger *accountant.Ledger
}

func (h *accountingHeap) Alloc(size int, owner domainid.ID) (capability.BlockID, error) {
	block, err := h.heap.Alloc(size, owner)
	if err != nil {
		return 0, err
	}
	h.ledger.RecordHeapBlock(owner, block)
	return block, nil
}

func (h *accountingHeap) Free(block capability.BlockID, owner domainid.ID) error {
	if err := h.heap.Free(block, owner); err != nil {
		return err
	}
	h.ledger.ForgetHeapBlock(owner, block)
	return nil
}

// CoreFunctions builds the vtable a newly-instantiated domain sees
// (§6.3), closing over its domain id so the accountant attributes
// every resource-acquiring call to the right owner — InitArgs.Core is
// rebuilt fresh on every Install and Replace for exactly this reason.
func (d *Daemon) CoreFunctions(id domainid.ID) *capability.CoreFunctions {
	return &capability.CoreFunctions{
		AllocPages: func(ctx context.Context, order int) (capability.PageAlloc, error) {
			return d.Ledger.AllocPages(ctx, id, order)
		},
		FreePages: func(ctx context.Context, alloc capability.PageAlloc) error {
			return d.Ledger.FreePages(ctx, id, alloc)
		},
		ConsoleWrite: func(message string) {
			log.Info().Uint64("domain_id", uint64(id)).Msg(message)
		},
		Backtrace: func() string {
			return string(debug.Stack())
		},
		QueryDomain: d.Registry.Info.QueryByName,
		CreateDomain: func(elfName, instanceIdent string) (domainid.ID, error) {
			return d.createDomain(elfName, instanceIdent)
		},
		RegisterELF: func(name string, typeTag capability.DomainTypeTag, data []byte) error {
			d.Registry.Elf.Register(name, typeTag, data)
			return nil
		},
		UpdateDomain: func(oldIdent, newElfName string) error {
			file, ok := d.Registry.Elf.Get(newElfName)
			if !ok {
				return derr.Wrap(derr.KindValidation, "UnknownELF", fmt.Sprintf("ELF %q is not registered", newElfName), nil)
			}
			return d.replaceInstance(oldIdent, file)
		},
		ReloadDomain: func(ident string) error {
			inst, ok := d.instanceByIdent(ident)
			if !ok {
				return derr.Wrap(derr.KindValidation, "UnknownInstance", fmt.Sprintf("instance %q is not registered", ident), nil)
			}
			file, ok := d.Registry.Elf.Get(inst.elfName)
			if !ok {
				return derr.Wrap(derr.KindValidation, "UnknownELF", fmt.Sprintf("ELF %q is not registered", inst.elfName), nil)
			}
			return d.replaceInstance(ident, file)
		},
		CheckpointSharedData: func(domainid.ID) error { return nil },
		QueryInfo:            d.Registry.Info.QueryByID,
	}
}

func (d *Daemon) instanceByIdent(ident string) (*instanceHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[ident]
	return inst, ok
}

// createDomain instantiates a brand-new instance from an
// already-registered ELF, issuing it a fresh dense DomainId (§3) and an
// identifier derived from instanceIdent by InsertSuffixed
// (instanceIdent itself on first use, instanceIdent-N afterwards) —
// the CoreFunctions counterpart of the channel's explicitly-named Load.
func (d *Daemon) createDomain(elfName, instanceIdent string) (domainid.ID, error) {
	file, ok := d.Registry.Elf.Get(elfName)
	if !ok {
		return 0, derr.Wrap(derr.KindValidation, "UnknownELF", fmt.Sprintf("ELF %q is not registered", elfName), nil)
	}

	ident := d.Registry.Instance.InsertSuffixed(instanceIdent, registry.Instance{})
	id, err := d.installNamed(ident, file)
	if err != nil {
		d.Registry.Instance.Remove(ident)
		return 0, err
	}
	return id, nil
}

// Load implements channel.Hooks: it installs instanceIdent as a brand
// new instance, failing if that identifier is already taken (unlike
// createDomain's auto-suffixed naming).
func (d *Daemon) Load(elfIdent, instanceIdent string, typeTag capability.DomainTypeTag) error {
	file, ok := d.Registry.Elf.Get(elfIdent)
	if !ok {
		return derr.Wrap(derr.KindValidation, "UnknownELF", fmt.Sprintf("ELF %q is not registered", elfIdent), nil)
	}
	if file.Type != typeTag {
		return derr.ErrUnknownDomainType
	}
	if err := d.Registry.Instance.InsertUnique(instanceIdent, registry.Instance{}); err != nil {
		return err
	}

	if _, err := d.installNamed(instanceIdent, file); err != nil {
		d.Registry.Instance.Remove(instanceIdent)
		return err
	}
	return nil
}

func (d *Daemon) installNamed(ident string, file *capability.DomainFile) (domainid.ID, error) {
	handle, err := d.newInstanceHandle(file.Type, file.Name)
	if err != nil {
		return 0, err
	}

	loaded, err := elfloader.Load(file.Bytes, file.Name)
	if err != nil {
		return 0, err
	}
	entry, err := d.Entries.ResolveEntry(file)
	if err != nil {
		loaded.Release()
		return 0, err
	}

	id := d.IDs.Next()
	args := capability.InitArgs{
		DomainID:   id,
		Core:       d.CoreFunctions(id),
		SharedHeap: d.heapView,
		Storage:    nil,
	}
	if db, err := d.Store.CreateDatabase(context.Background(), id); err == nil {
		args.Storage = db
	}

	if err := handle.install(loaded, id, entry, args); err != nil {
		loaded.Release()
		return 0, err
	}

	d.mu.Lock()
	d.instances[ident] = handle
	d.byDomainID[id] = ident
	d.mu.Unlock()

	// The placeholder InsertUnique/InsertSuffixed reservation above
	// only reserved the name; overwrite it now with the real instance.
	d.Registry.Instance.Remove(ident)
	_ = d.Registry.Instance.InsertUnique(ident, registry.Instance{ID: id, Type: file.Type, ElfName: file.Name})
	d.Registry.Info.Register(capability.InfoBookEntry{ID: id, Name: ident, Type: file.Type, FileName: file.Name})

	return id, nil
}

// FinalizeRegister implements channel.Hooks: it is called once a
// Start/Send.../Stop sequence has accumulated the declared number of
// bytes, registering the resulting ELF buffer under ident (§4.5).
func (d *Daemon) FinalizeRegister(ident string, typeTag capability.DomainTypeTag, data []byte) error {
	d.Registry.Elf.Register(ident, typeTag, data)
	return nil
}

// Unload implements channel.Hooks: it retires a live instance, draining
// its resources with no successor.
func (d *Daemon) Unload(instanceIdent string) error {
	d.mu.Lock()
	handle, ok := d.instances[instanceIdent]
	if ok {
		delete(d.instances, instanceIdent)
		delete(d.byDomainID, handle.domainID())
	}
	d.mu.Unlock()
	if !ok {
		return derr.Wrap(derr.KindValidation, "UnknownInstance", fmt.Sprintf("instance %q is not registered", instanceIdent), nil)
	}

	id := handle.domainID()
	err := handle.unload(context.Background(), d.Ledger, d.Heap)
	d.Registry.Instance.Remove(instanceIdent)
	d.Registry.Info.Retire(id)
	return err
}

// Update implements channel.Hooks: a hot replace of the instance
// registered under oldIdent with a freshly-loaded instance of
// newElfIdent.
func (d *Daemon) Update(oldIdent, newElfIdent string, typeTag capability.DomainTypeTag) error {
	file, ok := d.Registry.Elf.Get(newElfIdent)
	if !ok {
		return derr.Wrap(derr.KindValidation, "UnknownELF", fmt.Sprintf("ELF %q is not registered", newElfIdent), nil)
	}
	if file.Type != typeTag {
		return derr.ErrUnknownDomainType
	}
	return d.replaceInstance(oldIdent, file)
}

// replaceInstance implements §4.6's nine-step Replace against the
// instance currently registered under ident, keeping the same
// identifier and handle but swapping its proxy's backing domain.
func (d *Daemon) replaceInstance(ident string, file *capability.DomainFile) error {
	handle, ok := d.instanceByIdent(ident)
	if !ok {
		return derr.Wrap(derr.KindValidation, "UnknownInstance", fmt.Sprintf("instance %q is not registered", ident), nil)
	}
	if handle.typeTag != file.Type {
		return derr.ErrUnknownDomainType
	}

	loaded, err := elfloader.Load(file.Bytes, file.Name)
	if err != nil {
		return err
	}
	entry, err := d.Entries.ResolveEntry(file)
	if err != nil {
		loaded.Release()
		return err
	}

	oldID := handle.domainID()
	newID := d.IDs.Next()

	corrID, err := idgen.Default().NextCorrelationID()
	if err != nil {
		loaded.Release()
		return err
	}
	logger := log.With().Str("correlation_id", corrID).Uint64("old_domain_id", uint64(oldID)).Uint64("new_domain_id", uint64(newID)).Logger()
	logger.Info().Msg("replace starting")

	if err := handle.replace(context.Background(), loaded, newID, entry, d.Ledger, d.Heap); err != nil {
		logger.Error().Err(err).Msg("replace failed, predecessor remains current")
		return err
	}
	logger.Info().Msg("replace completed")

	if db, err := d.Store.MoveDatabase(context.Background(), oldID, newID); err == nil {
		_ = db
	}

	d.mu.Lock()
	delete(d.byDomainID, oldID)
	d.byDomainID[newID] = ident
	handle.elfName = file.Name
	d.mu.Unlock()

	d.Registry.Info.Retire(oldID)
	d.Registry.Info.Register(capability.InfoBookEntry{ID: newID, Name: ident, Type: file.Type, FileName: file.Name})
	d.Registry.Instance.Remove(ident)
	d.Registry.Instance.InsertUnique(ident, registry.Instance{ID: newID, Type: file.Type, ElfName: file.Name})

	return nil
}

// Exit implements channel.Hooks: it tears down whichever instance
// currently holds domain id id.
func (d *Daemon) Exit(id uint64) error {
	d.mu.Lock()
	ident, ok := d.byDomainID[domainid.ID(id)]
	d.mu.Unlock()
	if !ok {
		return derr.Wrap(derr.KindValidation, "UnknownDomainID", fmt.Sprintf("domain id %d is not live", id), nil)
	}
	return d.Unload(ident)
}
