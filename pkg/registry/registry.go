// Package registry implements the process-wide domain registry of
// §4.5: the ELF byte-buffer store, the live-instance name table, and
// the queryable InfoBook. All three are process-wide singletons in
// the original; here they are instantiated once by the daemon's
// wiring (internal/domaind/syscallbridge) rather than held in package
// globals, so tests can run in parallel against independent registries.
package registry

import (
	"fmt"
	"sync"

	"github.com/jimyag/domaind/internal/domaind/derr"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/domainid"
)

// ElfRegistry maps a registered file name to its byte buffer. §4.5:
// re-registering the same name is idempotent when the byte length
// matches the existing entry; otherwise the new blob replaces the old.
type ElfRegistry struct {
	mu      sync.RWMutex
	entries map[string]*capability.DomainFile
}

// NewElfRegistry returns an empty ElfRegistry.
func NewElfRegistry() *ElfRegistry {
	return &ElfRegistry{entries: make(map[string]*capability.DomainFile)}
}

// Register stores data under name. If an entry already exists under
// name with the same byte length, the call is a no-op and the
// existing entry is returned unchanged; otherwise data replaces
// whatever was there.
func (r *ElfRegistry) Register(name string, typeTag capability.DomainTypeTag, data []byte) *capability.DomainFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok && len(existing.Bytes) == len(data) {
		return existing
	}

	file := capability.NewDomainFile(name, typeTag, data)
	r.entries[name] = file
	return file
}

// Get returns the registered file, if any.
func (r *ElfRegistry) Get(name string) (*capability.DomainFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.entries[name]
	return f, ok
}

// Remove deletes a registered file. It is not an error to remove a
// name that was never registered.
func (r *ElfRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Instance is what InstanceRegistry hands back for a live identifier:
// enough to locate the domain's id and declared type without coupling
// the registry to pkg/proxy's generic Proxy type.
type Instance struct {
	Ident   string
	ID      domainid.ID
	Type    capability.DomainTypeTag
	ElfName string
}

// InstanceRegistry maps an identifier to an Instance, per §4.5. An
// insertion is either unique-required (InsertUnique) or suffixed
// (InsertSuffixed), matching the two modes spec.md calls for.
type InstanceRegistry struct {
	mu       sync.RWMutex
	byIdent  map[string]Instance
	counters map[string]int
}

// NewInstanceRegistry returns an empty InstanceRegistry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{
		byIdent:  make(map[string]Instance),
		counters: make(map[string]int),
	}
}

// InsertUnique inserts inst under ident, failing if ident is already
// taken.
func (r *InstanceRegistry) InsertUnique(ident string, inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byIdent[ident]; exists {
		return derr.Wrap(derr.KindValidation, "DuplicateIdentifier",
			fmt.Sprintf("identifier %q already registered", ident), nil)
	}
	inst.Ident = ident
	r.byIdent[ident] = inst
	return nil
}

// InsertSuffixed inserts inst under a name derived from base: the
// first call for a given base uses base itself, and every subsequent
// call appends "-N" from a counter kept per base.
func (r *InstanceRegistry) InsertSuffixed(base string, inst Instance) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.counters[base]
	r.counters[base] = n + 1

	ident := base
	if n > 0 {
		ident = fmt.Sprintf("%s-%d", base, n)
	}
	inst.Ident = ident
	r.byIdent[ident] = inst
	return ident
}

// Get returns the instance registered under ident.
func (r *InstanceRegistry) Get(ident string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byIdent[ident]
	return inst, ok
}

// Remove deletes the identifier, freeing it for reuse by InsertUnique.
func (r *InstanceRegistry) Remove(ident string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byIdent, ident)
}

// List returns every live instance. Order is unspecified.
func (r *InstanceRegistry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.byIdent))
	for _, inst := range r.byIdent {
		out = append(out, inst)
	}
	return out
}

// InfoBook is the queryable projection of every live domain: name,
// type, panic count, and provenance, per §4.5. It is updated on
// registration, on panic (panic count incremented), and on retirement
// (entry removed).
type InfoBook struct {
	mu      sync.RWMutex
	byID    map[domainid.ID]*capability.InfoBookEntry
	byName  map[string]domainid.ID
}

// NewInfoBook returns an empty InfoBook.
func NewInfoBook() *InfoBook {
	return &InfoBook{
		byID:   make(map[domainid.ID]*capability.InfoBookEntry),
		byName: make(map[string]domainid.ID),
	}
}

// Register adds or replaces id's entry.
func (b *InfoBook) Register(entry capability.InfoBookEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := entry
	b.byID[entry.ID] = &stored
	b.byName[entry.Name] = entry.ID
}

// RecordPanic increments id's panic count. It is a no-op if id is not
// registered (a domain that panics before registration completes
// reports through a different path).
func (b *InfoBook) RecordPanic(id domainid.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.byID[id]; ok {
		entry.PanicCount++
	}
}

// Retire removes id's entry, implementing CoreFunctions.QueryDomain
// and QueryInfo's "removed on retirement" contract.
func (b *InfoBook) Retire(id domainid.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.byID[id]; ok {
		delete(b.byName, entry.Name)
	}
	delete(b.byID, id)
}

// QueryByID implements CoreFunctions.QueryInfo.
func (b *InfoBook) QueryByID(id domainid.ID) (capability.InfoBookEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.byID[id]
	if !ok {
		return capability.InfoBookEntry{}, false
	}
	return *entry, true
}

// QueryByName implements CoreFunctions.QueryDomain.
func (b *InfoBook) QueryByName(name string) (capability.InfoBookEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byName[name]
	if !ok {
		return capability.InfoBookEntry{}, false
	}
	return *b.byID[id], true
}

// Registry bundles the three process-wide tables of §4.5 behind a
// single handle, the way the daemon's wiring constructs and passes
// them around.
type Registry struct {
	Elf      *ElfRegistry
	Instance *InstanceRegistry
	Info     *InfoBook
}

// New wires up an empty Registry.
func New() *Registry {
	return &Registry{
		Elf:      NewElfRegistry(),
		Instance: NewInstanceRegistry(),
		Info:     NewInfoBook(),
	}
}
