package capability

import (
	"context"

	"github.com/jimyag/domaind/pkg/domainid"
)

// Capability is the base every capability trait embeds: the domain's
// entry point returns one of these, and Init is called once, either
// right after load or again during a replace with the cached
// arguments from the predecessor (§4.6).
type Capability interface {
	Init(args InitArgs) error
}

// Log is the logging capability — the simplest of the four traits, and
// the one the end-to-end scenarios in §8 exercise for hot replace.
type Log interface {
	Capability
	Write(ctx context.Context, level LogLevel, message string) error
	Flush(ctx context.Context) error
}

// LogLevel mirrors a typical kernel console priority.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// EmptyDevice is the degenerate capability used for smoke tests and as
// the shape the sentinel instance of §4.6 implements.
type EmptyDevice interface {
	Capability
	Ping(ctx context.Context) error
}

// BlockDevice is the block-driver capability (e.g. null block).
type BlockDevice interface {
	Capability
	ReadAt(ctx context.Context, lba uint64, buf []byte) (int, error)
	WriteAt(ctx context.Context, lba uint64, buf []byte) (int, error)
	Size(ctx context.Context) (uint64, error)
}

// NvmeBlockDevice extends BlockDevice with identify/admin semantics;
// it shares the block data path but is a distinct declared type (§3),
// and collides with BlockDevice's wire byte under the legacy mapping
// (§9, §6.2).
type NvmeBlockDevice interface {
	BlockDevice
	Identify(ctx context.Context) (NvmeIdentity, error)
}

// NvmeIdentity is a minimal identify-controller result.
type NvmeIdentity struct {
	ModelNumber     string
	SerialNumber    string
	NamespaceCount  uint32
	MaxQueueEntries uint16
}

// InitArgs is what an entry point's callback supplies and what a
// Capability's Init receives — both at first load and, cached, at
// every subsequent replace (§4.6).
type InitArgs struct {
	DomainID      domainid.ID
	Predecessor   *domainid.ID
	Core          *CoreFunctions
	SharedHeap    SharedHeap
	Storage       Storage
	HasPredecessor bool
}

// SharedHeap is the minimal surface capability.InitArgs exposes for
// §4.3's shared-heap allocator; pkg/sharedheap.Heap satisfies it
// structurally, with no import back into this package.
type SharedHeap interface {
	Alloc(size int, owner domainid.ID) (BlockID, error)
	Free(block BlockID, owner domainid.ID) error
}

// BlockID names one shared-heap allocation.
type BlockID uint64

// Storage is the minimal surface capability.InitArgs exposes for
// §4.3's storage database; pkg/storagedb.Database satisfies it
// structurally.
type Storage interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Keys(ctx context.Context) ([][]byte, error)
}

// PageAlloc names one page-frame allocation obtained through the
// syscall bridge (§4.4, §6.3): a starting page-frame number and order.
type PageAlloc struct {
	PFN   uint64
	Order int
}

// InfoBookEntry is the queryable projection of §4.5's InfoBook.
type InfoBookEntry struct {
	ID         domainid.ID
	Name       string
	Type       DomainTypeTag
	PanicCount uint64
	FileName   string
}

// CoreFunctions is the single indirection table (§6.3) every domain
// sees through its entry-point callback. Each function that acquires a
// resource is expected to be mirrored in the resource accountant by
// the caller that constructs this table (internal/domaind/syscallbridge).
type CoreFunctions struct {
	AllocPages           func(ctx context.Context, order int) (PageAlloc, error)
	FreePages            func(ctx context.Context, alloc PageAlloc) error
	ConsoleWrite         func(message string)
	Backtrace            func() string
	QueryDomain          func(name string) (InfoBookEntry, bool)
	CreateDomain         func(elfName, instanceIdent string) (domainid.ID, error)
	RegisterELF          func(name string, typeTag DomainTypeTag, data []byte) error
	UpdateDomain         func(oldIdent, newElfName string) error
	ReloadDomain         func(ident string) error
	CheckpointSharedData func(id domainid.ID) error
	QueryInfo            func(id domainid.ID) (InfoBookEntry, bool)
}
