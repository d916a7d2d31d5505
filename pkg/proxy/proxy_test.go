package proxy

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/domaind/internal/domaind/derr"
	"github.com/jimyag/domaind/pkg/accountant"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/domainid"
	"github.com/jimyag/domaind/pkg/elfloader"
	"github.com/jimyag/domaind/pkg/registry"
)

// noCoreFn stands in for the daemon's CoreFunctions-rebuilding
// callback in tests that don't exercise CoreFunctions itself; Replace
// still calls it for every successor, so it must never be nil.
func noCoreFn(domainid.ID) *capability.CoreFunctions { return &capability.CoreFunctions{} }

// buildMinimalETDYN assembles the smallest ET_DYN ELF elfloader.Load
// accepts: one executable PT_LOAD segment, no relocations. It exists
// only so Proxy's Install/Replace tests have a real *LoadedDomain to
// install, without depending on package elfloader's own test fixture.
func buildMinimalETDYN(t *testing.T) []byte {
	t.Helper()
	const ehdrSize, phdrSize = 64, 56
	payload := make([]byte, 4096)

	buf := new(bytes.Buffer)
	ident := make([]byte, 16)
	copy(ident, elf.ELFMAG)
	ident[4] = byte(elf.ELFCLASS64)
	ident[5] = byte(elf.ELFDATA2LSB)
	ident[6] = byte(elf.EV_CURRENT)
	buf.Write(ident)

	binary.Write(buf, binary.LittleEndian, uint16(elf.ET_DYN))
	binary.Write(buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(buf, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(buf, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(buf, binary.LittleEndian, uint64(ehdrSize))
	binary.Write(buf, binary.LittleEndian, uint64(0)) // e_shoff
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))

	binary.Write(buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	binary.Write(buf, binary.LittleEndian, uint64(ehdrSize+phdrSize))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(payload)
	return buf.Bytes()
}

func newTestLoadedDomain(t *testing.T) *elfloader.LoadedDomain {
	t.Helper()
	loaded, err := elfloader.Load(buildMinimalETDYN(t), "proxy-test-domain")
	require.NoError(t, err)
	return loaded
}

// fakeLog is a trivial in-process capability.Log used to exercise the
// proxy without a real domain; it is test-only, not a driver
// implementation (out of scope per spec.md §1).
type fakeLog struct {
	tag string

	mu       sync.Mutex
	messages []string
}

func (f *fakeLog) Init(capability.InitArgs) error { return nil }

func (f *fakeLog) Write(_ context.Context, _ capability.LogLevel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, f.tag+":"+message)
	return nil
}

func (f *fakeLog) Flush(context.Context) error { return nil }

func entryReturning(inst capability.Capability) elfloader.EntryFunc {
	return func(capability.InitArgs) (capability.Capability, error) {
		return inst, nil
	}
}

func TestEnterReturnsSentinelBeforeInstall(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	err := p.Write(context.Background(), capability.LogInfo, "hello")
	assert.ErrorIs(t, err, capability.ErrNotImplemented)
}

func TestInstallSwitchesOffSentinel(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	loaded := newTestLoadedDomain(t)
	inst := &fakeLog{tag: "v1"}

	_, err := p.Install(loaded, domainid.ID(1), entryReturning(inst), capability.InitArgs{DomainID: domainid.ID(1)})
	require.NoError(t, err)

	require.NoError(t, p.Write(context.Background(), capability.LogInfo, "hi"))
	assert.Equal(t, []string{"v1:hi"}, inst.messages)
	assert.Equal(t, domainid.ID(1), p.DomainID())
}

func TestReplaceSwapsInstanceAndDrainsPredecessor(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	first := newTestLoadedDomain(t)
	v1 := &fakeLog{tag: "v1"}
	_, err := p.Install(first, domainid.ID(1), entryReturning(v1), capability.InitArgs{DomainID: domainid.ID(1)})
	require.NoError(t, err)

	ledger := accountant.New()
	block := capability.BlockID(7)
	ledger.RecordHeapBlock(domainid.ID(1), block)

	second := newTestLoadedDomain(t)
	v2 := &fakeLog{tag: "v2"}

	heap := &recordingHeap{}
	_, err = p.Replace(context.Background(), second, domainid.ID(2), entryReturning(v2), noCoreFn, ledger, heap)
	require.NoError(t, err)

	require.NoError(t, p.Write(context.Background(), capability.LogInfo, "after"))
	assert.Equal(t, []string{"after"}, stripTag(v2.messages))
	assert.Empty(t, v1.messages, "predecessor must not receive calls after replace")

	assert.Equal(t, domainid.ID(2), p.DomainID())
	assert.Equal(t, [2]domainid.ID{domainid.ID(1), domainid.ID(2)}, heap.transfers[block])
}

func TestReplaceWithoutCachedArgsFails(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	_, err := p.Replace(context.Background(), newTestLoadedDomain(t), domainid.ID(1), entryReturning(&fakeLog{}), noCoreFn, accountant.New(), &recordingHeap{})
	require.Error(t, err)
}

func TestReplaceLeavesOldInstanceCurrentOnInitFailure(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	first := newTestLoadedDomain(t)
	v1 := &fakeLog{tag: "v1"}
	_, err := p.Install(first, domainid.ID(1), entryReturning(v1), capability.InitArgs{DomainID: domainid.ID(1)})
	require.NoError(t, err)

	failing := func(capability.InitArgs) (capability.Capability, error) {
		return nil, assert.AnError
	}

	_, err = p.Replace(context.Background(), newTestLoadedDomain(t), domainid.ID(2), failing, noCoreFn, accountant.New(), &recordingHeap{})
	require.Error(t, err)

	require.NoError(t, p.Write(context.Background(), capability.LogInfo, "still-v1"))
	assert.Equal(t, []string{"v1:still-v1"}, v1.messages)
	assert.Equal(t, domainid.ID(1), p.DomainID())
}

func TestUnloadRestoresSentinelAndDrainsResources(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	loaded := newTestLoadedDomain(t)
	v1 := &fakeLog{tag: "v1"}
	_, err := p.Install(loaded, domainid.ID(1), entryReturning(v1), capability.InitArgs{DomainID: domainid.ID(1)})
	require.NoError(t, err)

	ledger := accountant.New()
	block := capability.BlockID(9)
	ledger.RecordHeapBlock(domainid.ID(1), block)
	heap := &recordingHeap{}

	require.NoError(t, p.Unload(context.Background(), ledger, heap))

	err = p.Write(context.Background(), capability.LogInfo, "after-unload")
	assert.ErrorIs(t, err, capability.ErrNotImplemented)
	assert.Equal(t, domainid.Sentinel, p.DomainID())
}

func TestUnloadOnSentinelIsNoOp(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	assert.NoError(t, p.Unload(context.Background(), accountant.New(), &recordingHeap{}))
}

func TestConcurrentCallersDuringReplaceAllSucceed(t *testing.T) {
	t.Parallel()

	p := NewLogProxy(nil)
	first := newTestLoadedDomain(t)
	v1 := &fakeLog{tag: "v1"}
	_, err := p.Install(first, domainid.ID(1), entryReturning(v1), capability.InitArgs{DomainID: domainid.ID(1)})
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var callErr atomicError

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if err := p.Write(context.Background(), capability.LogInfo, "x"); err != nil {
					callErr.store(err)
				}
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)

	second := newTestLoadedDomain(t)
	v2 := &fakeLog{tag: "v2"}
	_, err = p.Replace(context.Background(), second, domainid.ID(2), entryReturning(v2), noCoreFn, accountant.New(), &recordingHeap{})
	require.NoError(t, err)

	close(stop)
	wg.Wait()

	assert.NoError(t, callErr.load())
}

// panickyLog panics on every Write call, standing in for the domain
// of §8 end-to-end scenario 3 ("Crash during call").
type panickyLog struct{ fakeLog }

func (f *panickyLog) Write(context.Context, capability.LogLevel, string) error {
	panic("domain fault")
}

func TestCallRecoversPanicAsDomainCrashAndRecordsIt(t *testing.T) {
	t.Parallel()

	book := registry.NewInfoBook()
	book.Register(capability.InfoBookEntry{ID: domainid.ID(1), Name: "flaky"})

	p := NewLogProxy(book)
	loaded := newTestLoadedDomain(t)
	inst := &panickyLog{}
	_, err := p.Install(loaded, domainid.ID(1), entryReturning(inst), capability.InitArgs{DomainID: domainid.ID(1)})
	require.NoError(t, err)

	err = p.Write(context.Background(), capability.LogInfo, "boom")
	require.Error(t, err)
	assert.ErrorIs(t, err, derr.ErrDomainCrash)

	entry, ok := book.QueryByID(domainid.ID(1))
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.PanicCount)

	// The proxy itself must survive the panic and keep serving calls.
	require.NoError(t, p.Flush(context.Background()))
}

type recordingHeap struct {
	mu        sync.Mutex
	transfers map[capability.BlockID][2]domainid.ID
}

func (h *recordingHeap) Free(capability.BlockID, domainid.ID) error { return nil }

func (h *recordingHeap) Transfer(block capability.BlockID, oldOwner, newOwner domainid.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.transfers == nil {
		h.transfers = make(map[capability.BlockID][2]domainid.ID)
	}
	h.transfers[block] = [2]domainid.ID{oldOwner, newOwner}
	return nil
}

func stripTag(messages []string) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		for j := 0; j < len(m); j++ {
			if m[j] == ':' {
				out[i] = m[j+1:]
				break
			}
		}
	}
	return out
}

// atomicError is a tiny mutex-guarded error box for the concurrency
// test above; sync/atomic has no generic error-typed value.
type atomicError struct {
	mu  sync.Mutex
	err error
}

func (a *atomicError) store(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *atomicError) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
