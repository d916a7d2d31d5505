// Package elfloader turns a byte buffer into a callable LoadedDomain
// (§4.2): it validates an ET_DYN ELF, copies its PT_LOAD segments into
// a freshly reserved module-memory region, applies R_*_RELATIVE
// relocations against the chosen base, marks the text range
// executable, and exposes the entry point.
//
// debug/elf is the stdlib ELF reader used here; nothing in the
// retrieved example pack imports a third-party ELF parser or
// relocator, so there is no ecosystem library to wire in for this
// concern (see DESIGN.md).
package elfloader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"runtime"

	"github.com/jimyag/domaind/internal/domaind/derr"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/memregion"
)

// LoadedDomain is an owning handle to the executable region, entry
// point and text range (§3). Dropping it releases the backing
// memregion.Region. Load does not set File, and no caller in this
// module assigns it, so File is nil on every LoadedDomain.
type LoadedDomain struct {
	Region    *memregion.Region
	Base      uintptr
	Entry     uintptr
	TextStart uintptr
	TextEnd   uintptr
	Ident     string
	File      *capability.DomainFile
}

// Release unmaps the domain's executable region. Safe to call more
// than once; callers normally defer it on the error path of Load's
// consumers (e.g. a failed Replace, §4.6's "the new LoadedDomain is
// dropped").
func (d *LoadedDomain) Release() error {
	return d.Region.Release()
}

func relativeRelocType() uint32 {
	switch runtime.GOARCH {
	case "amd64":
		return uint32(elf.R_X86_64_RELATIVE)
	case "arm64":
		return uint32(elf.R_AARCH64_RELATIVE)
	case "386":
		return uint32(elf.R_386_RELATIVE)
	case "arm":
		return uint32(elf.R_ARM_RELATIVE)
	default:
		return uint32(elf.R_X86_64_RELATIVE)
	}
}

// Load implements the eight-step algorithm of §4.2. ident is used only
// for diagnostics (error messages, logging); it does not affect the
// outcome.
func Load(buf []byte, ident string) (*LoadedDomain, error) {
	if len(buf) < 4 || !bytes.Equal(buf[:4], []byte(elf.ELFMAG)) {
		return nil, derr.ErrNotElf
	}

	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, derr.Wrap(derr.ErrNotElf.Kind, derr.ErrNotElf.Code, "malformed ELF header", err)
	}
	defer f.Close()

	if f.Type != elf.ET_DYN {
		return nil, derr.ErrUnsupportedType
	}

	var (
		span          uint64
		textStart     uint64
		textEnd       uint64
		haveText      bool
		loadSegments  []*elf.Prog
	)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loadSegments = append(loadSegments, p)
		if top := p.Vaddr + p.Memsz; top > span {
			span = top
		}
		if p.Flags&elf.PF_X != 0 {
			textStart, textEnd = p.Vaddr, p.Vaddr+p.Memsz
			haveText = true
		}
	}
	if len(loadSegments) == 0 {
		return nil, derr.ErrBadSegment
	}
	if !haveText {
		return nil, derr.Wrap(derr.ErrBadSegment.Kind, derr.ErrBadSegment.Code,
			"no executable PT_LOAD segment", nil)
	}

	pageSize := uint64(memregion.PageSize)
	spanRounded := ((span + pageSize - 1) / pageSize) * pageSize

	allocator := memregion.Select(int(spanRounded))
	region, err := allocator.Reserve(int(spanRounded))
	if err != nil {
		return nil, derr.Wrap(derr.ErrAllocFailed.Kind, derr.ErrAllocFailed.Code, "reserve module region", err)
	}

	base := region.Addr()
	data := region.Bytes()
	for _, p := range loadSegments {
		segData := make([]byte, p.Filesz)
		if _, err := p.ReadAt(segData, 0); err != nil {
			region.Release()
			return nil, derr.Wrap(derr.ErrBadSegment.Kind, derr.ErrBadSegment.Code, "read PT_LOAD contents", err)
		}
		copy(data[p.Vaddr:p.Vaddr+p.Filesz], segData)
	}

	if err := applyRelocations(f, data, uint64(base)); err != nil {
		region.Release()
		return nil, err
	}

	textStartPage := int(textStart / pageSize)
	textPageCount := int(((textEnd - textStart) + pageSize - 1) / pageSize)
	if textPageCount == 0 {
		textPageCount = 1
	}
	if err := region.MarkExecutable(textStartPage, textPageCount); err != nil {
		region.Release()
		return nil, derr.Wrap(derr.ErrAllocFailed.Kind, derr.ErrAllocFailed.Code, "mark text range executable", err)
	}

	return &LoadedDomain{
		Region:    region,
		Base:      base,
		Entry:     base + uintptr(f.Entry),
		TextStart: base + uintptr(textStart),
		TextEnd:   base + uintptr(textEnd),
		Ident:     ident,
	}, nil
}

// applyRelocations walks .rela.dyn and writes B+r_addend at B+r_offset
// for every RELATIVE entry; any other r_type is fatal per §4.2 step 6.
func applyRelocations(f *elf.File, data []byte, base uint64) error {
	sec := f.Section(".rela.dyn")
	if sec == nil {
		// No dynamic relocations at all is valid: a domain with an
		// already-absolute base of zero needs none.
		return nil
	}
	raw, err := sec.Data()
	if err != nil {
		return derr.Wrap(derr.ErrBadRelocation.Kind, derr.ErrBadRelocation.Code, "read .rela.dyn", err)
	}

	const relaEntSize = 24 // Elf64_Rela: r_offset, r_info, r_addend (8 bytes each)
	if len(raw)%relaEntSize != 0 {
		return derr.Wrap(derr.ErrBadRelocation.Kind, derr.ErrBadRelocation.Code, "truncated .rela.dyn section", nil)
	}

	relative := relativeRelocType()
	order := f.ByteOrder

	for off := 0; off < len(raw); off += relaEntSize {
		entry := raw[off : off+relaEntSize]
		rOffset := order.Uint64(entry[0:8])
		rInfo := order.Uint64(entry[8:16])
		rAddend := int64(order.Uint64(entry[16:24]))
		rType := uint32(rInfo & 0xffffffff)

		if rType != relative {
			return derr.Wrap(derr.ErrBadRelocation.Kind, derr.ErrBadRelocation.Code,
				"relocation type is not architecture RELATIVE", nil)
		}
		if rOffset+8 > uint64(len(data)) {
			return derr.Wrap(derr.ErrBadRelocation.Kind, derr.ErrBadRelocation.Code,
				"relocation offset is outside the loaded region", nil)
		}
		value := uint64(int64(base) + rAddend)
		binary.LittleEndian.PutUint64(data[rOffset:rOffset+8], value)
	}
	return nil
}

// EntryFunc is what a LoadedDomain's entry point looks like once
// bound in this process. In a real kernel this is a raw function
// pointer at Entry; here, CallMain is supplied the already-resolved
// Go closure a test or a loader shim provides in place of calling
// through an actual machine-code entry point, since this repository
// runs domains in-process rather than executing foreign machine code
// (see DESIGN.md on the loader/test-domain boundary).
type EntryFunc func(args capability.InitArgs) (capability.Capability, error)

// CallMain invokes the entry point with the InitArgs the builder
// produces. A panic raised during initialisation is recovered and
// reported as AllocFailed rather than unwinding into the caller —
// unlike a post-install panic, which the proxy (§4.6) reports as
// DomainCrash — because no instance has been installed yet.
func CallMain(loaded *LoadedDomain, entry EntryFunc, args capability.InitArgs) (inst capability.Capability, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = derr.Wrap(derr.ErrAllocFailed.Kind, derr.ErrAllocFailed.Code, "domain entry point panicked during init", nil)
		}
	}()
	return entry(args)
}
