// Package testdomains supplies the hand-built ELF fixtures and the
// minimal in-process capability implementations that let the rest of
// this module exercise register → load → replace → drain end to end.
// spec.md places driver implementations themselves out of scope
// (§1); everything here is scaffolding for tests and for the
// reference daemon wiring, not a product capability.
package testdomains

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/elfloader"
)

// relocTypeForHost mirrors elfloader.relativeRelocType without
// exporting it: the fixture must use whatever RELATIVE relocation
// type the host architecture's loader accepts.
func relocTypeForHost() uint32 {
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

func machineForHost() elf.Machine {
	switch runtime.GOARCH {
	case "arm64":
		return elf.EM_AARCH64
	case "386":
		return elf.EM_386
	case "arm":
		return elf.EM_ARM
	default:
		return elf.EM_X86_64
	}
}

// BuildFixtureELF assembles the smallest ET_DYN ELF elfloader.Load
// will accept: one executable, writable PT_LOAD segment of pageSize
// bytes and, if relocOffsets is non-empty, a .rela.dyn section with
// one R_*_RELATIVE entry per offset (addend 0).
//
// This exists so register/load integration tests can drive the
// channel's byte-oriented Start/Send/Stop sequence with a real ELF
// buffer, without duplicating pkg/elfloader's own lower-level fixture
// builder.
func BuildFixtureELF(pageSize int, relocOffsets []uint64) []byte {
	const ehdrSize, phdrSize, relaEntSize = 64, 56, 24
	payload := make([]byte, pageSize)

	haveRelocs := len(relocOffsets) > 0
	relaSize := len(relocOffsets) * relaEntSize

	var shstrtab []byte
	var shnum uint16
	var shoff uint64
	if haveRelocs {
		shstrtab = buildShstrtab()
		shnum = 3
	}

	buf := new(bytes.Buffer)

	ident := make([]byte, 16)
	copy(ident, elf.ELFMAG)
	ident[4] = byte(elf.ELFCLASS64)
	ident[5] = byte(elf.ELFDATA2LSB)
	ident[6] = byte(elf.EV_CURRENT)
	buf.Write(ident)

	binary.Write(buf, binary.LittleEndian, uint16(elf.ET_DYN))
	binary.Write(buf, binary.LittleEndian, uint16(machineForHost()))
	binary.Write(buf, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(buf, binary.LittleEndian, uint64(0)) // e_entry

	phoff := uint64(ehdrSize)
	relaOff := phoff + phdrSize
	payloadOff := relaOff + uint64(relaSize)
	if haveRelocs {
		shoff = payloadOff + uint64(len(payload))
	}

	binary.Write(buf, binary.LittleEndian, phoff)
	binary.Write(buf, binary.LittleEndian, shoff)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	const shdrSize = 64
	var shentsize uint16
	if haveRelocs {
		shentsize = shdrSize
	}
	binary.Write(buf, binary.LittleEndian, shentsize)
	binary.Write(buf, binary.LittleEndian, shnum)
	var shstrndx uint16
	if haveRelocs {
		shstrndx = 2
	}
	binary.Write(buf, binary.LittleEndian, shstrndx)

	binary.Write(buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	binary.Write(buf, binary.LittleEndian, payloadOff)
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(buf, binary.LittleEndian, uint64(pageSize))

	relocType := relocTypeForHost()
	for _, off := range relocOffsets {
		binary.Write(buf, binary.LittleEndian, off)
		binary.Write(buf, binary.LittleEndian, uint64(relocType))
		binary.Write(buf, binary.LittleEndian, int64(0))
	}

	buf.Write(payload)

	if haveRelocs {
		shstrtabDataOff := uint64(buf.Len()) + 3*shdrSize
		buf.Write(nullSectionHeader())
		buf.Write(relaSectionHeader(relaOff, uint64(relaSize)))
		buf.Write(shstrtabSectionHeader(shstrtabDataOff, uint64(len(shstrtab))))
		buf.Write(shstrtab)
	}

	return buf.Bytes()
}

func buildShstrtab() []byte {
	return []byte{0x00, '.', 'r', 'e', 'l', 'a', '.', 'd', 'y', 'n', 0x00}
}

func nullSectionHeader() []byte {
	return make([]byte, 64)
}

func relaSectionHeader(offset, size uint64) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, uint32(elf.SHT_RELA))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, offset)
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint64(8))
	binary.Write(buf, binary.LittleEndian, uint64(24))
	return buf.Bytes()
}

func shstrtabSectionHeader(offset, size uint64) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(elf.SHT_STRTAB))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, offset)
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint64(1))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	return buf.Bytes()
}

// StdlibLogger is the minimal in-process Log capability used by
// integration tests in place of a real cross-process ELF driver: it
// keeps an ordered, mutex-guarded slice of every message written, and
// a tag built from its domain id by the entry point (Init leaves it
// alone) so a hot-replace scenario can tell predecessor and successor
// output apart.
type StdlibLogger struct {
	Tag string

	mu       sync.Mutex
	Messages []string
}

// NewStdlibLoggerEntry returns an elfloader.EntryFunc that constructs
// a fresh *StdlibLogger tagged with the domain id it is given — the
// in-process stand-in for a domain's ELF "main" symbol.
func NewStdlibLoggerEntry() elfloader.EntryFunc {
	return func(args capability.InitArgs) (capability.Capability, error) {
		l := &StdlibLogger{Tag: fmt.Sprintf("domain-%d", args.DomainID)}
		if err := l.Init(args); err != nil {
			return nil, err
		}
		return l, nil
	}
}

func (l *StdlibLogger) Init(capability.InitArgs) error { return nil }

func (l *StdlibLogger) Write(_ context.Context, level capability.LogLevel, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, fmt.Sprintf("[%s] %d: %s", l.Tag, level, message))
	return nil
}

func (l *StdlibLogger) Flush(context.Context) error { return nil }
