// Package linker assembles modules held in a table store into a single
// relocated program image plus a global offset table, per spec.md §4.4. It
// knows nothing about how sections/symbols/relocations are persisted; it
// consumes them through the Store interface, which internal/tosdb (or a test
// fake) satisfies.
package linker

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/turnstone-os/kernel/internal/debug"
	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/pmm"
)

// Kind is a relocation fixup kind, per spec.md §4.4.
type Kind int

const (
	PC32 Kind = iota
	GOTPC32
	GOT64
	PLT32
	ABS64
)

func (k Kind) String() string {
	switch k {
	case PC32:
		return "PC32"
	case GOTPC32:
		return "GOTPC32"
	case GOT64:
		return "GOT64"
	case PLT32:
		return "PLT32"
	case ABS64:
		return "ABS64"
	default:
		return "unknown"
	}
}

// needsGOTSlot reports whether relocations of this kind resolve through the
// GOT rather than directly against the target symbol's linked address.
func (k Kind) needsGOTSlot() bool {
	return k == GOTPC32 || k == GOT64 || k == PLT32
}

type ModuleID uint64
type SectionID uint64
type SymbolID uint64

// Module is a named unit of linkage: one or more sections.
type Module struct {
	ID       ModuleID
	Name     string
	Sections []SectionID
}

// Section is a contiguous run of bytes belonging to one module.
type Section struct {
	ID       SectionID
	ModuleID ModuleID
	Name     string
	Data     []byte
	Align    uint64
}

// Symbol names an offset within a section.
type Symbol struct {
	ID        SymbolID
	Name      string
	SectionID SectionID
	Value     uint64 // offset within the owning section
}

// Relocation is a single fixup site: apply Kind at Offset within Section
// using the resolved address of Symbol plus Addend.
type Relocation struct {
	SectionID SectionID
	Offset    uint64
	SymbolID  SymbolID
	Addend    int64
	Kind      Kind
}

// Store is the read surface the linker needs from the table store; it names
// none of the storage engine's own concerns (B+trees, SSTables, memtables —
// spec.md's explicit Non-goal for C4).
type Store interface {
	SymbolByName(name string) (Symbol, bool, error)
	Symbol(id SymbolID) (Symbol, error)
	Section(id SectionID) (Section, error)
	Module(id ModuleID) (Module, error)
	RelocationsForSection(id SectionID) ([]Relocation, error)
}

// reservedGOTSlots is the count of GOT entries every build reserves before
// any symbol gets one: slot 0 is always null, slot 1 self-references the
// GOT's own address (spec.md §4.4 step 3).
const reservedGOTSlots = 2

const gotEntrySize = 8 // one uint64 per GOT slot

// BuiltModule is what a successful Build hands back to a caller (typically
// C5's hypercall dispatch loading a module on demand).
type BuiltModule struct {
	EntrypointSymbol  SymbolID
	ProgramPhysical   uint64
	ProgramSize       uint64
	MetadataPhysical  uint64
	MetadataSize      uint64
	EntrypointAddress uint64
	GOTPhysical       uint64
	GOTSize           uint64
}

// resolvedModule is the per-build bookkeeping entry for one module reached
// during traversal: its sections' linear offsets within the dump buffer.
type resolvedModule struct {
	module        Module
	sectionOffset map[SectionID]uint64 // offset within program_size
}

// buildContext mirrors spec.md §4.4's "Linker context" record, scoped to a
// single Build call.
type buildContext struct {
	modules                  map[ModuleID]*resolvedModule
	gotSymbolIndex           map[SymbolID]uint32
	programStartPhysical     uint64
	programStartVirtual      uint64
	programSize              uint64
	metadataSize             uint64
	entrypointSymbolID       SymbolID
	entrypointAddressVirtual uint64
	forHypervisorApplication bool
}

// Linker owns the single, per-kernel growing GOT buffer (spec.md §4.4 step
// 3) and the memoisation table of already-built modules.
type Linker struct {
	mu sync.Mutex

	store  Store
	frames *pmm.Allocator

	masterGOT      []uint64 // slot values, logically uint64 entries
	gotSymbolIndex map[SymbolID]uint32

	built map[ModuleID]*BuiltModule
}

// New returns a Linker that reads module/section/symbol/relocation records
// through store and requests physical frames from frames.
func New(store Store, frames *pmm.Allocator) *Linker {
	l := &Linker{
		store:          store,
		frames:         frames,
		masterGOT:      make([]uint64, reservedGOTSlots),
		gotSymbolIndex: make(map[SymbolID]uint32),
		built:          make(map[ModuleID]*BuiltModule),
	}
	// slot 0: null. slot 1: self-reference to masterGOTAddress(), written
	// by cloneGOT before each copy rather than here.
	return l
}

// Build links the module reachable from entrypointName's symbol, returning
// its dump frame, physical address, metadata frame, and a freshly cloned
// GOT, per spec.md §4.4.
func (l *Linker) Build(entrypointName string, forHypervisorApplication bool) (*BuiltModule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sym, ok, err := l.store.SymbolByName(entrypointName)
	if err != nil {
		return nil, kerr.Wrap(kerr.KindNotFound, "linker: Build: resolve entrypoint", err)
	}
	if !ok {
		return nil, kerr.New(kerr.KindNotFound, "linker: Build: unknown entrypoint symbol "+entrypointName)
	}

	section, err := l.store.Section(sym.SectionID)
	if err != nil {
		return nil, kerr.Wrap(kerr.KindCorruptData, "linker: Build: resolve entrypoint section", err)
	}
	moduleID := section.ModuleID

	if cached, ok := l.built[moduleID]; ok {
		clone, err := l.cloneGOT()
		if err != nil {
			return nil, err
		}
		out := *cached
		out.GOTPhysical = clone.physical
		out.GOTSize = clone.size
		debug.Writef("linker.Build", "memoised module %d, fresh GOT clone at 0x%x", moduleID, clone.physical)
		return &out, nil
	}

	built, err := l.buildFresh(moduleID, sym.ID, forHypervisorApplication)
	if err != nil {
		return nil, err
	}

	l.built[moduleID] = built
	out := *built
	return &out, nil
}

// buildFresh runs the full build algorithm (spec.md §4.4 steps 3-8) for a
// module that has not been linked before.
func (l *Linker) buildFresh(entryModuleID ModuleID, entrySymbolID SymbolID, forHypervisor bool) (built *BuiltModule, err error) {
	ctx := &buildContext{
		modules:                  make(map[ModuleID]*resolvedModule),
		gotSymbolIndex:           make(map[SymbolID]uint32),
		entrypointSymbolID:       entrySymbolID,
		forHypervisorApplication: forHypervisor,
	}

	if err := l.traverse(ctx, entryModuleID); err != nil {
		return nil, err
	}

	order := l.layout(ctx)

	dump := make([]byte, ctx.programSize)
	for _, modID := range order {
		rm := ctx.modules[modID]
		for _, secID := range rm.module.Sections {
			sec, err := l.store.Section(secID)
			if err != nil {
				return nil, kerr.Wrap(kerr.KindCorruptData, "linker: layout: section lookup", err)
			}
			off := rm.sectionOffset[secID]
			copy(dump[off:off+uint64(len(sec.Data))], sec.Data)
		}
	}

	metadata := l.buildMetadata(ctx, order)
	ctx.metadataSize = uint64(len(metadata))

	totalFrames := framesFor(ctx.programSize + ctx.metadataSize)
	extent, err := l.frames.AllocateByCount(totalFrames, pmm.Block)
	if err != nil {
		return nil, kerr.Wrap(kerr.KindOutOfMemory, "linker: Build: allocate program frames", err)
	}

	programPhysical := extent.Start
	// Hypervisor images are identity-mapped (physical == virtual); a kernel
	// paging layer that would give non-hypervisor images a distinct virtual
	// base is out of scope (SPEC_FULL.md note), so both cases resolve to the
	// same address here.
	programVirtual := programPhysical
	ctx.programStartPhysical = programPhysical
	ctx.programStartVirtual = programVirtual

	entrySym, err := l.store.Symbol(entrySymbolID)
	if err != nil {
		l.releaseOnFailure(extent)
		return nil, kerr.Wrap(kerr.KindCorruptData, "linker: Build: resolve entrypoint symbol", err)
	}
	entrySection, err := l.store.Section(entrySym.SectionID)
	if err != nil {
		l.releaseOnFailure(extent)
		return nil, kerr.Wrap(kerr.KindCorruptData, "linker: Build: resolve entrypoint section", err)
	}
	ctx.entrypointAddressVirtual = programVirtual + ctx.modules[entrySection.ModuleID].sectionOffset[entrySection.ID] + entrySym.Value

	if err := l.applyRelocations(ctx, dump, order); err != nil {
		l.releaseOnFailure(extent)
		return nil, err
	}

	metadataOffset := ctx.programSize
	metadataPhysical := programPhysical + metadataOffset
	full := append(dump, metadata...)
	if err := l.writeFrames(extent, full); err != nil {
		l.releaseOnFailure(extent)
		return nil, err
	}

	clone, err := l.cloneGOT()
	if err != nil {
		l.releaseOnFailure(extent)
		return nil, err
	}

	debug.Writef("linker.buildFresh", "module %d linked: program=0x%x size=%d metadata=0x%x", entryModuleID, programPhysical, ctx.programSize, metadataPhysical)

	return &BuiltModule{
		EntrypointSymbol:  entrySymbolID,
		ProgramPhysical:   programPhysical,
		ProgramSize:       ctx.programSize,
		MetadataPhysical:  metadataPhysical,
		MetadataSize:      ctx.metadataSize,
		EntrypointAddress: ctx.entrypointAddressVirtual,
		GOTPhysical:       clone.physical,
		GOTSize:           clone.size,
	}, nil
}

func (l *Linker) releaseOnFailure(extent pmm.Extent) {
	// spec.md §4.4 failure semantics: any step failing releases the partial
	// dump frame back to C2 before returning.
	if err := l.frames.Release(extent); err != nil {
		debug.Writef("linker.releaseOnFailure", "release of partial build frame 0x%x failed: %v", extent.Start, err)
	}
}

// traverse depth-first walks modules reachable through relocations starting
// at rootModuleID, assigning GOT slots to every symbol referenced by a
// relocation whose kind needs one, per spec.md §4.4 step 3.
func (l *Linker) traverse(ctx *buildContext, rootModuleID ModuleID) error {
	visited := make(map[ModuleID]bool)
	var walk func(id ModuleID) error
	walk = func(id ModuleID) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		mod, err := l.store.Module(id)
		if err != nil {
			return kerr.Wrap(kerr.KindCorruptData, "linker: traverse: module lookup", err)
		}
		ctx.modules[id] = &resolvedModule{module: mod, sectionOffset: make(map[SectionID]uint64)}

		for _, secID := range mod.Sections {
			relocs, err := l.store.RelocationsForSection(secID)
			if err != nil {
				return kerr.Wrap(kerr.KindCorruptData, "linker: traverse: relocations lookup", err)
			}
			for _, r := range relocs {
				targetSym, err := l.store.Symbol(r.SymbolID)
				if err != nil {
					return kerr.Wrap(kerr.KindCorruptData, "linker: traverse: symbol lookup", err)
				}
				targetSec, err := l.store.Section(targetSym.SectionID)
				if err != nil {
					return kerr.Wrap(kerr.KindCorruptData, "linker: traverse: target section lookup", err)
				}

				if r.Kind.needsGOTSlot() {
					l.assignGOTSlot(r.SymbolID)
				}

				if err := walk(targetSec.ModuleID); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(rootModuleID); err != nil {
		return err
	}

	for sym, idx := range l.gotSymbolIndex {
		ctx.gotSymbolIndex[sym] = idx
	}
	return nil
}

// assignGOTSlot grows the per-kernel master GOT if symID has not already
// been assigned a slot.
func (l *Linker) assignGOTSlot(symID SymbolID) uint32 {
	if idx, ok := l.gotSymbolIndex[symID]; ok {
		return idx
	}
	idx := uint32(len(l.masterGOT))
	l.masterGOT = append(l.masterGOT, 0)
	l.gotSymbolIndex[symID] = idx
	return idx
}

// layout lays out sections in a deterministic order (module id, then
// section id, both ascending) and records each section's offset within the
// eventual dump buffer, accumulating ctx.programSize as it goes.
func (l *Linker) layout(ctx *buildContext) []ModuleID {
	order := make([]ModuleID, 0, len(ctx.modules))
	for id := range ctx.modules {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var offset uint64
	for _, modID := range order {
		rm := ctx.modules[modID]
		secIDs := append([]SectionID(nil), rm.module.Sections...)
		sort.Slice(secIDs, func(i, j int) bool { return secIDs[i] < secIDs[j] })
		for _, secID := range secIDs {
			sec, err := l.store.Section(secID)
			if err != nil {
				continue // already validated during traverse; defensive only
			}
			align := sec.Align
			if align == 0 {
				align = 1
			}
			offset = alignUp(offset, align)
			rm.sectionOffset[secID] = offset
			offset += uint64(len(sec.Data))
		}
	}
	ctx.programSize = offset
	return order
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func framesFor(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	return (size + pmm.FrameSize - 1) / pmm.FrameSize
}

// applyRelocations walks every relocation in every loaded section, applying
// each kind's fixup in place in dump, per spec.md §4.4 step 7.
func (l *Linker) applyRelocations(ctx *buildContext, dump []byte, order []ModuleID) error {
	for _, modID := range order {
		rm := ctx.modules[modID]
		for _, secID := range rm.module.Sections {
			relocs, err := l.store.RelocationsForSection(secID)
			if err != nil {
				return kerr.Wrap(kerr.KindCorruptData, "linker: applyRelocations: relocations lookup", err)
			}
			siteBase := ctx.programStartVirtual + rm.sectionOffset[secID]

			for _, r := range relocs {
				if err := l.applyOne(ctx, dump, rm.sectionOffset[secID], siteBase, r); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *Linker) applyOne(ctx *buildContext, dump []byte, sectionDumpOffset, siteBase uint64, r Relocation) error {
	targetSym, err := l.store.Symbol(r.SymbolID)
	if err != nil {
		return kerr.Wrap(kerr.KindCorruptData, "linker: applyOne: symbol lookup", err)
	}
	targetSec, err := l.store.Section(targetSym.SectionID)
	if err != nil {
		return kerr.Wrap(kerr.KindCorruptData, "linker: applyOne: section lookup", err)
	}
	targetModule, ok := ctx.modules[targetSec.ModuleID]
	if !ok {
		return kerr.New(kerr.KindProtocolViolation, "linker: applyOne: relocation targets an unreached module")
	}
	symbolAddress := ctx.programStartVirtual + targetModule.sectionOffset[targetSec.ID] + targetSym.Value

	siteOffset := sectionDumpOffset + r.Offset
	pc := siteBase + r.Offset

	switch r.Kind {
	case ABS64:
		binary.LittleEndian.PutUint64(dump[siteOffset:siteOffset+8], uint64(int64(symbolAddress)+r.Addend))
	case PC32:
		value := int32(int64(symbolAddress) + r.Addend - int64(pc))
		binary.LittleEndian.PutUint32(dump[siteOffset:siteOffset+4], uint32(value))
	case GOTPC32, GOT64, PLT32:
		slot, ok := ctx.gotSymbolIndex[r.SymbolID]
		if !ok {
			return kerr.New(kerr.KindProtocolViolation, "linker: applyOne: GOT-kind relocation without an assigned slot")
		}
		l.masterGOT[slot] = uint64(int64(symbolAddress) + r.Addend)
		gotAddress := l.masterGOTAddress() + uint64(slot)*gotEntrySize
		switch r.Kind {
		case GOT64:
			binary.LittleEndian.PutUint64(dump[siteOffset:siteOffset+8], gotAddress)
		case GOTPC32, PLT32:
			value := int32(int64(gotAddress) - int64(pc))
			binary.LittleEndian.PutUint32(dump[siteOffset:siteOffset+4], uint32(value))
		}
	default:
		return kerr.New(kerr.KindUnsupported, "linker: applyOne: unknown relocation kind "+r.Kind.String())
	}
	return nil
}

// masterGOTAddress is where the long-lived kernel GOT would be mapped; a
// full paging model is out of scope (SPEC_FULL.md note), so it is treated
// as identity-mapped at a fixed reserved virtual base.
func (l *Linker) masterGOTAddress() uint64 {
	const kernelGOTBase = 0xFFFF_8000_0000_0000
	return kernelGOTBase
}

type gotClone struct {
	physical uint64
	size     uint64
}

// cloneGOT copies the master GOT into a fresh run of physical frames, per
// spec.md §4.4's GOT cloning rule: later builds growing the master GOT must
// never move a slot out from under a running guest.
func (l *Linker) cloneGOT() (gotClone, error) {
	l.masterGOT[1] = l.masterGOTAddress()

	buf := make([]byte, len(l.masterGOT)*gotEntrySize)
	for i, v := range l.masterGOT {
		binary.LittleEndian.PutUint64(buf[i*gotEntrySize:(i+1)*gotEntrySize], v)
	}

	frameCount := framesFor(uint64(len(buf)))
	extent, err := l.frames.AllocateByCount(frameCount, pmm.Block)
	if err != nil {
		return gotClone{}, kerr.Wrap(kerr.KindOutOfMemory, "linker: cloneGOT: allocate frames", err)
	}
	if err := l.writeFrames(extent, buf); err != nil {
		l.releaseOnFailure(extent)
		return gotClone{}, err
	}
	return gotClone{physical: extent.Start, size: uint64(len(buf))}, nil
}

// writeFrames copies data into the backing storage for extent. The
// allocator owns the physical-to-host mapping (a scratch-window-equivalent
// slice of its mmap'd arena); callers never see raw pointers.
func (l *Linker) writeFrames(extent pmm.Extent, data []byte) error {
	return l.frames.WriteAt(extent, data)
}

// buildMetadata packs the per-build header the spec's record interface
// reads back when a loaded module's entrypoint is invoked: module count,
// entrypoint virtual address, and the ordered module id list. Encoded with
// encoding/binary.LittleEndian, matching the rest of the tree's wire
// encoding.
func (l *Linker) buildMetadata(ctx *buildContext, order []ModuleID) []byte {
	buf := make([]byte, 16+8*len(order))
	binary.LittleEndian.PutUint64(buf[0:8], ctx.entrypointAddressVirtual)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(order)))
	for i, id := range order {
		binary.LittleEndian.PutUint64(buf[16+8*i:16+8*(i+1)], uint64(id))
	}
	return buf
}
