package tosdb

import (
	"encoding/binary"

	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/linker"
	"github.com/turnstone-os/kernel/internal/pmm"
)

// ModuleStore is a linker.Store backed by four real TOSDB tables (modules,
// sections, symbols, relocations): the dynamic linker reads modules out of
// TOSDB the way a traditional loader reads sections out of an ELF file.
type ModuleStore struct {
	modules     *Table
	sections    *Table
	symbols     *Table
	relocations *Table
}

var _ linker.Store = (*ModuleStore)(nil)

// NewModuleStore creates the four backing tables fresh (brand-new,
// unpersisted); a deployment that needs durability calls Close on each
// table and reopens them with OpenTable on the next boot.
func NewModuleStore(frames *pmm.Allocator) (*ModuleStore, error) {
	s := &ModuleStore{
		modules:     NewTable(frames, "tosdb.modules"),
		sections:    NewTable(frames, "tosdb.sections"),
		symbols:     NewTable(frames, "tosdb.symbols"),
		relocations: NewTable(frames, "tosdb.relocations"),
	}

	type colSpec struct {
		name    string
		typ     DataType
		indexed bool
	}
	add := func(t *Table, specs []colSpec) error {
		for _, c := range specs {
			if _, err := t.AddColumn(c.name, c.typ, c.indexed); err != nil {
				return err
			}
		}
		return nil
	}

	if err := add(s.modules, []colSpec{
		{"id", TypeUint64, true},
		{"name", TypeString, false},
		{"sections", TypeBytes, false},
	}); err != nil {
		return nil, err
	}
	if err := add(s.sections, []colSpec{
		{"id", TypeUint64, true},
		{"module_id", TypeUint64, false},
		{"name", TypeString, false},
		{"data", TypeBytes, false},
		{"align", TypeUint64, false},
	}); err != nil {
		return nil, err
	}
	if err := add(s.symbols, []colSpec{
		{"id", TypeUint64, true},
		{"name", TypeString, true},
		{"section_id", TypeUint64, false},
		{"value", TypeUint64, false},
	}); err != nil {
		return nil, err
	}
	if err := add(s.relocations, []colSpec{
		{"section_id", TypeUint64, true},
		{"offset", TypeUint64, false},
		{"symbol_id", TypeUint64, false},
		{"addend", TypeInt64, false},
		{"kind", TypeUint64, false},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func encodeSectionIDs(ids []linker.SectionID) []byte {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], uint64(id))
	}
	return buf
}

func decodeSectionIDs(data []byte) []linker.SectionID {
	out := make([]linker.SectionID, len(data)/8)
	for i := range out {
		out[i] = linker.SectionID(binary.LittleEndian.Uint64(data[i*8 : i*8+8]))
	}
	return out
}

// AddModule inserts a module record as a new row, indexed by its id; a
// second call with the same id adds another row rather than replacing it.
func (s *ModuleStore) AddModule(m linker.Module) error {
	rec := s.modules.NewRecord()
	if err := rec.SetUint64("id", uint64(m.ID)); err != nil {
		return err
	}
	if err := rec.SetString("name", m.Name); err != nil {
		return err
	}
	if err := rec.SetBytes("sections", encodeSectionIDs(m.Sections)); err != nil {
		return err
	}
	return s.modules.Upsert(rec)
}

// AddSection inserts a section record as a new row, indexed by its id.
func (s *ModuleStore) AddSection(sec linker.Section) error {
	rec := s.sections.NewRecord()
	if err := rec.SetUint64("id", uint64(sec.ID)); err != nil {
		return err
	}
	if err := rec.SetUint64("module_id", uint64(sec.ModuleID)); err != nil {
		return err
	}
	if err := rec.SetString("name", sec.Name); err != nil {
		return err
	}
	if err := rec.SetBytes("data", sec.Data); err != nil {
		return err
	}
	if err := rec.SetUint64("align", sec.Align); err != nil {
		return err
	}
	return s.sections.Upsert(rec)
}

// AddSymbol inserts a symbol record as a new row, indexed by its id (and
// by name for SymbolByName).
func (s *ModuleStore) AddSymbol(sym linker.Symbol) error {
	rec := s.symbols.NewRecord()
	if err := rec.SetUint64("id", uint64(sym.ID)); err != nil {
		return err
	}
	if err := rec.SetString("name", sym.Name); err != nil {
		return err
	}
	if err := rec.SetUint64("section_id", uint64(sym.SectionID)); err != nil {
		return err
	}
	if err := rec.SetUint64("value", sym.Value); err != nil {
		return err
	}
	return s.symbols.Upsert(rec)
}

// AddRelocation appends a relocation record against its owning section.
// Relocations have no identity of their own; like the other Add methods,
// each call inserts a new row.
func (s *ModuleStore) AddRelocation(r linker.Relocation) error {
	rec := s.relocations.NewRecord()
	if err := rec.SetUint64("section_id", uint64(r.SectionID)); err != nil {
		return err
	}
	if err := rec.SetUint64("offset", r.Offset); err != nil {
		return err
	}
	if err := rec.SetUint64("symbol_id", uint64(r.SymbolID)); err != nil {
		return err
	}
	if err := rec.SetInt64("addend", r.Addend); err != nil {
		return err
	}
	if err := rec.SetUint64("kind", uint64(r.Kind)); err != nil {
		return err
	}
	return s.relocations.Upsert(rec)
}

func moduleFromRecord(rec *Record) (linker.Module, error) {
	id, _, err := rec.GetInt64("id")
	if err != nil {
		return linker.Module{}, err
	}
	name, _, err := rec.GetString("name")
	if err != nil {
		return linker.Module{}, err
	}
	v, ok, err := rec.Get("sections")
	if err != nil {
		return linker.Module{}, err
	}
	var sections []linker.SectionID
	if ok {
		sections = decodeSectionIDs(v.Bytes)
	}
	return linker.Module{ID: linker.ModuleID(uint64(id)), Name: name, Sections: sections}, nil
}

func sectionFromRecord(rec *Record) (linker.Section, error) {
	id, _, err := rec.GetInt64("id")
	if err != nil {
		return linker.Section{}, err
	}
	moduleID, _, err := rec.GetInt64("module_id")
	if err != nil {
		return linker.Section{}, err
	}
	name, _, err := rec.GetString("name")
	if err != nil {
		return linker.Section{}, err
	}
	data, _, err := rec.Get("data")
	if err != nil {
		return linker.Section{}, err
	}
	align, _, err := rec.GetInt64("align")
	if err != nil {
		return linker.Section{}, err
	}
	return linker.Section{
		ID:       linker.SectionID(uint64(id)),
		ModuleID: linker.ModuleID(uint64(moduleID)),
		Name:     name,
		Data:     append([]byte(nil), data.Bytes...),
		Align:    uint64(align),
	}, nil
}

func symbolFromRecord(rec *Record) (linker.Symbol, error) {
	id, _, err := rec.GetInt64("id")
	if err != nil {
		return linker.Symbol{}, err
	}
	name, _, err := rec.GetString("name")
	if err != nil {
		return linker.Symbol{}, err
	}
	sectionID, _, err := rec.GetInt64("section_id")
	if err != nil {
		return linker.Symbol{}, err
	}
	value, _, err := rec.GetInt64("value")
	if err != nil {
		return linker.Symbol{}, err
	}
	return linker.Symbol{
		ID:        linker.SymbolID(uint64(id)),
		Name:      name,
		SectionID: linker.SectionID(uint64(sectionID)),
		Value:     uint64(value),
	}, nil
}

func relocationFromRecord(rec *Record) (linker.Relocation, error) {
	sectionID, _, err := rec.GetInt64("section_id")
	if err != nil {
		return linker.Relocation{}, err
	}
	offset, _, err := rec.GetInt64("offset")
	if err != nil {
		return linker.Relocation{}, err
	}
	symbolID, _, err := rec.GetInt64("symbol_id")
	if err != nil {
		return linker.Relocation{}, err
	}
	addend, _, err := rec.GetInt64("addend")
	if err != nil {
		return linker.Relocation{}, err
	}
	kind, _, err := rec.GetInt64("kind")
	if err != nil {
		return linker.Relocation{}, err
	}
	return linker.Relocation{
		SectionID: linker.SectionID(uint64(sectionID)),
		Offset:    uint64(offset),
		SymbolID:  linker.SymbolID(uint64(symbolID)),
		Addend:    addend,
		Kind:      linker.Kind(kind),
	}, nil
}

// SymbolByName implements linker.Store.
func (s *ModuleStore) SymbolByName(name string) (linker.Symbol, bool, error) {
	rec, ok, err := s.symbols.GetByString("name", name)
	if err != nil || !ok {
		return linker.Symbol{}, ok, err
	}
	sym, err := symbolFromRecord(rec)
	return sym, true, err
}

// Symbol implements linker.Store.
func (s *ModuleStore) Symbol(id linker.SymbolID) (linker.Symbol, error) {
	rec, ok, err := s.symbols.GetByUint64("id", uint64(id))
	if err != nil {
		return linker.Symbol{}, err
	}
	if !ok {
		return linker.Symbol{}, kerr.New(kerr.KindNotFound, "tosdb: unknown symbol id")
	}
	return symbolFromRecord(rec)
}

// Section implements linker.Store.
func (s *ModuleStore) Section(id linker.SectionID) (linker.Section, error) {
	rec, ok, err := s.sections.GetByUint64("id", uint64(id))
	if err != nil {
		return linker.Section{}, err
	}
	if !ok {
		return linker.Section{}, kerr.New(kerr.KindNotFound, "tosdb: unknown section id")
	}
	return sectionFromRecord(rec)
}

// Module implements linker.Store.
func (s *ModuleStore) Module(id linker.ModuleID) (linker.Module, error) {
	rec, ok, err := s.modules.GetByUint64("id", uint64(id))
	if err != nil {
		return linker.Module{}, err
	}
	if !ok {
		return linker.Module{}, kerr.New(kerr.KindNotFound, "tosdb: unknown module id")
	}
	return moduleFromRecord(rec)
}

// RelocationsForSection implements linker.Store.
func (s *ModuleStore) RelocationsForSection(id linker.SectionID) ([]linker.Relocation, error) {
	recs, err := s.relocations.Search("section_id", Value{Type: TypeUint64, Int64: int64(id)})
	if err != nil {
		return nil, err
	}
	out := make([]linker.Relocation, 0, len(recs))
	for _, rec := range recs {
		r, err := relocationFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
