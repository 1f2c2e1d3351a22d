package tosdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/turnstone-os/kernel/internal/debug"
	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/pmm"
)

// blockType names one of the four metadata kinds a table persists, per
// spec.md §6's on-disk block chains.
type blockType uint32

const (
	blockTable blockType = iota + 1
	blockColumnList
	blockIndexList
	blockSSTableList
)

// blockHeader is spec.md §6's on-disk block header:
// {block_type, block_size, previous_block_location, previous_block_size,
// previous_block_invalid}. Readers walk backward until previous_block_invalid
// is set or the pointer is zero.
type blockHeader struct {
	BlockType             blockType
	BlockSize             uint32
	PreviousBlockLocation uint64
	PreviousBlockSize     uint32
	PreviousBlockInvalid  bool
}

const blockHeaderSize = 21

func (h blockHeader) encode() []byte {
	buf := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.BlockType))
	binary.LittleEndian.PutUint32(buf[4:8], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.PreviousBlockLocation)
	binary.LittleEndian.PutUint32(buf[16:20], h.PreviousBlockSize)
	if h.PreviousBlockInvalid {
		buf[20] = 1
	}
	return buf
}

func decodeBlockHeader(data []byte) (blockHeader, error) {
	if len(data) < blockHeaderSize {
		return blockHeader{}, kerr.New(kerr.KindCorruptData, "tosdb: short block header")
	}
	return blockHeader{
		BlockType:             blockType(binary.LittleEndian.Uint32(data[0:4])),
		BlockSize:             binary.LittleEndian.Uint32(data[4:8]),
		PreviousBlockLocation: binary.LittleEndian.Uint64(data[8:16]),
		PreviousBlockSize:     binary.LittleEndian.Uint32(data[16:20]),
		PreviousBlockInvalid:  data[20] != 0,
	}, nil
}

// blockLink records where a chain's current head block lives, so Close can
// persist a new block linked back to it.
type blockLink struct {
	Location uint64
	Size     uint32
	Valid    bool // false for a chain that has never been persisted
}

// Table is an open TOSDB table: its column/index schema, its memtable, and
// its (lazily loaded) SSTable run list.
type Table struct {
	frames *pmm.Allocator
	Name   string

	columns       map[ColumnID]ColumnDef
	columnsByName map[string]ColumnID
	nextColumnID  ColumnID

	memtable *Memtable
	sstables *SSTableList

	tableBlock, columnListBlock, indexListBlock, sstableListBlock blockLink

	dirtySchema bool // columns or their indexed-ness changed since the last Close
}

// NewTable returns a brand-new, never-persisted table.
func NewTable(frames *pmm.Allocator, name string) *Table {
	return &Table{
		frames:        frames,
		Name:          name,
		columns:       make(map[ColumnID]ColumnDef),
		columnsByName: make(map[string]ColumnID),
		memtable:      newMemtable(),
		sstables:      newSSTableList(frames),
	}
}

func (t *Table) columnByName(name string) (ColumnDef, bool) {
	id, ok := t.columnsByName[name]
	if !ok {
		return ColumnDef{}, false
	}
	return t.columns[id], true
}

// AddColumn registers a new column, returning its id.
func (t *Table) AddColumn(name string, typ DataType, indexed bool) (ColumnID, error) {
	if _, exists := t.columnsByName[name]; exists {
		return 0, kerr.New(kerr.KindInvalidArgument, fmt.Sprintf("tosdb: column %q already exists", name))
	}
	t.nextColumnID++
	id := t.nextColumnID
	t.columns[id] = ColumnDef{ID: id, Name: name, Type: typ, Indexed: indexed}
	t.columnsByName[name] = id
	t.dirtySchema = true
	return id, nil
}

// Upsert writes through the memtable, per spec.md §4.6.
func (t *Table) Upsert(rec *Record) error {
	if rec.table != t {
		return kerr.New(kerr.KindInvalidArgument, "tosdb: record belongs to a different table")
	}
	t.memtable.Upsert(rec)
	return nil
}

// Delete removes rec's row from the memtable.
func (t *Table) Delete(rec *Record) error {
	if rec.table != t {
		return kerr.New(kerr.KindInvalidArgument, "tosdb: record belongs to a different table")
	}
	if rec.row == 0 {
		return kerr.New(kerr.KindNotFound, "tosdb: delete of an unwritten record")
	}
	if !t.memtable.Delete(rec.row) {
		return kerr.New(kerr.KindNotFound, "tosdb: row not present")
	}
	return nil
}

// getRow consults the memtable then the SSTable layer, per spec.md §4.6.
func (t *Table) getRow(row rowID) (*Record, bool, error) {
	if rec, ok := t.memtable.Get(row); ok {
		return rec, true, nil
	}
	return t.sstables.Get(t, row)
}

// Get looks a single record up by an indexed column's equality value,
// returning the first match. Real get_record takes a caller-populated
// record with the indexed column already set; this mirrors that by taking
// the column name and an already-packed Value.
func (t *Table) Get(colName string, v Value) (*Record, bool, error) {
	col, ok := t.columnByName(colName)
	if !ok {
		return nil, false, kerr.New(kerr.KindNotFound, fmt.Sprintf("tosdb: unknown column %q", colName))
	}
	if !col.Indexed {
		return nil, false, kerr.New(kerr.KindInvalidArgument, fmt.Sprintf("tosdb: column %q is not indexed", colName))
	}
	key := keyEntryFor(col.Type, v)

	rows := t.memtable.Search(col.ID, key.KeyHash)
	if len(rows) == 0 {
		sstRows, err := t.sstables.Search(t, col.ID, key.KeyHash)
		if err != nil {
			return nil, false, err
		}
		rows = sstRows
	}
	for _, row := range rows {
		rec, ok, err := t.getRow(row)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// GetByString is a typed convenience wrapper over Get for a TypeString
// indexed column.
func (t *Table) GetByString(colName, key string) (*Record, bool, error) {
	return t.Get(colName, Value{Type: TypeString, Bytes: []byte(key)})
}

// GetByInt64 is a typed convenience wrapper over Get for a fixed-width
// indexed column.
func (t *Table) GetByInt64(colName string, key int64) (*Record, bool, error) {
	return t.Get(colName, Value{Type: TypeInt64, Int64: key})
}

// GetByUint64 is a typed convenience wrapper over Get for a TypeUint64
// indexed column.
func (t *Table) GetByUint64(colName string, key uint64) (*Record, bool, error) {
	return t.Get(colName, Value{Type: TypeUint64, Int64: int64(key)})
}

// Search collects matching index keys from both the memtable and the
// SSTable layer, de-duplicates via a sorted set, and materializes full
// records by re-issuing point gets, per spec.md §4.6.
func (t *Table) Search(colName string, v Value) ([]*Record, error) {
	col, ok := t.columnByName(colName)
	if !ok {
		return nil, kerr.New(kerr.KindNotFound, fmt.Sprintf("tosdb: unknown column %q", colName))
	}
	if !col.Indexed {
		return nil, kerr.New(kerr.KindInvalidArgument, fmt.Sprintf("tosdb: column %q is not indexed", colName))
	}
	key := keyEntryFor(col.Type, v)

	seen := make(map[rowID]struct{})
	for _, row := range t.memtable.Search(col.ID, key.KeyHash) {
		seen[row] = struct{}{}
	}
	sstRows, err := t.sstables.Search(t, col.ID, key.KeyHash)
	if err != nil {
		return nil, err
	}
	for _, row := range sstRows {
		seen[row] = struct{}{}
	}

	sorted := make([]rowID, 0, len(seen))
	for row := range seen {
		sorted = append(sorted, row)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]*Record, 0, len(seen))
	for _, row := range sorted {
		rec, ok, err := t.getRow(row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *Table) writeBlock(typ blockType, body []byte, prev blockLink) (blockLink, error) {
	hdr := blockHeader{
		BlockType:             typ,
		BlockSize:             uint32(blockHeaderSize + len(body)),
		PreviousBlockLocation: prev.Location,
		PreviousBlockSize:     prev.Size,
		PreviousBlockInvalid:  !prev.Valid,
	}
	data := append(hdr.encode(), body...)
	frameCount := (uint64(len(data)) + pmm.FrameSize - 1) / pmm.FrameSize
	extent, err := t.frames.AllocateByCount(frameCount, pmm.Block)
	if err != nil {
		return blockLink{}, kerr.Wrap(kerr.KindOutOfMemory, "tosdb: persist block", err)
	}
	if err := t.frames.WriteAt(extent, data); err != nil {
		return blockLink{}, kerr.Wrap(kerr.KindInvalidArgument, "tosdb: persist block", err)
	}
	return blockLink{Location: extent.Start, Size: uint32(len(data)), Valid: true}, nil
}

func (t *Table) readBlock(link blockLink) (blockHeader, []byte, error) {
	raw, err := t.frames.ReadAt(link.Location, int(link.Size))
	if err != nil {
		return blockHeader{}, nil, kerr.Wrap(kerr.KindInvalidArgument, "tosdb: read block", err)
	}
	hdr, err := decodeBlockHeader(raw)
	if err != nil {
		return blockHeader{}, nil, err
	}
	return hdr, raw[blockHeaderSize:], nil
}

func encodeColumnList(cols map[ColumnID]ColumnDef) []byte {
	var buf bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(cols)))
	buf.Write(count[:])
	for _, c := range cols {
		var hdr [14]byte
		binary.LittleEndian.PutUint64(hdr[0:8], uint64(c.ID))
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(c.Type))
		binary.LittleEndian.PutUint16(hdr[12:14], uint16(len(c.Name)))
		buf.Write(hdr[:])
		buf.WriteString(c.Name)
	}
	return buf.Bytes()
}

func decodeColumnList(data []byte, into map[ColumnID]ColumnDef, seen map[ColumnID]bool) error {
	if len(data) < 4 {
		return kerr.New(kerr.KindCorruptData, "tosdb: column list: short body")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+14 > len(data) {
			return kerr.New(kerr.KindCorruptData, "tosdb: column list: truncated entry")
		}
		id := ColumnID(binary.LittleEndian.Uint64(data[off : off+8]))
		typ := DataType(binary.LittleEndian.Uint32(data[off+8 : off+12]))
		nameLen := binary.LittleEndian.Uint16(data[off+12 : off+14])
		off += 14
		if off+int(nameLen) > len(data) {
			return kerr.New(kerr.KindCorruptData, "tosdb: column list: truncated name")
		}
		name := string(data[off : off+int(nameLen)])
		off += int(nameLen)

		if seen[id] {
			continue // an older block in the chain; the newest definition already won
		}
		seen[id] = true
		into[id] = ColumnDef{ID: id, Name: name, Type: typ}
	}
	return nil
}

func encodeIndexList(cols map[ColumnID]ColumnDef) []byte {
	var buf bytes.Buffer
	var count [4]byte
	n := uint32(0)
	for _, c := range cols {
		if c.Indexed {
			n++
		}
	}
	binary.LittleEndian.PutUint32(count[:], n)
	buf.Write(count[:])
	for _, c := range cols {
		if !c.Indexed {
			continue
		}
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], uint64(c.ID))
		buf.Write(id[:])
	}
	return buf.Bytes()
}

func decodeIndexList(data []byte, into map[ColumnID]bool, seen map[ColumnID]bool) error {
	if len(data) < 4 {
		return kerr.New(kerr.KindCorruptData, "tosdb: index list: short body")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+8 > len(data) {
			return kerr.New(kerr.KindCorruptData, "tosdb: index list: truncated entry")
		}
		id := ColumnID(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
		if seen[id] {
			continue
		}
		seen[id] = true
		into[id] = true
	}
	return nil
}

func encodeSSTableList(refs []sstableRef) []byte {
	var buf bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(refs)))
	buf.Write(count[:])
	for _, r := range refs {
		var entry [20]byte
		binary.LittleEndian.PutUint64(entry[0:8], r.Location)
		binary.LittleEndian.PutUint64(entry[8:16], r.FrameCount)
		binary.LittleEndian.PutUint32(entry[16:20], r.RowCount)
		buf.Write(entry[:])
	}
	return buf.Bytes()
}

func decodeSSTableList(data []byte) ([]sstableRef, error) {
	if len(data) < 4 {
		return nil, kerr.New(kerr.KindCorruptData, "tosdb: sstable list: short body")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	refs := make([]sstableRef, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+20 > len(data) {
			return nil, kerr.New(kerr.KindCorruptData, "tosdb: sstable list: truncated entry")
		}
		refs = append(refs, sstableRef{
			Location:   binary.LittleEndian.Uint64(data[off : off+8]),
			FrameCount: binary.LittleEndian.Uint64(data[off+8 : off+16]),
			RowCount:   binary.LittleEndian.Uint32(data[off+16 : off+20]),
		})
		off += 20
	}
	return refs, nil
}

type tableBlockBody struct {
	Name        string
	ColumnList  blockLink
	IndexList   blockLink
	SSTableList blockLink
}

func encodeTableBlock(b tableBlockBody) []byte {
	var buf bytes.Buffer
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(b.Name)))
	buf.Write(nameLen[:])
	buf.WriteString(b.Name)

	writeLink := func(l blockLink) {
		var e [13]byte
		binary.LittleEndian.PutUint64(e[0:8], l.Location)
		binary.LittleEndian.PutUint32(e[8:12], l.Size)
		if l.Valid {
			e[12] = 1
		}
		buf.Write(e[:])
	}
	writeLink(b.ColumnList)
	writeLink(b.IndexList)
	writeLink(b.SSTableList)
	return buf.Bytes()
}

func decodeTableBlock(data []byte) (tableBlockBody, error) {
	if len(data) < 2 {
		return tableBlockBody{}, kerr.New(kerr.KindCorruptData, "tosdb: table block: short body")
	}
	nameLen := binary.LittleEndian.Uint16(data[0:2])
	off := 2
	if off+int(nameLen) > len(data) {
		return tableBlockBody{}, kerr.New(kerr.KindCorruptData, "tosdb: table block: truncated name")
	}
	name := string(data[off : off+int(nameLen)])
	off += int(nameLen)

	readLink := func() (blockLink, error) {
		if off+13 > len(data) {
			return blockLink{}, kerr.New(kerr.KindCorruptData, "tosdb: table block: truncated link")
		}
		l := blockLink{
			Location: binary.LittleEndian.Uint64(data[off : off+8]),
			Size:     binary.LittleEndian.Uint32(data[off+8 : off+12]),
			Valid:    data[off+12] != 0,
		}
		off += 13
		return l, nil
	}

	colList, err := readLink()
	if err != nil {
		return tableBlockBody{}, err
	}
	idxList, err := readLink()
	if err != nil {
		return tableBlockBody{}, err
	}
	sstList, err := readLink()
	if err != nil {
		return tableBlockBody{}, err
	}
	return tableBlockBody{Name: name, ColumnList: colList, IndexList: idxList, SSTableList: sstList}, nil
}

// OpenTable reads the on-disk table block at tableBlockLocation/Size, then
// its column-list and index-list chains (each walked backward via
// previous_block_location, duplicates ignored by id so the newest
// definition wins), and loads the SSTable run list lazily (metadata only;
// row payloads are read on demand).
func OpenTable(frames *pmm.Allocator, tableBlockLocation uint64, tableBlockSize uint32) (*Table, error) {
	t := &Table{
		frames:        frames,
		columns:       make(map[ColumnID]ColumnDef),
		columnsByName: make(map[string]ColumnID),
		memtable:      newMemtable(),
		sstables:      newSSTableList(frames),
	}
	tableLink := blockLink{Location: tableBlockLocation, Size: tableBlockSize, Valid: true}

	hdr, body, err := t.readBlock(tableLink)
	if err != nil {
		return nil, err
	}
	if hdr.BlockType != blockTable {
		return nil, kerr.New(kerr.KindCorruptData, "tosdb: table block has the wrong block type")
	}
	tb, err := decodeTableBlock(body)
	if err != nil {
		return nil, err
	}
	t.Name = tb.Name
	t.tableBlock = tableLink
	t.columnListBlock = tb.ColumnList
	t.indexListBlock = tb.IndexList
	t.sstableListBlock = tb.SSTableList

	seenCols := make(map[ColumnID]bool)
	link := tb.ColumnList
	for link.Valid {
		h, b, err := t.readBlock(link)
		if err != nil {
			return nil, err
		}
		if err := decodeColumnList(b, t.columns, seenCols); err != nil {
			return nil, err
		}
		if h.PreviousBlockInvalid || h.PreviousBlockLocation == 0 {
			break
		}
		link = blockLink{Location: h.PreviousBlockLocation, Size: h.PreviousBlockSize, Valid: true}
	}
	for id, c := range t.columns {
		t.columnsByName[c.Name] = id
		if id > t.nextColumnID {
			t.nextColumnID = id
		}
	}

	indexed := make(map[ColumnID]bool)
	seenIdx := make(map[ColumnID]bool)
	link = tb.IndexList
	for link.Valid {
		h, b, err := t.readBlock(link)
		if err != nil {
			return nil, err
		}
		if err := decodeIndexList(b, indexed, seenIdx); err != nil {
			return nil, err
		}
		if h.PreviousBlockInvalid || h.PreviousBlockLocation == 0 {
			break
		}
		link = blockLink{Location: h.PreviousBlockLocation, Size: h.PreviousBlockSize, Valid: true}
	}
	for id := range indexed {
		if c, ok := t.columns[id]; ok {
			c.Indexed = true
			t.columns[id] = c
		}
	}

	if tb.SSTableList.Valid {
		_, b, err := t.readBlock(tb.SSTableList)
		if err != nil {
			return nil, err
		}
		refs, err := decodeSSTableList(b)
		if err != nil {
			return nil, err
		}
		t.sstables.refs = refs
	}

	return t, nil
}

// Close persists every dirty substructure: the column list, the index
// list, the memtable (flushed as a new SSTable run), and finally the table
// block itself, each new block linked to the chain's previous head so
// readers can always walk back to the full history.
func (t *Table) Close() (location uint64, size uint32, err error) {
	if t.dirtySchema {
		link, err := t.writeBlock(blockColumnList, encodeColumnList(t.columns), t.columnListBlock)
		if err != nil {
			return 0, 0, err
		}
		t.columnListBlock = link

		idxLink, err := t.writeBlock(blockIndexList, encodeIndexList(t.columns), t.indexListBlock)
		if err != nil {
			return 0, 0, err
		}
		t.indexListBlock = idxLink
		t.dirtySchema = false
	}

	if t.memtable.dirty {
		rows := t.memtable.Rows()
		if err := t.sstables.Flush(rows); err != nil {
			return 0, 0, err
		}
		sstLink, err := t.writeBlock(blockSSTableList, encodeSSTableList(t.sstables.refs), t.sstableListBlock)
		if err != nil {
			return 0, 0, err
		}
		t.sstableListBlock = sstLink
		t.memtable = newMemtable() // rows now live in the flushed run
	}

	body := encodeTableBlock(tableBlockBody{
		Name:        t.Name,
		ColumnList:  t.columnListBlock,
		IndexList:   t.indexListBlock,
		SSTableList: t.sstableListBlock,
	})
	link, err := t.writeBlock(blockTable, body, t.tableBlock)
	if err != nil {
		return 0, 0, err
	}
	t.tableBlock = link

	debug.Writef("tosdb.Close", "table %q persisted at 0x%x (%d bytes)", t.Name, link.Location, link.Size)
	return link.Location, link.Size, nil
}

// Free releases every in-memory structure whether the table is open, dirty,
// or neither, per spec.md §4.6.
func (t *Table) Free() {
	t.columns = make(map[ColumnID]ColumnDef)
	t.columnsByName = make(map[string]ColumnID)
	t.memtable = newMemtable()
	t.sstables = newSSTableList(t.frames)
}
