package tosdb

import (
	"sync"

	"github.com/turnstone-os/kernel/internal/list"
)

// rowID identifies a record within a table's memtable/SSTable space.
type rowID uint64

// indexSlot is one entry in a column's ordered index: the key hash a
// SetData call computed, and the row it names. Entries are kept sorted by
// (KeyHash, Row) so Memtable.Search can stop scanning once it has passed a
// hash's run.
type indexSlot struct {
	KeyHash uint64
	Row     rowID
}

func indexSlotCompare(a, b indexSlot) int {
	switch {
	case a.KeyHash < b.KeyHash:
		return -1
	case a.KeyHash > b.KeyHash:
		return 1
	case a.Row < b.Row:
		return -1
	case a.Row > b.Row:
		return 1
	default:
		return 0
	}
}

// Memtable holds a table's not-yet-flushed writes: point gets resolve here
// first (spec.md §4.6, "get consults the memtable then the SSTable
// layer"), upserts and deletes write through here, and per-indexed-column
// lookups use the ordered index built alongside each record's key_entry.
type Memtable struct {
	mu sync.Mutex

	rows    map[rowID]*Record
	nextRow rowID
	indexes map[ColumnID]*list.List[indexSlot]
	dirty   bool
}

func newMemtable() *Memtable {
	return &Memtable{
		rows:    make(map[rowID]*Record),
		indexes: make(map[ColumnID]*list.List[indexSlot]),
	}
}

func (m *Memtable) indexFor(col ColumnID) *list.List[indexSlot] {
	idx, ok := m.indexes[col]
	if !ok {
		idx = list.New(indexSlotCompare)
		m.indexes[col] = idx
	}
	return idx
}

// Upsert writes rec through the memtable, assigning it a fresh row on first
// write and replacing the prior version (and its index entries) on later
// writes to the same row.
func (m *Memtable) Upsert(rec *Record) rowID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.row == 0 {
		m.nextRow++
		rec.row = m.nextRow
	} else if old, ok := m.rows[rec.row]; ok {
		m.unindexLocked(old)
	}

	// Store a snapshot: later SetData calls on rec must not rewrite the
	// stored version's keys before the next Upsert unindexes them.
	stored := &Record{table: rec.table, row: rec.row, order: append([]ColumnID(nil), rec.order...),
		cols: make(map[ColumnID]Value, len(rec.cols)), keys: make(map[ColumnID]KeyEntry, len(rec.keys))}
	for id, v := range rec.cols {
		stored.cols[id] = v
	}
	for id, k := range rec.keys {
		stored.keys[id] = k
	}
	m.rows[rec.row] = stored
	for col, key := range rec.keys {
		m.indexFor(col).InsertAt(list.Sorted, indexSlot{KeyHash: key.KeyHash, Row: rec.row})
	}
	m.dirty = true
	return rec.row
}

func (m *Memtable) unindexLocked(rec *Record) {
	for col, key := range rec.keys {
		idx, ok := m.indexes[col]
		if !ok {
			continue
		}
		idx.Delete(indexSlot{KeyHash: key.KeyHash, Row: rec.row})
	}
}

// Delete removes row and its index entries, reporting whether it existed.
func (m *Memtable) Delete(row rowID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[row]
	if !ok {
		return false
	}
	m.unindexLocked(rec)
	delete(m.rows, row)
	m.dirty = true
	return true
}

// Get returns the record stored for row, if present in this memtable.
func (m *Memtable) Get(row rowID) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[row]
	return rec, ok
}

// Search returns every row whose indexed column col carries keyHash,
// scanning the column's ordered index and stopping once it passes the
// matching run (entries are sorted by KeyHash).
func (m *Memtable) Search(col ColumnID, keyHash uint64) []rowID {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[col]
	if !ok {
		return nil
	}
	var out []rowID
	it := idx.Iterator()
	for {
		slot, ok := it.Next()
		if !ok {
			break
		}
		if slot.KeyHash < keyHash {
			continue
		}
		if slot.KeyHash > keyHash {
			break
		}
		out = append(out, slot.Row)
	}
	return out
}

// Rows returns every row currently held, for Table.Close's flush pass.
func (m *Memtable) Rows() map[rowID]*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[rowID]*Record, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out
}
