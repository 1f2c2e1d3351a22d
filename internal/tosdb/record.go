package tosdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/turnstone-os/kernel/internal/kerr"
)

// Value is a record's typed column payload (data_t in spec.md §4.6): fixed
// types are packed into Int64 directly; variable-length types take a heap
// copy in Bytes.
type Value struct {
	Type  DataType
	Int64 int64
	Bytes []byte
}

// KeyEntry is the index key built for an indexed column: key_hash is
// xxhash64(bytes) for variable-length keys, or the raw integer for
// fixed-length keys, with Length zero in the fixed-length case.
type KeyEntry struct {
	KeyHash uint64
	Length  int
}

func packFixed(t DataType, value any) (int64, error) {
	switch t {
	case TypeInt64:
		v, ok := value.(int64)
		if !ok {
			return 0, fmt.Errorf("tosdb: expected int64, got %T", value)
		}
		return v, nil
	case TypeUint64:
		v, ok := value.(uint64)
		if !ok {
			return 0, fmt.Errorf("tosdb: expected uint64, got %T", value)
		}
		return int64(v), nil
	case TypeFloat64:
		v, ok := value.(float64)
		if !ok {
			return 0, fmt.Errorf("tosdb: expected float64, got %T", value)
		}
		return int64(math.Float64bits(v)), nil
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return 0, fmt.Errorf("tosdb: expected bool, got %T", value)
		}
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("tosdb: %s is not a fixed-width type", t)
	}
}

func packVariable(t DataType, value any) ([]byte, error) {
	switch t {
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("tosdb: expected string, got %T", value)
		}
		return append([]byte(nil), []byte(v)...), nil
	case TypeBytes:
		v, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("tosdb: expected []byte, got %T", value)
		}
		return append([]byte(nil), v...), nil
	default:
		return nil, fmt.Errorf("tosdb: %s is not a variable-length type", t)
	}
}

func keyEntryFor(t DataType, v Value) KeyEntry {
	if t.variableLength() {
		return KeyEntry{KeyHash: xxhash.Sum64(v.Bytes), Length: len(v.Bytes)}
	}
	return KeyEntry{KeyHash: uint64(v.Int64), Length: 0}
}

// Record is a typed, ordered dictionary of column values, the in-memory
// form of spec.md §4.6's record wire form.
type Record struct {
	table *Table
	row   rowID // zero until the record has been upserted once

	order []ColumnID // insertion order, preserved on the wire
	cols  map[ColumnID]Value
	keys  map[ColumnID]KeyEntry
}

// NewRecord returns an empty record bound to t's column map.
func (t *Table) NewRecord() *Record {
	return &Record{
		table: t,
		cols:  make(map[ColumnID]Value),
		keys:  make(map[ColumnID]KeyEntry),
	}
}

// SetData is the generic typed setter spec.md §4.6 fans every column
// mutation through: it looks the column up by name, checks the declared
// type matches, packs the value (heap copy for variable-length types,
// pointer-word pack for fixed types), and, if the column is indexed,
// builds its key_entry.
func (r *Record) SetData(colName string, t DataType, length int, value any) error {
	col, ok := r.table.columnByName(colName)
	if !ok {
		return kerr.New(kerr.KindNotFound, fmt.Sprintf("tosdb: unknown column %q", colName))
	}
	if col.Type != t {
		return kerr.New(kerr.KindInvalidArgument, fmt.Sprintf("tosdb: column %q is %s, not %s", colName, col.Type, t))
	}
	if err := t.validate(length); err != nil {
		return kerr.Wrap(kerr.KindInvalidArgument, "tosdb: SetData", err)
	}

	var v Value
	v.Type = t
	if t.variableLength() {
		b, err := packVariable(t, value)
		if err != nil {
			return kerr.Wrap(kerr.KindInvalidArgument, "tosdb: SetData", err)
		}
		if length != 0 && length != len(b) {
			return kerr.New(kerr.KindInvalidArgument, "tosdb: SetData: length does not match value")
		}
		v.Bytes = b
	} else {
		packed, err := packFixed(t, value)
		if err != nil {
			return kerr.Wrap(kerr.KindInvalidArgument, "tosdb: SetData", err)
		}
		v.Int64 = packed
	}

	if _, seen := r.cols[col.ID]; !seen {
		r.order = append(r.order, col.ID)
	}
	r.cols[col.ID] = v
	if col.Indexed {
		r.keys[col.ID] = keyEntryFor(t, v)
	}
	return nil
}

// SetString is a typed convenience wrapper over SetData for TypeString.
func (r *Record) SetString(colName, value string) error {
	return r.SetData(colName, TypeString, len(value), value)
}

// SetInt64 is a typed convenience wrapper over SetData for TypeInt64.
func (r *Record) SetInt64(colName string, value int64) error {
	return r.SetData(colName, TypeInt64, 0, value)
}

// SetUint64 is a typed convenience wrapper over SetData for TypeUint64.
func (r *Record) SetUint64(colName string, value uint64) error {
	return r.SetData(colName, TypeUint64, 0, value)
}

// SetBytes is a typed convenience wrapper over SetData for TypeBytes.
func (r *Record) SetBytes(colName string, value []byte) error {
	return r.SetData(colName, TypeBytes, len(value), value)
}

// Get returns the raw typed value stored for colName, if set.
func (r *Record) Get(colName string) (Value, bool, error) {
	col, ok := r.table.columnByName(colName)
	if !ok {
		return Value{}, false, kerr.New(kerr.KindNotFound, fmt.Sprintf("tosdb: unknown column %q", colName))
	}
	v, ok := r.cols[col.ID]
	return v, ok, nil
}

// GetString is a typed convenience wrapper over Get for TypeString.
func (r *Record) GetString(colName string) (string, bool, error) {
	v, ok, err := r.Get(colName)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v.Bytes), true, nil
}

// GetInt64 is a typed convenience wrapper over Get for TypeInt64.
func (r *Record) GetInt64(colName string) (int64, bool, error) {
	v, ok, err := r.Get(colName)
	if err != nil || !ok {
		return 0, ok, err
	}
	return v.Int64, true, nil
}

// encode serializes the record as the typed ordered dictionary spec.md §6
// describes: a uint32 column count, then per column {uint64 id, uint32
// data_type, uint32 length, int64 packed value, length bytes}.
func (r *Record) encode() []byte {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(r.order)))
	buf.Write(hdr[:])

	for _, id := range r.order {
		v := r.cols[id]
		var entry [24]byte
		binary.LittleEndian.PutUint64(entry[0:8], uint64(id))
		binary.LittleEndian.PutUint32(entry[8:12], uint32(v.Type))
		binary.LittleEndian.PutUint32(entry[12:16], uint32(len(v.Bytes)))
		binary.LittleEndian.PutUint64(entry[16:24], uint64(v.Int64))
		buf.Write(entry[:])
		buf.Write(v.Bytes)
	}
	return buf.Bytes()
}

// decodeRecord parses the wire form encode produces, binding the result to
// t's column map.
func decodeRecord(t *Table, data []byte) (*Record, error) {
	if len(data) < 4 {
		return nil, kerr.New(kerr.KindCorruptData, "tosdb: record: short header")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4

	r := t.NewRecord()
	for i := uint32(0); i < count; i++ {
		if off+24 > len(data) {
			return nil, kerr.New(kerr.KindCorruptData, "tosdb: record: truncated column entry")
		}
		id := ColumnID(binary.LittleEndian.Uint64(data[off : off+8]))
		typ := DataType(binary.LittleEndian.Uint32(data[off+8 : off+12]))
		length := binary.LittleEndian.Uint32(data[off+12 : off+16])
		packed := int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))
		off += 24

		if off+int(length) > len(data) {
			return nil, kerr.New(kerr.KindCorruptData, "tosdb: record: truncated column payload")
		}
		v := Value{Type: typ, Int64: packed, Bytes: append([]byte(nil), data[off:off+int(length)]...)}
		off += int(length)

		r.order = append(r.order, id)
		r.cols[id] = v
		if col, ok := t.columns[id]; ok && col.Indexed {
			r.keys[id] = keyEntryFor(typ, v)
		}
	}
	return r, nil
}
