package tosdb

import (
	"bytes"
	"encoding/binary"

	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/pmm"
)

// sstableRef locates one flushed, immutable run of records on the frame
// arena. Real TOSDB describes a full B+-tree/compaction SSTable layer;
// here a flush is a single append-only run, scanned linearly on Get/Search
// the way NestedPageTable stands in for a full EPT/NPT radix walk — the
// fault/lookup *decision* is what this substrate is built to exercise.
type sstableRef struct {
	Location   uint64
	FrameCount uint64
	RowCount   uint32
}

// SSTableList is a table's list of flushed runs, newest first, so Get/Search
// see the most recent write for a row when scanning.
type SSTableList struct {
	frames *pmm.Allocator
	refs   []sstableRef
}

func newSSTableList(frames *pmm.Allocator) *SSTableList {
	return &SSTableList{frames: frames}
}

// Flush serializes rows into a single new run and prepends it to the list.
func (s *SSTableList) Flush(rows map[rowID]*Record) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for row, rec := range rows {
		encoded := rec.encode()
		var hdr [12]byte
		binary.LittleEndian.PutUint64(hdr[0:8], uint64(row))
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(encoded)))
		buf.Write(hdr[:])
		buf.Write(encoded)
	}

	data := buf.Bytes()
	frameCount := (uint64(len(data)) + pmm.FrameSize - 1) / pmm.FrameSize
	extent, err := s.frames.AllocateByCount(frameCount, pmm.Block)
	if err != nil {
		return kerr.Wrap(kerr.KindOutOfMemory, "tosdb: flush sstable run", err)
	}
	if err := s.frames.WriteAt(extent, data); err != nil {
		return kerr.Wrap(kerr.KindInvalidArgument, "tosdb: flush sstable run", err)
	}

	s.refs = append([]sstableRef{{Location: extent.Start, FrameCount: frameCount, RowCount: uint32(len(rows))}}, s.refs...)
	return nil
}

func (s *SSTableList) readRun(t *Table, ref sstableRef) (map[rowID]*Record, error) {
	raw, err := s.frames.ReadAt(ref.Location, int(ref.FrameCount*pmm.FrameSize))
	if err != nil {
		return nil, kerr.Wrap(kerr.KindInvalidArgument, "tosdb: read sstable run", err)
	}

	out := make(map[rowID]*Record, ref.RowCount)
	off := 0
	for i := uint32(0); i < ref.RowCount; i++ {
		if off+12 > len(raw) {
			return nil, kerr.New(kerr.KindCorruptData, "tosdb: sstable run: truncated row header")
		}
		row := rowID(binary.LittleEndian.Uint64(raw[off : off+8]))
		size := binary.LittleEndian.Uint32(raw[off+8 : off+12])
		off += 12
		if off+int(size) > len(raw) {
			return nil, kerr.New(kerr.KindCorruptData, "tosdb: sstable run: truncated row body")
		}
		rec, err := decodeRecord(t, raw[off:off+int(size)])
		if err != nil {
			return nil, err
		}
		rec.row = row
		out[row] = rec
		off += int(size)
	}
	return out, nil
}

// Get scans runs newest-first and returns the first match for row.
func (s *SSTableList) Get(t *Table, row rowID) (*Record, bool, error) {
	for _, ref := range s.refs {
		run, err := s.readRun(t, ref)
		if err != nil {
			return nil, false, err
		}
		if rec, ok := run[row]; ok {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// Search returns every row across every run whose column col hashes to
// keyHash. Deduplication against the memtable's view is Table.Search's job,
// not this layer's.
func (s *SSTableList) Search(t *Table, col ColumnID, keyHash uint64) ([]rowID, error) {
	var out []rowID
	for _, ref := range s.refs {
		run, err := s.readRun(t, ref)
		if err != nil {
			return nil, err
		}
		for row, rec := range run {
			if key, ok := rec.keys[col]; ok && key.KeyHash == keyHash {
				out = append(out, row)
			}
		}
	}
	return out, nil
}
