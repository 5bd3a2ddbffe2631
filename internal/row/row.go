// Package row defines EchoDB's mutation record and its two independent
// wire encodings: the write-ahead log encoding and the sorted-table
// encoding. The two codecs intentionally share no code — the WAL's
// key-length field is a 4-byte big-endian integer, the SST's is a
// 2-byte big-endian length-prefixed UTF-8 string, and conflating them
// has historically been a source of subtle corruption bugs.
package row

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/echodb/echodb/internal/kverrors"
)

// Kind distinguishes a live write from a tombstone.
type Kind uint8

const (
	// Put is a live value write.
	Put Kind = 0
	// Delete is a tombstone; Value is always nil for a Delete row.
	Delete Kind = 1
)

func (k Kind) String() string {
	if k == Delete {
		return "DELETE"
	}
	return "PUT"
}

// Row is a single mutation: a PUT carries a value, a DELETE is a
// tombstone. Seq is assigned by internal/seq and is globally unique and
// strictly increasing for the lifetime of the current leader.
type Row struct {
	Seq   uint64
	Kind  Kind
	Key   []byte
	Value []byte
	Ts    uint64
}

// Size approximates the in-memory footprint of the row, used by the
// memtable for its approx_bytes accounting.
func (r *Row) Size() int {
	return 8 + 1 + 4 + len(r.Key) + 4 + len(r.Value) + 8
}

// IsTombstone reports whether this row shadows earlier values at Key.
func (r *Row) IsTombstone() bool { return r.Kind == Delete }

// ---- WAL wire format -------------------------------------------------
//
// seq:u64 | kind:u8 | keylen:u32 | key | vallen:u32 | value | ts:u64
// all big-endian; a DELETE encodes vallen=0 with no value bytes.

// EncodeWAL appends the WAL encoding of r to buf and returns the result.
func EncodeWAL(buf []byte, r *Row) []byte {
	var hdr [8 + 1 + 4]byte
	binary.BigEndian.PutUint64(hdr[0:8], r.Seq)
	hdr[8] = byte(r.Kind)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(r.Key)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Key...)

	var vallen [4]byte
	value := r.Value
	if r.Kind == Delete {
		value = nil
	}
	binary.BigEndian.PutUint32(vallen[:], uint32(len(value)))
	buf = append(buf, vallen[:]...)
	buf = append(buf, value...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], r.Ts)
	buf = append(buf, ts[:]...)
	return buf
}

// DecodeWAL reads one encoded Row from the front of data, returning the
// row and the remaining, unconsumed bytes.
func DecodeWAL(data []byte) (*Row, []byte, error) {
	const minHdr = 8 + 1 + 4
	if len(data) < minHdr {
		return nil, nil, kverrors.Corrupt("wal-row", io.ErrUnexpectedEOF)
	}
	r := &Row{}
	r.Seq = binary.BigEndian.Uint64(data[0:8])
	r.Kind = Kind(data[8])
	keyLen := binary.BigEndian.Uint32(data[9:13])
	off := uint32(minHdr)

	if uint64(off)+uint64(keyLen)+4 > uint64(len(data)) {
		return nil, nil, kverrors.Corrupt("wal-row", fmt.Errorf("key length %d exceeds remaining buffer", keyLen))
	}
	r.Key = append([]byte(nil), data[off:off+keyLen]...)
	off += keyLen

	valLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if uint64(off)+uint64(valLen)+8 > uint64(len(data)) {
		return nil, nil, kverrors.Corrupt("wal-row", fmt.Errorf("value length %d exceeds remaining buffer", valLen))
	}
	if valLen > 0 {
		r.Value = append([]byte(nil), data[off:off+valLen]...)
	}
	off += valLen

	r.Ts = binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	if r.Kind != Put && r.Kind != Delete {
		return nil, nil, kverrors.Corrupt("wal-row", fmt.Errorf("unknown row kind %d", r.Kind))
	}

	return r, data[off:], nil
}

// DecodeWALAll decodes every row in a concatenated WAL blob. It stops
// and returns the rows decoded so far, plus the error, on the first
// corrupt row — callers decide whether to treat a trailing corrupt row
// as fatal or as a truncated tail to discard (spec §7).
func DecodeWALAll(data []byte) ([]*Row, error) {
	var rows []*Row
	for len(data) > 0 {
		r, rest, err := DecodeWAL(data)
		if err != nil {
			return rows, err
		}
		rows = append(rows, r)
		data = rest
	}
	return rows, nil
}

// ---- SST wire format --------------------------------------------------
//
// Data blob entries: keylen:u16-utf8 | key | vallen:u32 | value
// Index blob entries: keylen:u16-utf8 | key | offset:u64
// Both big-endian. This codec carries no Kind byte: internal/sstable
// prefixes every stored value with a one-byte kind marker, so a
// tombstone stays distinct from a zero-length live value (an empty but
// present PUT, which is legal in the data model).

// EncodeSSTEntry appends one (key,value) data entry.
func EncodeSSTEntry(buf []byte, key, value []byte) ([]byte, error) {
	if len(key) > 0xFFFF {
		return nil, fmt.Errorf("row: key too long for SST encoding (%d bytes)", len(key))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(key)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, key...)

	var vallen [4]byte
	binary.BigEndian.PutUint32(vallen[:], uint32(len(value)))
	buf = append(buf, vallen[:]...)
	buf = append(buf, value...)
	return buf, nil
}

// DecodeSSTEntry reads one (key,value) entry from the front of data.
func DecodeSSTEntry(data []byte) (key, value, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, nil, kverrors.Corrupt("sst-entry", io.ErrUnexpectedEOF)
	}
	keyLen := binary.BigEndian.Uint16(data[0:2])
	off := 2
	if off+int(keyLen)+4 > len(data) {
		return nil, nil, nil, kverrors.Corrupt("sst-entry", fmt.Errorf("key length %d exceeds remaining buffer", keyLen))
	}
	key = data[off : off+int(keyLen)]
	off += int(keyLen)

	valLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if off+int(valLen) > len(data) {
		return nil, nil, nil, kverrors.Corrupt("sst-entry", fmt.Errorf("value length %d exceeds remaining buffer", valLen))
	}
	value = data[off : off+int(valLen)]
	off += int(valLen)

	return key, value, data[off:], nil
}

// EncodeSSTIndexEntry appends one (key,offset) index entry.
func EncodeSSTIndexEntry(buf []byte, key []byte, offset uint64) ([]byte, error) {
	if len(key) > 0xFFFF {
		return nil, fmt.Errorf("row: key too long for SST index encoding (%d bytes)", len(key))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(key)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, key...)
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], offset)
	buf = append(buf, off[:]...)
	return buf, nil
}

// DecodeSSTIndexEntry reads one (key,offset) entry from the front of data.
func DecodeSSTIndexEntry(data []byte) (key []byte, offset uint64, rest []byte, err error) {
	if len(data) < 2 {
		return nil, 0, nil, kverrors.Corrupt("sst-index-entry", io.ErrUnexpectedEOF)
	}
	keyLen := binary.BigEndian.Uint16(data[0:2])
	off := 2
	if off+int(keyLen)+8 > len(data) {
		return nil, 0, nil, kverrors.Corrupt("sst-index-entry", fmt.Errorf("key length %d exceeds remaining buffer", keyLen))
	}
	key = data[off : off+int(keyLen)]
	off += int(keyLen)
	offset = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	return key, offset, data[off:], nil
}

// Equal reports whether two rows are byte-for-byte identical, used by
// the WAL round-trip property test.
func Equal(a, b *Row) bool {
	return a.Seq == b.Seq && a.Kind == b.Kind && a.Ts == b.Ts &&
		bytes.Equal(a.Key, b.Key) && bytes.Equal(a.Value, b.Value)
}
