// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package rowcodec provides the compact binary encoding used for spilled
// rows. The format is process-local: it carries no schema and is only
// decoded by the process that wrote it.
//
// A record is the row's input sequence number followed by its values:
//
//	uvarint seq | uvarint count | count × (tag byte, payload)
//
// Scalars are little-endian fixed width; strings and bytes are
// uvarint-length prefixed. A block is a uvarint record count followed by
// that many records.
package rowcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// Type tags. Only the listed primitive types are supported.
const (
	tagNil byte = iota + 1
	tagFalse
	tagTrue
	tagInt32
	tagInt64
	tagFloat32
	tagFloat64
	tagString
	tagBytes
)

// ErrTruncated is returned when a record ends early.
var ErrTruncated = errors.New("rowcodec: truncated record")

// Record is a row together with its input sequence number.
type Record struct {
	Seq uint64
	Row pipeline.Row
}

// AppendRecord encodes seq and row onto dst.
func AppendRecord(dst []byte, seq uint64, row pipeline.Row) ([]byte, error) {
	dst = binary.AppendUvarint(dst, seq)
	dst = binary.AppendUvarint(dst, uint64(len(row)))
	for i, value := range row {
		switch v := value.(type) {
		case nil:
			dst = append(dst, tagNil)
		case bool:
			if v {
				dst = append(dst, tagTrue)
			} else {
				dst = append(dst, tagFalse)
			}
		case int32:
			dst = append(dst, tagInt32)
			dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
		case int64:
			dst = append(dst, tagInt64)
			dst = binary.LittleEndian.AppendUint64(dst, uint64(v))
		case float32:
			dst = append(dst, tagFloat32)
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		case float64:
			dst = append(dst, tagFloat64)
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
		case string:
			dst = append(dst, tagString)
			dst = binary.AppendUvarint(dst, uint64(len(v)))
			dst = append(dst, v...)
		case []byte:
			dst = append(dst, tagBytes)
			dst = binary.AppendUvarint(dst, uint64(len(v)))
			dst = append(dst, v...)
		default:
			return nil, fmt.Errorf("rowcodec: unsupported type %T in column %d", v, i)
		}
	}
	return dst, nil
}

// DecodeRecord decodes one record from the front of src and returns it with
// the number of bytes consumed. Strings and byte slices are copied out of
// src.
func DecodeRecord(src []byte) (Record, int, error) {
	d := decoder{buf: src}
	seq := d.uvarint()
	count := d.uvarint()
	if d.err != nil {
		return Record{}, 0, d.err
	}
	if count > uint64(len(src)) {
		return Record{}, 0, fmt.Errorf("rowcodec: implausible field count %d", count)
	}
	row := make(pipeline.Row, count)
	for i := range row {
		row[i] = d.value()
		if d.err != nil {
			return Record{}, 0, fmt.Errorf("column %d: %w", i, d.err)
		}
	}
	return Record{Seq: seq, Row: row}, d.pos, nil
}

// AppendBlock encodes a block of records onto dst.
func AppendBlock(dst []byte, recs []Record) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(len(recs)))
	var err error
	for _, r := range recs {
		if dst, err = AppendRecord(dst, r.Seq, r.Row); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// DecodeBlock decodes a block produced by AppendBlock. Trailing bytes are an
// error.
func DecodeBlock(src []byte) ([]Record, error) {
	d := decoder{buf: src}
	n := d.uvarint()
	if d.err != nil {
		return nil, d.err
	}
	if n > uint64(len(src)) {
		return nil, fmt.Errorf("rowcodec: implausible record count %d", n)
	}
	recs := make([]Record, 0, n)
	rest := src[d.pos:]
	for range n {
		rec, used, err := DecodeRecord(rest)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(recs), err)
		}
		recs = append(recs, rec)
		rest = rest[used:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("rowcodec: %d trailing bytes after block", len(rest))
	}
	return recs, nil
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.err = ErrTruncated
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.pos < n {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) value() any {
	tag := d.take(1)
	if d.err != nil {
		return nil
	}
	switch tag[0] {
	case tagNil:
		return nil
	case tagFalse:
		return false
	case tagTrue:
		return true
	case tagInt32:
		if b := d.take(4); b != nil {
			return int32(binary.LittleEndian.Uint32(b))
		}
	case tagInt64:
		if b := d.take(8); b != nil {
			return int64(binary.LittleEndian.Uint64(b))
		}
	case tagFloat32:
		if b := d.take(4); b != nil {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		}
	case tagFloat64:
		if b := d.take(8); b != nil {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	case tagString:
		n := d.uvarint()
		if n > uint64(len(d.buf)) {
			d.err = ErrTruncated
			return nil
		}
		if b := d.take(int(n)); d.err == nil {
			return string(b)
		}
	case tagBytes:
		n := d.uvarint()
		if n > uint64(len(d.buf)) {
			d.err = ErrTruncated
			return nil
		}
		if b := d.take(int(n)); d.err == nil {
			out := make([]byte, len(b))
			copy(out, b)
			return out
		}
	default:
		d.err = fmt.Errorf("rowcodec: unknown type tag %d", tag[0])
	}
	return nil
}
