// Package serialize implements the persisted tagged-tensor weight
// container described by §6 "Persisted state": a named bundle of
// (shape, dtype, bytes) entries. No .proto file is compiled for this —
// there is no protoc in this build's toolchain — so Bundle's Marshal and
// Unmarshal hand-encode the same length-delimited, tagged wire shape
// protoc-gen-go would have produced, using
// google.golang.org/protobuf/encoding/protowire directly, the same low
// level package the generated code itself calls into.
package serialize

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"

	tg "github.com/itohio/tensorgraph/pkg/core/tensor"
)

// Field numbers for the Bundle wire format. Entry is field 1 of Bundle,
// repeated; within Entry, Name/DType/Shape/Data are fields 1-4.
const (
	fieldEntries protowire.Number = 1

	fieldEntryName  protowire.Number = 1
	fieldEntryDType protowire.Number = 2
	fieldEntryShape protowire.Number = 3
	fieldEntryData  protowire.Number = 4
)

// Entry is one named tensor in a Bundle.
type Entry struct {
	Name   string
	DType  tg.DataType
	Shape  []int64
	Tensor tg.Tensor
}

// Bundle is a named collection of tensors, the unit §6 persists and
// restores weights through.
type Bundle struct {
	Entries []Entry
}

// Get returns the entry named name, or false if the bundle holds none.
func (b *Bundle) Get(name string) (Entry, bool) {
	for _, e := range b.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Put adds or replaces the entry named e.Name.
func (b *Bundle) Put(e Entry) {
	for i, existing := range b.Entries {
		if existing.Name == e.Name {
			b.Entries[i] = e
			return
		}
	}
	b.Entries = append(b.Entries, e)
}

// Marshal writes b's wire encoding to w.
func Marshal(w io.Writer, b *Bundle) error {
	var buf []byte
	for _, e := range b.Entries {
		entryBytes, err := marshalEntry(e)
		if err != nil {
			return fmt.Errorf("tensorgraph: serialize: marshal entry %q: %w", e.Name, err)
		}
		buf = protowire.AppendTag(buf, fieldEntries, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entryBytes)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("tensorgraph: serialize: write: %w", err)
	}
	return nil
}

func marshalEntry(e Entry) ([]byte, error) {
	var buf []byte

	buf = protowire.AppendTag(buf, fieldEntryName, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Name)

	buf = protowire.AppendTag(buf, fieldEntryDType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.DType))

	for _, dim := range e.Shape {
		buf = protowire.AppendTag(buf, fieldEntryShape, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(dim))
	}

	data, err := encodeTensorBytes(e.DType, e.Tensor)
	if err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, fieldEntryData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, data)

	return buf, nil
}

// Unmarshal reads a Bundle from r's full contents.
func Unmarshal(r io.Reader) (*Bundle, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: serialize: read: %w", err)
	}

	bundle := &Bundle{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		if num != fieldEntries || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, raw)
			if m < 0 {
				return nil, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(m))
			}
			raw = raw[m:]
			continue
		}

		entryBytes, m := protowire.ConsumeBytes(raw)
		if m < 0 {
			return nil, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(m))
		}
		raw = raw[m:]

		e, err := unmarshalEntry(entryBytes)
		if err != nil {
			return nil, err
		}
		bundle.Entries = append(bundle.Entries, e)
	}

	return bundle, nil
}

func unmarshalEntry(raw []byte) (Entry, error) {
	var e Entry
	var shape []int64
	var data []byte
	haveDType := false

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return Entry{}, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldEntryName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(raw)
			if m < 0 {
				return Entry{}, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(m))
			}
			e.Name = v
			raw = raw[m:]
		case num == fieldEntryDType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return Entry{}, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(m))
			}
			e.DType = tg.DataType(v)
			haveDType = true
			raw = raw[m:]
		case num == fieldEntryShape && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return Entry{}, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(m))
			}
			shape = append(shape, int64(v))
			raw = raw[m:]
		case num == fieldEntryData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return Entry{}, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(m))
			}
			data = v
			raw = raw[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, raw)
			if m < 0 {
				return Entry{}, fmt.Errorf("tensorgraph: serialize: %w", protowire.ParseError(m))
			}
			raw = raw[m:]
		}
	}

	if !haveDType {
		return Entry{}, fmt.Errorf("tensorgraph: serialize: entry %q missing dtype", e.Name)
	}

	e.Shape = shape
	t, err := decodeTensorBytes(e.DType, data)
	if err != nil {
		return Entry{}, fmt.Errorf("tensorgraph: serialize: entry %q: %w", e.Name, err)
	}
	e.Tensor = t
	return e, nil
}

// encodeTensorBytes flattens a Tensor's native buffer to its raw
// little-endian byte layout, the same "bytes are the wire format" shape
// a tagged weight blob needs regardless of element width.
func encodeTensorBytes(dtype tg.DataType, t tg.Tensor) ([]byte, error) {
	var buf bytes.Buffer
	switch dtype {
	case tg.F32:
		for _, v := range t.Float32() {
			var b [4]byte
			putLE32(b[:], math.Float32bits(v))
			buf.Write(b[:])
		}
	case tg.I32:
		for _, v := range t.Int32() {
			var b [4]byte
			putLE32(b[:], uint32(v))
			buf.Write(b[:])
		}
	case tg.F16:
		for _, v := range t.Float16() {
			bits := uint16(v)
			buf.WriteByte(byte(bits))
			buf.WriteByte(byte(bits >> 8))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
	return buf.Bytes(), nil
}

func decodeTensorBytes(dtype tg.DataType, data []byte) (tg.Tensor, error) {
	size := dtype.ByteSize()
	if size == 0 || len(data)%size != 0 {
		return tg.Tensor{}, fmt.Errorf("serialize: dtype %v: byte length %d not a multiple of element size", dtype, len(data))
	}
	n := len(data) / size
	t := tg.New(dtype, n)
	for i := 0; i < n; i++ {
		switch dtype {
		case tg.F32:
			bits := getLE32(data[i*4:])
			t.SetAt(i, float64(math.Float32frombits(bits)))
		case tg.I32:
			bits := getLE32(data[i*4:])
			t.SetAt(i, float64(int32(bits)))
		case tg.F16:
			bits := uint16(data[i*2]) | uint16(data[i*2+1])<<8
			t.SetAt(i, float64(float16.Float16(bits).Float32()))
		}
	}
	return t, nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
