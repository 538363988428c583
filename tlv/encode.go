package tlv

import (
	"encoding/binary"
	"io"
)

// EncodedLen returns the number of bytes AppendBinary would produce.
func (v Value) EncodedLen() int {
	switch v.tag {
	case TagString:
		return 2 + len(v.str)
	case TagList, TagMap:
		n := 2
		for _, c := range v.items {
			n += c.EncodedLen()
		}
		return n
	}
	return 1 + v.tag.width()
}

// AppendBinary appends the encoding of v to dst.
func (v Value) AppendBinary(dst []byte) ([]byte, error) {
	switch v.tag {
	case TagUint8, TagInt8:
		return append(dst, byte(v.tag), byte(v.num)), nil
	case TagUint16, TagInt16:
		return binary.LittleEndian.AppendUint16(append(dst, byte(v.tag)), uint16(v.num)), nil
	case TagUint32, TagInt32:
		return binary.LittleEndian.AppendUint32(append(dst, byte(v.tag)), uint32(v.num)), nil
	case TagUint64, TagInt64, TagDouble:
		return binary.LittleEndian.AppendUint64(append(dst, byte(v.tag)), v.num), nil
	case TagString:
		if len(v.str) > MaxLen {
			return dst, ErrTooLong
		}
		dst = append(dst, byte(v.tag), byte(len(v.str)))
		return append(dst, v.str...), nil
	case TagList, TagMap:
		if v.Len() > MaxLen {
			return dst, ErrTooLong
		}
		dst = append(dst, byte(v.tag), byte(v.Len()))

		var err error
		for _, c := range v.items {
			if dst, err = c.AppendBinary(dst); err != nil {
				return dst, err
			}
		}
		return dst, nil
	}
	return dst, errInvalidValue
}

// Marshal returns the encoding of v.
func Marshal(v Value) ([]byte, error) {
	return v.AppendBinary(make([]byte, 0, v.EncodedLen()))
}

// --------------------------------------------------------------------

// Encoder writes packed values to a stream.
type Encoder struct {
	w   io.Writer
	off int64  // bytes written so far
	buf []byte // scratch buffer
}

// NewEncoder wraps a writer and returns an Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes a single value and returns the number of bytes written.
func (e *Encoder) Encode(v Value) (int, error) {
	var err error
	if e.buf, err = v.AppendBinary(e.buf[:0]); err != nil {
		return 0, err
	}
	return e.writeRaw(e.buf)
}

// Offset returns the number of bytes written so far, which is the offset
// at which the next value will start.
func (e *Encoder) Offset() int64 { return e.off }

func (e *Encoder) writeRaw(p []byte) (int, error) {
	n, err := e.w.Write(p)
	e.off += int64(n)
	return n, err
}
