package tlv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
)

// Decoder reads packed values from a stream.
type Decoder struct {
	r   *bufio.Reader
	off int64 // offset of the next unread byte
	tmp [8]byte
}

// NewDecoder wraps a reader and returns a Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Offset returns the number of bytes consumed so far, which is the offset
// of the next value.
func (d *Decoder) Offset() int64 { return d.off }

// Decode reads the next value. It returns io.EOF when the stream ends cleanly
// before a tag byte.
func (d *Decoder) Decode() (Value, error) {
	return d.decode(0, true)
}

// Skip advances past the next value without materialising it and returns its
// encoded size.
func (d *Decoder) Skip() (int64, error) {
	start := d.off
	if _, err := d.decode(0, false); err != nil {
		return 0, err
	}
	return d.off - start, nil
}

func (d *Decoder) decode(depth int, keep bool) (Value, error) {
	pos := d.off
	c, err := d.r.ReadByte()
	if err != nil {
		if depth != 0 && err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Value{}, err
	}
	d.off++

	tag := Tag(c)
	malformed := func(err error) (Value, error) {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Value{}, &MalformedValueError{Tag: tag, Offset: pos, Err: err}
	}

	switch tag {
	case TagString:
		n, err := d.readLen()
		if err != nil {
			return malformed(err)
		}
		if !keep {
			if err := d.discard(n); err != nil {
				return malformed(err)
			}
			return Value{tag: tag}, nil
		}

		str := make([]byte, n)
		if _, err := io.ReadFull(d.r, str); err != nil {
			return malformed(err)
		}
		d.off += int64(n)
		return Value{tag: tag, str: str}, nil

	case TagList, TagMap:
		if depth >= maxDepth {
			return malformed(errTooDeep)
		}
		n, err := d.readLen()
		if err != nil {
			return malformed(err)
		}
		if tag == TagMap {
			n *= 2
		}

		v := Value{tag: tag}
		if keep {
			v.items = make([]Value, 0, n)
			if tag == TagMap {
				v.keys = make(map[uint64][]int, n/2)
			}
		}
		for i := 0; i < n; i++ {
			child, err := d.decode(depth+1, keep)
			if err != nil {
				var merr *MalformedValueError
				if errors.As(err, &merr) {
					return Value{}, err
				}
				return malformed(err)
			}
			if !keep {
				continue
			}
			if tag == TagMap && i%2 == 1 {
				key := v.items[len(v.items)-1]
				v.items = v.items[:len(v.items)-1]
				if !v.setPair(key, child) {
					return malformed(ErrDuplicateKey)
				}
				continue
			}
			v.items = append(v.items, child)
		}
		return v, nil
	}

	w := tag.width()
	if w == 0 {
		return malformed(ErrUnknownTag)
	}
	if _, err := io.ReadFull(d.r, d.tmp[:w]); err != nil {
		return malformed(err)
	}
	d.off += int64(w)

	v := Value{tag: tag}
	switch tag {
	case TagUint8:
		v.num = uint64(d.tmp[0])
	case TagInt8:
		v.num = uint64(int64(int8(d.tmp[0])))
	case TagUint16:
		v.num = uint64(binary.LittleEndian.Uint16(d.tmp[:]))
	case TagInt16:
		v.num = uint64(int64(int16(binary.LittleEndian.Uint16(d.tmp[:]))))
	case TagUint32:
		v.num = uint64(binary.LittleEndian.Uint32(d.tmp[:]))
	case TagInt32:
		v.num = uint64(int64(int32(binary.LittleEndian.Uint32(d.tmp[:]))))
	default:
		v.num = binary.LittleEndian.Uint64(d.tmp[:])
	}
	return v, nil
}

func (d *Decoder) readLen() (int, error) {
	c, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	d.off++
	return int(c), nil
}

func (d *Decoder) discard(n int) error {
	m, err := d.r.Discard(n)
	d.off += int64(m)
	return err
}

// --------------------------------------------------------------------

// Unmarshal decodes the first value in buf and returns it along with the
// number of bytes consumed.
func Unmarshal(buf []byte) (Value, int, error) {
	d := fetchDecoder(bytes.NewReader(buf), 0)
	defer releaseDecoder(d)

	v, err := d.Decode()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, int(d.off), err
}

// DecodeAt decodes the value stored at off and returns it along with its
// encoded size.
func DecodeAt(r io.ReaderAt, off int64) (Value, int64, error) {
	d := fetchDecoder(io.NewSectionReader(r, off, math.MaxInt64-off), off)
	defer releaseDecoder(d)

	v, err := d.Decode()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, d.off - off, err
}

// SizeAt returns the encoded size of the value stored at off.
func SizeAt(r io.ReaderAt, off int64) (int64, error) {
	d := fetchDecoder(io.NewSectionReader(r, off, math.MaxInt64-off), off)
	defer releaseDecoder(d)

	n, err := d.Skip()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// --------------------------------------------------------------------

// Scanner iterates over a stream of packed values.
type Scanner struct {
	d   *Decoder
	val Value
	pos int64
	err error
}

// NewScanner wraps a reader and returns a Scanner.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{d: NewDecoder(r)}
}

// Next advances to the next value and returns true if successful.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}

	s.pos = s.d.Offset()
	s.val, s.err = s.d.Decode()
	return s.err == nil
}

// Value returns the current value.
func (s *Scanner) Value() Value { return s.val }

// Offset returns the offset of the current value.
func (s *Scanner) Offset() int64 { return s.pos }

// Err exposes scan errors, if any. A clean end of stream is not an error.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// --------------------------------------------------------------------

var decoderPool sync.Pool

func fetchDecoder(r io.Reader, off int64) *Decoder {
	if v := decoderPool.Get(); v != nil {
		d := v.(*Decoder)
		d.r.Reset(r)
		d.off = off
		return d
	}
	return &Decoder{r: bufio.NewReaderSize(r, 512), off: off}
}

func releaseDecoder(d *Decoder) {
	d.r.Reset(nil)
	decoderPool.Put(d)
}
