// Package tlv implements the self-describing binary value format used by tlvdb.
//
// Every value starts with a single tag byte. Numbers are followed by their
// fixed-width little-endian payload, strings by a one-byte length and the raw
// bytes, and containers by a one-byte child count and their encoded children.
// Containers do not store their encoded size, so measuring a container means
// walking every child.
//
//	Scalar:
//	+-----------+---------------------------+
//	| tag (1 B) | payload (1, 2, 4 or 8 B)  |
//	+-----------+---------------------------+
//
//	String:
//	+-------+-------------+--------------------+
//	| 's'   | length (1B) | bytes (0..255)     |
//	+-------+-------------+--------------------+
//
//	List / Mapping:
//	+-----------+------------+---------+-----+---------+
//	| 'T'/'K'   | count (1B) | child 1 | ... | child n |
//	+-----------+------------+---------+-----+---------+
//
// A mapping stores its pairs as key, value, key, value, ... in write order.
package tlv

import (
	"errors"
	"fmt"
)

// Tag identifies the type of an encoded value.
type Tag byte

// Supported tags.
const (
	TagUint8  Tag = 'B'
	TagInt8   Tag = 'b'
	TagUint16 Tag = 'H'
	TagInt16  Tag = 'h'
	TagUint32 Tag = 'I'
	TagInt32  Tag = 'i'
	TagUint64 Tag = 'Q'
	TagInt64  Tag = 'q'
	TagDouble Tag = 'd'
	TagString Tag = 's'
	TagList   Tag = 'T'
	TagMap    Tag = 'K'
)

// MaxLen is the maximum byte length of a string and the maximum number of
// children of a list or pairs of a mapping.
const MaxLen = 255

// maxDepth bounds container nesting while decoding.
const maxDepth = 512

// width returns the payload width of a numeric tag, or 0 for non-numeric tags.
func (t Tag) width() int {
	switch t {
	case TagUint8, TagInt8:
		return 1
	case TagUint16, TagInt16:
		return 2
	case TagUint32, TagInt32:
		return 4
	case TagUint64, TagInt64, TagDouble:
		return 8
	}
	return 0
}

// IsValid returns true for known tags.
func (t Tag) IsValid() bool {
	switch t {
	case TagString, TagList, TagMap:
		return true
	}
	return t.width() != 0
}

// IsSigned returns true for signed integer tags.
func (t Tag) IsSigned() bool {
	switch t {
	case TagInt8, TagInt16, TagInt32, TagInt64:
		return true
	}
	return false
}

// IsInteger returns true for all integer tags.
func (t Tag) IsInteger() bool {
	return t != TagDouble && t.width() != 0
}

func (t Tag) String() string {
	if t.IsValid() {
		return string(rune(t))
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// --------------------------------------------------------------------

var (
	// ErrTooLong is returned when a string exceeds MaxLen bytes or a container
	// holds more than MaxLen children.
	ErrTooLong = errors.New("tlv: length exceeds 255")

	// ErrUnknownTag is wrapped by MalformedValueError when a tag byte is not
	// recognised.
	ErrUnknownTag = errors.New("tlv: unknown tag")

	// ErrDuplicateKey is wrapped by MalformedValueError when an encoded
	// mapping repeats a key.
	ErrDuplicateKey = errors.New("tlv: duplicate mapping key")

	errInvalidValue = errors.New("tlv: invalid zero value")
	errTooDeep      = errors.New("tlv: containers nested too deeply")
)

// MalformedValueError is returned when an encoded value cannot be parsed.
type MalformedValueError struct {
	Tag    Tag   // the offending tag
	Offset int64 // offset of the tag byte
	Err    error // the underlying parse failure
}

func (e *MalformedValueError) Error() string {
	return fmt.Sprintf("tlv: malformed value with tag %s at offset %d: %v", e.Tag, e.Offset, e.Err)
}

func (e *MalformedValueError) Unwrap() error { return e.Err }

// UnsupportedTypeError is returned when a host value cannot be mapped to a Value.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return "tlv: unsupported type " + e.Type
}
