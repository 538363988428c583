package tlv

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Value is a tagged value. The zero Value is invalid and cannot be encoded.
// Values are immutable once constructed and safe to share.
type Value struct {
	tag   Tag
	num   uint64  // integer bits (sign-extended for signed tags) or double bits
	str   []byte  // string payload
	items []Value // list children, or mapping keys and values interleaved
	keys  map[uint64][]int
}

// Uint returns an unsigned integer value using the narrowest tag that fits.
func Uint(u uint64) Value {
	switch {
	case u <= math.MaxUint8:
		return Value{tag: TagUint8, num: u}
	case u <= math.MaxUint16:
		return Value{tag: TagUint16, num: u}
	case u <= math.MaxUint32:
		return Value{tag: TagUint32, num: u}
	}
	return Value{tag: TagUint64, num: u}
}

// Int returns an integer value. Non-negative numbers are stored unsigned,
// negative numbers use the narrowest signed tag whose range holds them.
func Int(n int64) Value {
	if n >= 0 {
		return Uint(uint64(n))
	}

	switch {
	case n >= math.MinInt8:
		return Value{tag: TagInt8, num: uint64(n)}
	case n >= math.MinInt16:
		return Value{tag: TagInt16, num: uint64(n)}
	case n >= math.MinInt32:
		return Value{tag: TagInt32, num: uint64(n)}
	}
	return Value{tag: TagInt64, num: uint64(n)}
}

// Float returns a double value.
func Float(f float64) Value {
	return Value{tag: TagDouble, num: math.Float64bits(f)}
}

// String returns a string value. Strings are limited to MaxLen bytes on encode.
func String(s string) Value {
	return Value{tag: TagString, str: []byte(s)}
}

// Bytes returns a string value holding a copy of p.
func Bytes(p []byte) Value {
	return Value{tag: TagString, str: append([]byte{}, p...)}
}

// List returns a list value.
func List(items ...Value) Value {
	return Value{tag: TagList, items: append([]Value{}, items...)}
}

// Pair is a single mapping entry.
type Pair struct {
	Key, Value Value
}

// Map returns a mapping value. Pairs keep their order; a repeated key replaces
// the value of its first occurrence.
func Map(pairs ...Pair) Value {
	v := Value{tag: TagMap, items: make([]Value, 0, 2*len(pairs)), keys: make(map[uint64][]int, len(pairs))}
	for _, p := range pairs {
		v.setPair(p.Key, p.Value)
	}
	return v
}

// setPair is used while building a mapping. It returns false if key was
// already present and its value was replaced.
func (v *Value) setPair(key, val Value) bool {
	h := key.Hash()
	for _, i := range v.keys[h] {
		if v.items[2*i].Equal(key) {
			v.items[2*i+1] = val
			return false
		}
	}
	v.keys[h] = append(v.keys[h], len(v.items)/2)
	v.items = append(v.items, key, val)
	return true
}

// --------------------------------------------------------------------

// Tag returns the value tag.
func (v Value) Tag() Tag { return v.tag }

// IsValid returns false for the zero Value.
func (v Value) IsValid() bool { return v.tag.IsValid() }

// Len returns the payload width of numbers, the byte length of strings and the
// number of children of lists and mappings.
func (v Value) Len() int {
	switch v.tag {
	case TagString:
		return len(v.str)
	case TagList:
		return len(v.items)
	case TagMap:
		return len(v.items) / 2
	}
	return v.tag.width()
}

// Uint returns the value as an unsigned integer.
func (v Value) Uint() uint64 {
	if v.tag == TagDouble {
		return uint64(v.Float())
	}
	return v.num
}

// Int returns the value as a signed integer.
func (v Value) Int() int64 {
	if v.tag == TagDouble {
		return int64(v.Float())
	}
	return int64(v.num)
}

// Float returns the value as a double.
func (v Value) Float() float64 {
	switch {
	case v.tag == TagDouble:
		return math.Float64frombits(v.num)
	case v.tag.IsSigned():
		return float64(int64(v.num))
	}
	return float64(v.num)
}

// Bytes returns the string payload. The slice must not be modified.
func (v Value) Bytes() []byte { return v.str }

// Str returns the string payload as a string.
func (v Value) Str() string { return string(v.str) }

// Items returns the children of a list. The slice must not be modified.
func (v Value) Items() []Value {
	if v.tag != TagList {
		return nil
	}
	return v.items
}

// Pairs returns the pairs of a mapping in write order.
func (v Value) Pairs() []Pair {
	if v.tag != TagMap {
		return nil
	}
	pairs := make([]Pair, 0, len(v.items)/2)
	for i := 0; i+1 < len(v.items); i += 2 {
		pairs = append(pairs, Pair{Key: v.items[i], Value: v.items[i+1]})
	}
	return pairs
}

// Lookup returns the mapping value stored under key.
func (v Value) Lookup(key Value) (Value, bool) {
	if v.tag != TagMap {
		return Value{}, false
	}
	for _, i := range v.keys[key.Hash()] {
		if v.items[2*i].Equal(key) {
			return v.items[2*i+1], true
		}
	}
	return Value{}, false
}

// Get is a shortcut for Lookup(String(key)).
func (v Value) Get(key string) (Value, bool) {
	return v.Lookup(String(key))
}

// Equal compares tag, length and content. Mappings compare equal regardless of
// pair order.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag || v.Len() != o.Len() {
		return false
	}

	switch v.tag {
	case TagString:
		return bytes.Equal(v.str, o.str)
	case TagList:
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case TagMap:
		for i := 0; i+1 < len(v.items); i += 2 {
			ov, ok := o.Lookup(v.items[i])
			if !ok || !ov.Equal(v.items[i+1]) {
				return false
			}
		}
		return true
	}
	return v.num == o.num
}

// Hash returns a 64-bit hash consistent with Equal.
func (v Value) Hash() uint64 {
	var tmp [25]byte
	tmp[0] = byte(v.tag)
	binary.LittleEndian.PutUint64(tmp[1:], uint64(v.Len()))

	switch v.tag {
	case TagString:
		h := xxh3.New()
		_, _ = h.Write(tmp[:9])
		_, _ = h.Write(v.str)
		return h.Sum64()
	case TagList:
		h := xxh3.New()
		_, _ = h.Write(tmp[:9])
		for _, c := range v.items {
			binary.LittleEndian.PutUint64(tmp[9:], c.Hash())
			_, _ = h.Write(tmp[9:17])
		}
		return h.Sum64()
	case TagMap:
		var sum uint64
		for i := 0; i+1 < len(v.items); i += 2 {
			binary.LittleEndian.PutUint64(tmp[9:], v.items[i].Hash())
			binary.LittleEndian.PutUint64(tmp[17:], v.items[i+1].Hash())
			sum += xxh3.Hash(tmp[9:25])
		}
		binary.LittleEndian.PutUint64(tmp[9:], sum)
		return xxh3.Hash(tmp[:17])
	}

	binary.LittleEndian.PutUint64(tmp[9:], v.num)
	return xxh3.Hash(tmp[:17])
}

// String returns a human readable representation.
func (v Value) String() string {
	var sb strings.Builder
	v.writeString(&sb)
	return sb.String()
}

func (v Value) writeString(sb *strings.Builder) {
	switch {
	case v.tag == TagString:
		sb.WriteString(strconv.Quote(string(v.str)))
	case v.tag == TagList:
		sb.WriteByte('[')
		for i, c := range v.items {
			if i != 0 {
				sb.WriteString(", ")
			}
			c.writeString(sb)
		}
		sb.WriteByte(']')
	case v.tag == TagMap:
		sb.WriteByte('{')
		for i := 0; i+1 < len(v.items); i += 2 {
			if i != 0 {
				sb.WriteString(", ")
			}
			v.items[i].writeString(sb)
			sb.WriteString(": ")
			v.items[i+1].writeString(sb)
		}
		sb.WriteByte('}')
	case v.tag == TagDouble:
		sb.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case v.tag.IsSigned():
		sb.WriteString(strconv.FormatInt(int64(v.num), 10))
	case v.tag.IsInteger():
		sb.WriteString(strconv.FormatUint(v.num, 10))
	default:
		sb.WriteString("<invalid>")
	}
}
