package tlv

import (
	"fmt"
	"sort"
)

// Packable is implemented by types that can be stored as a Value.
type Packable interface {
	ToValue() (Value, error)
}

// Unpackable is implemented by types that can be restored from a Value.
type Unpackable interface {
	FromValue(Value) error
}

// ToValue implements Packable.
func (v Value) ToValue() (Value, error) { return v, nil }

// FromValue implements Unpackable.
func (v *Value) FromValue(x Value) error {
	*v = x
	return nil
}

// FromAny maps a Go value to a Value. Supported are Value, Packable, all
// integer and float kinds, string, []byte and slices/maps of those.
// Map keys are written in sorted order.
func FromAny(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case Packable:
		return v.ToValue()
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return Uint(uint64(v)), nil
	case uint8:
		return Uint(uint64(v)), nil
	case uint16:
		return Uint(uint64(v)), nil
	case uint32:
		return Uint(uint64(v)), nil
	case uint64:
		return Uint(v), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	case []string:
		items := make([]Value, 0, len(v))
		for _, s := range v {
			items = append(items, String(s))
		}
		return List(items...), nil
	case []any:
		items := make([]Value, 0, len(v))
		for _, e := range v {
			item, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return List(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]Pair, 0, len(v))
		for _, k := range keys {
			val, err := FromAny(v[k])
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, Pair{Key: String(k), Value: val})
		}
		return Map(pairs...), nil
	case map[any]any:
		pairs := make([]Pair, 0, len(v))
		for k, e := range v {
			key, err := FromAny(k)
			if err != nil {
				return Value{}, err
			}
			val, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, Pair{Key: key, Value: val})
		}
		sort.Slice(pairs, func(i, j int) bool {
			return Compare(pairs[i].Key, pairs[j].Key) < 0
		})
		return Map(pairs...), nil
	}
	return Value{}, &UnsupportedTypeError{Type: fmt.Sprintf("%T", x)}
}

// Interface maps v back to plain Go values: uint64, int64, float64, string,
// []any and either map[string]any (when all keys are strings) or map[any]any.
// Container keys of a map[any]any are represented by their String() form.
func (v Value) Interface() any {
	switch {
	case v.tag == TagString:
		return string(v.str)
	case v.tag == TagList:
		items := make([]any, 0, len(v.items))
		for _, c := range v.items {
			items = append(items, c.Interface())
		}
		return items
	case v.tag == TagMap:
		return v.mapInterface()
	case v.tag == TagDouble:
		return v.Float()
	case v.tag.IsSigned():
		return int64(v.num)
	case v.tag.IsInteger():
		return v.num
	}
	return nil
}

func (v Value) mapInterface() any {
	strKeys := true
	for i := 0; i < len(v.items); i += 2 {
		if v.items[i].tag != TagString {
			strKeys = false
			break
		}
	}

	if strKeys {
		m := make(map[string]any, len(v.items)/2)
		for i := 0; i+1 < len(v.items); i += 2 {
			m[string(v.items[i].str)] = v.items[i+1].Interface()
		}
		return m
	}

	m := make(map[any]any, len(v.items)/2)
	for i := 0; i+1 < len(v.items); i += 2 {
		var key any
		switch k := v.items[i]; k.tag {
		case TagList, TagMap:
			key = k.String()
		default:
			key = k.Interface()
		}
		m[key] = v.items[i+1].Interface()
	}
	return m
}
