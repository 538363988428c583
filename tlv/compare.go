package tlv

import (
	"bytes"
	"math"
	"sort"
)

// Compare returns an integer comparing two values. Numbers sort before
// strings, strings before lists and lists before mappings. Numbers compare by
// magnitude regardless of width, strings bytewise, lists element by element
// and mappings by their pairs sorted by key. NaN sorts before all other
// numbers.
func Compare(a, b Value) int {
	if ra, rb := a.rank(), b.rank(); ra != rb {
		return cmpInt(ra, rb)
	}

	switch a.rank() {
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return bytes.Compare(a.str, b.str)
	case rankList:
		return compareSeq(a.items, b.items)
	case rankMap:
		return compareSeq(a.sortedItems(), b.sortedItems())
	}
	return 0
}

const (
	rankNumber = iota
	rankString
	rankList
	rankMap
	rankInvalid
)

func (v Value) rank() int {
	switch {
	case v.tag == TagString:
		return rankString
	case v.tag == TagList:
		return rankList
	case v.tag == TagMap:
		return rankMap
	case v.tag.width() != 0:
		return rankNumber
	}
	return rankInvalid
}

func compareNumbers(a, b Value) int {
	if a.tag == TagDouble || b.tag == TagDouble {
		fa, fb := a.Float(), b.Float()
		switch na, nb := math.IsNaN(fa), math.IsNaN(fb); {
		case na && nb:
			return 0
		case na:
			return -1
		case nb:
			return 1
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}

	an, bn := a.tag.IsSigned() && int64(a.num) < 0, b.tag.IsSigned() && int64(b.num) < 0
	switch {
	case an && !bn:
		return -1
	case !an && bn:
		return 1
	case an && bn:
		ia, ib := int64(a.num), int64(b.num)
		if ia < ib {
			return -1
		} else if ia > ib {
			return 1
		}
		return 0
	}

	if a.num < b.num {
		return -1
	} else if a.num > b.num {
		return 1
	}
	return 0
}

func compareSeq(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

// sortedItems returns mapping keys and values interleaved, ordered by key.
func (v Value) sortedItems() []Value {
	pairs := v.Pairs()
	sort.Slice(pairs, func(i, j int) bool {
		return Compare(pairs[i].Key, pairs[j].Key) < 0
	})

	items := make([]Value, 0, 2*len(pairs))
	for _, p := range pairs {
		items = append(items, p.Key, p.Value)
	}
	return items
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}
