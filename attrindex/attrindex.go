// Package attrindex implements an ordered secondary index over a single
// attribute. It plugs into tlvdb through tlvdb.Options.IndexHandlers.
//
// Snapshots are written as:
//
//	+----------------------+---------------------------+---------------------------+
//	| payload (compressed) |  xxh3(payload) (8 bytes)  | compression type (1 byte) |
//	+----------------------+---------------------------+---------------------------+
//
// The uncompressed payload is a stream of packed two-item lists, each
// holding an attribute value and an identity.
package attrindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bsm/tlvdb"
	"github.com/bsm/tlvdb/internal/compression"
	"github.com/bsm/tlvdb/internal/logging"
	"github.com/bsm/tlvdb/tlv"
	"github.com/zeebo/xxh3"
)

// Compression is the snapshot compression codec.
type Compression byte

func (c Compression) isValid() bool {
	return c < unknownCompression
}

func (c Compression) codec() compression.Type {
	switch c {
	case NoCompression:
		return compression.NoCompression
	case LZ4Compression:
		return compression.LZ4Compression
	case LZ4HCCompression:
		return compression.LZ4HCCompression
	case ZstdCompression:
		return compression.ZstdCompression
	}
	return compression.SnappyCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	LZ4Compression
	LZ4HCCompression
	ZstdCompression
	unknownCompression
)

const (
	footerSize = 9
	fileExt    = ".attr"
)

var (
	errBadChecksum    = errors.New("attrindex: bad checksum")
	errBadCompression = errors.New("attrindex: bad compression codec")
	errTruncated      = errors.New("attrindex: snapshot is truncated")
	errBadEntry       = errors.New("attrindex: bad entry")
)

// Options define index specific options.
type Options struct {
	// Compression codec for snapshots.
	// Default: SnappyCompression.
	Compression Compression

	// FileMode is used when creating snapshot files.
	// Default: 0644.
	FileMode os.FileMode

	// Logger receives diagnostic messages.
	Logger tlvdb.Logger
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	if oo.FileMode == 0 {
		oo.FileMode = 0o644
	}
	oo.Logger = logging.OrDefault(oo.Logger)
	return &oo
}

// Factory returns a handler factory which stores one snapshot per attribute
// in dir, named "<attr>.attr".
func Factory(dir string, opt *Options) tlvdb.IndexHandlerFactory {
	return func(attr string) (tlvdb.IndexHandler, error) {
		return Open(filepath.Join(dir, attr+fileExt), opt)
	}
}

// Attributes returns the names of the attributes that have a snapshot in
// dir. Pass them as tlvdb.Options.IndexedAttributes so deletions reach
// indexes persisted by earlier sessions.
func Attributes(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var names []string
	for _, f := range files {
		name := strings.TrimSuffix(f.Name(), fileExt)
		if f.IsDir() || name == f.Name() || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

type entry struct {
	val tlv.Value
	id  uint64
}

func (e entry) less(o entry) bool {
	if n := tlv.Compare(e.val, o.val); n != 0 {
		return n < 0
	}
	return e.id < o.id
}

// Index is an ordered index of attribute values to identities.
// It is safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	path    string
	opt     *Options
	entries []entry              // sorted by value, then identity
	ids     map[uint64]tlv.Value // identity -> current value
	dirty   bool
}

// Open opens an index, loading the snapshot at path if it exists.
func Open(path string, opt *Options) (*Index, error) {
	x := &Index{
		path: path,
		opt:  opt.norm(),
		ids:  make(map[uint64]tlv.Value),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return x, nil
	} else if err != nil {
		return nil, err
	}

	if err := x.load(data); err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	x.opt.Logger.Debugf(logging.NSAttrIndex+"loaded %d entries from %s", len(x.entries), path)
	return x, nil
}

func (x *Index) load(data []byte) error {
	if len(data) < footerSize {
		return errTruncated
	}

	payload, footer := data[:len(data)-footerSize], data[len(data)-footerSize:]
	if xxh3.Hash(payload) != binary.LittleEndian.Uint64(footer) {
		return errBadChecksum
	}

	ctype := compression.Type(footer[8])
	if !ctype.IsSupported() {
		return errBadCompression
	}
	plain, err := compression.Decompress(ctype, payload)
	if err != nil {
		return err
	}

	scanner := tlv.NewScanner(bytes.NewReader(plain))
	for scanner.Next() {
		item := scanner.Value()
		if item.Tag() != tlv.TagList || item.Len() != 2 || !item.Items()[1].Tag().IsInteger() {
			return fmt.Errorf("%w at offset %d", errBadEntry, scanner.Offset())
		}

		e := entry{val: item.Items()[0], id: item.Items()[1].Uint()}
		x.entries = append(x.entries, e)
		x.ids[e.id] = e.val
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	sort.Slice(x.entries, func(i, j int) bool { return x.entries[i].less(x.entries[j]) })
	return nil
}

// Handle implements tlvdb.IndexHandler.
func (x *Index) Handle(op tlvdb.Operation, id uint64, attr tlv.Value, _ int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch op {
	case tlvdb.OpCreate, tlvdb.OpUpdate:
		if !attr.IsValid() {
			return fmt.Errorf("%w: missing value for %d", errBadEntry, id)
		}
		x.remove(id)
		x.insert(entry{val: attr, id: id})
	case tlvdb.OpDelete:
		x.remove(id)
	default:
		return fmt.Errorf("attrindex: unsupported operation %s", op)
	}
	return nil
}

func (x *Index) search(e entry) int {
	return sort.Search(len(x.entries), func(i int) bool { return !x.entries[i].less(e) })
}

func (x *Index) insert(e entry) {
	i := x.search(e)
	x.entries = append(x.entries, entry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = e
	x.ids[e.id] = e.val
	x.dirty = true
}

func (x *Index) remove(id uint64) {
	val, ok := x.ids[id]
	if !ok {
		return
	}

	e := entry{val: val, id: id}
	if i := x.search(e); i < len(x.entries) && x.entries[i].id == id {
		x.entries = append(x.entries[:i], x.entries[i+1:]...)
	}
	delete(x.ids, id)
	x.dirty = true
}

// Len returns the number of indexed identities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.entries)
}

// Get returns the indexed value of an identity.
func (x *Index) Get(id uint64) (tlv.Value, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	val, ok := x.ids[id]
	return val, ok
}

// Lookup returns the identities indexed under val in ascending order.
func (x *Index) Lookup(val tlv.Value) []uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var ids []uint64
	for i := x.search(entry{val: val}); i < len(x.entries); i++ {
		if tlv.Compare(x.entries[i].val, val) != 0 {
			break
		}
		ids = append(ids, x.entries[i].id)
	}
	return ids
}

// Range iterates over entries with from <= value < to in ascending order
// until fn returns false. An invalid (zero) from or to leaves that side
// unbounded.
func (x *Index) Range(from, to tlv.Value, fn func(val tlv.Value, id uint64) bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	i := 0
	if from.IsValid() {
		i = x.search(entry{val: from})
	}
	for ; i < len(x.entries); i++ {
		e := x.entries[i]
		if to.IsValid() && tlv.Compare(e.val, to) >= 0 {
			return
		}
		if !fn(e.val, e.id) {
			return
		}
	}
}

// Flush writes a snapshot if the index changed since the last one.
func (x *Index) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.dirty {
		return nil
	}
	if err := x.writeSnapshot(); err != nil {
		return err
	}
	x.dirty = false
	return nil
}

func (x *Index) writeSnapshot() error {
	var plain bytes.Buffer
	enc := tlv.NewEncoder(&plain)
	for _, e := range x.entries {
		if _, err := enc.Encode(tlv.List(e.val, tlv.Uint(e.id))); err != nil {
			return err
		}
	}

	codec := x.opt.Compression.codec()
	payload, err := compression.Compress(codec, plain.Bytes())
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(payload)+footerSize)
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint64(buf, xxh3.Hash(payload))
	buf = append(buf, byte(codec))

	tmp := x.path + ".tmp"
	if err := writeFileSync(tmp, buf, x.opt.FileMode); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, x.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	x.opt.Logger.Debugf(logging.NSAttrIndex+"wrote %d entries to %s (%s, %d bytes)", len(x.entries), x.path, codec, len(buf))
	return nil
}

// Close flushes the index.
func (x *Index) Close() error {
	return x.Flush()
}

func writeFileSync(name string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}
