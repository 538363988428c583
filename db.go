package tlvdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bsm/tlvdb/internal/logging"
	"github.com/bsm/tlvdb/tlv"
	"golang.org/x/sync/errgroup"
)

// DB is a file-backed store of tagged values, addressed by identity.
// It is safe for concurrent use.
type DB struct {
	mu     sync.RWMutex // CRUD shared, Vacuum and Close exclusive
	closed bool

	opt   *Options
	log   logging.Logger
	dir   string
	base  string
	idx   *index
	parts []*partition
	hooks *hookSet
	txn   atomic.Bool
}

// Open opens or creates a store. Partition files are created next to the
// index file and named after its base name up to the first dot.
func Open(name string, opt *Options) (*DB, error) {
	opt = opt.norm()

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, opt.FileMode)
	if err != nil {
		return nil, err
	}

	idx, err := openIndex(f, opt.Partitions, opt.Logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	base := filepath.Base(name)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}

	db := &DB{
		opt:   opt,
		log:   opt.Logger,
		dir:   filepath.Dir(name),
		base:  base,
		idx:   idx,
		hooks: newHookSet(opt.IndexHandlers),
	}

	for n := 0; n < int(idx.header.Partitions); n++ {
		p, err := openPartition(db.dir, db.base, n, opt.FileMode)
		if err != nil {
			_ = db.closeFiles()
			return nil, err
		}
		db.parts = append(db.parts, p)
	}

	if err := db.hooks.load(opt.IndexedAttributes); err != nil {
		_ = db.hooks.close()
		_ = db.closeFiles()
		return nil, err
	}

	db.log.Debugf(logging.NSDB+"opened %s with %d items in %d partition(s)", name, idx.header.Items, len(db.parts))
	return db, nil
}

// Create stores a new value and returns its identity.
func (db *DB) Create(v tlv.Packable) (uint64, error) {
	val, err := v.ToValue()
	if err != nil {
		return 0, err
	}
	buf, err := encodeValue(val)
	if err != nil {
		return 0, err
	}
	defer releaseBuffer(buf)

	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return 0, ErrClosed
	}

	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	id := db.idx.nextID
	num := db.opt.PartitionSelector.SelectPartition(len(db.parts), len(buf))
	if num < 0 || num >= len(db.parts) {
		return 0, fmt.Errorf("%w: selected %d of %d", errBadPartition, num, len(db.parts))
	}
	part := db.parts[num]

	off, err := part.append(buf)
	if err != nil {
		return 0, err
	}
	if err := db.idx.create(num, id, off); err != nil {
		return 0, err
	}
	if err := db.hooks.notify(OpCreate, id, v, off); err != nil {
		return id, err
	}

	if !db.txn.Load() {
		if err := db.idx.flush(); err != nil {
			return id, err
		}
		if err := part.sync(); err != nil {
			return id, err
		}
		if err := db.hooks.flush(); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Read returns the value stored under id.
// It may return an ErrNotFound error.
func (db *DB) Read(id uint64) (tlv.Value, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return tlv.Value{}, ErrClosed
	}

	db.idx.mu.Lock()
	num, off, ok := db.idx.get(id)
	db.idx.mu.Unlock()
	if !ok {
		return tlv.Value{}, notFound(id)
	}

	val, _, err := db.parts[num].decodeAt(off)
	return val, err
}

// ReadInto reads the value stored under id into dst. If dst has a
// SetStoreID(uint64) method, it is called with id.
func (db *DB) ReadInto(id uint64, dst tlv.Unpackable) error {
	val, err := db.Read(id)
	if err != nil {
		return err
	}
	if err := dst.FromValue(val); err != nil {
		return err
	}
	if s, ok := dst.(interface{ SetStoreID(uint64) }); ok {
		s.SetStoreID(id)
	}
	return nil
}

// Delete removes the value stored under id. It returns false if id was
// unknown.
func (db *DB) Delete(id uint64) (bool, error) {
	_, ok, err := db.remove(id, false)
	return ok, err
}

// Remove deletes the value stored under id and returns it.
func (db *DB) Remove(id uint64) (tlv.Value, bool, error) {
	return db.remove(id, true)
}

func (db *DB) remove(id uint64, keep bool) (tlv.Value, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return tlv.Value{}, false, ErrClosed
	}

	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	num, off, ok := db.idx.get(id)
	if !ok {
		return tlv.Value{}, false, nil
	}

	var (
		old  tlv.Value
		size int64
		err  error
	)
	if keep {
		old, size, err = db.parts[num].decodeAt(off)
	} else if db.opt.TrackReclaimedSize {
		size, err = db.parts[num].sizeAt(off)
	}
	if err != nil {
		return tlv.Value{}, false, err
	}

	db.idx.delete(id)
	db.idx.markEmpty(num, off, size)
	if err := db.hooks.notifyDelete(id, off); err != nil {
		return old, true, err
	}

	if !db.txn.Load() {
		if err := db.idx.flush(); err != nil {
			return old, true, err
		}
		if err := db.hooks.flush(); err != nil {
			return old, true, err
		}
	}
	return old, true, nil
}

// Update replaces the value stored under v.StoreID(). Values that do not grow
// are rewritten in place and a shrunk tail is added to the Free Ledger. Larger
// values are appended and their old slot is added to the Free Ledger. Updates are always persisted immediately, even
// inside a transaction.
func (db *DB) Update(v Identified) error {
	id := v.StoreID()
	val, err := v.ToValue()
	if err != nil {
		return err
	}
	buf, err := encodeValue(val)
	if err != nil {
		return err
	}
	defer releaseBuffer(buf)

	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return ErrClosed
	}

	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	if id == 0 || id >= db.idx.nextID {
		return ErrWrongInstance
	}
	num, off, ok := db.idx.get(id)
	if !ok {
		return notFound(id)
	}
	part := db.parts[num]

	size, err := part.sizeAt(off)
	if err != nil {
		return err
	}

	pos := off
	if n := int64(len(buf)); n <= size {
		if err := part.writeAt(buf, off); err != nil {
			return err
		}
		if n < size {
			db.idx.markEmpty(num, off+n, size-n)
		}
	} else {
		if pos, err = part.append(buf); err != nil {
			return err
		}
		db.idx.markEmpty(num, off, size)
	}
	db.idx.update(num, id, pos)

	if err := db.hooks.notify(OpUpdate, id, v, pos); err != nil {
		return err
	}
	if err := db.idx.flush(); err != nil {
		return err
	}
	if err := part.sync(); err != nil {
		return err
	}
	return db.hooks.flush()
}

// BeginTransaction starts buffering. Until EndTransaction, Create and Delete
// update the in-memory index only and defer flushes.
func (db *DB) BeginTransaction() {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.txn.Swap(true) {
		db.log.Debugf(logging.NSTxn + "transaction already open")
	}
}

// InTransaction returns true while a transaction is open.
func (db *DB) InTransaction() bool {
	return db.txn.Load()
}

// EndTransaction ends buffering, flushes the index once and syncs every
// partition.
func (db *DB) EndTransaction() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return ErrClosed
	}
	if !db.txn.Swap(false) {
		return nil
	}
	return db.commit()
}

func (db *DB) commit() error {
	db.idx.mu.Lock()
	err := db.idx.flush()
	db.idx.mu.Unlock()
	if err != nil {
		return err
	}

	if err := db.syncPartitions(); err != nil {
		return err
	}
	return db.hooks.flush()
}

func (db *DB) syncPartitions() error {
	var g errgroup.Group
	for _, p := range db.parts {
		g.Go(p.sync)
	}
	return g.Wait()
}

// Header returns the current index header.
func (db *DB) Header() Header {
	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	h := db.idx.header
	h.NextID = db.idx.nextID
	return h
}

// NextID returns the identity the next Create will issue.
func (db *DB) NextID() uint64 {
	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	return db.idx.nextID
}

// Stats returns per-partition statistics.
func (db *DB) Stats() ([]PartitionStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	stats := make([]PartitionStats, 0, len(db.parts))
	for n, p := range db.parts {
		size, err := p.size()
		if err != nil {
			return nil, err
		}

		items, free, reclaimable := db.idx.stats(n)
		stats = append(stats, PartitionStats{
			Partition:   n,
			Path:        p.path,
			Items:       items,
			Free:        free,
			Reclaimable: reclaimable,
			Size:        size,
		})
	}
	return stats, nil
}

// FreeRegions returns the Free Ledger entries of a partition, ordered by
// offset. A size of 0 means the region holds a deleted value of unknown size.
func (db *DB) FreeRegions(partition int) ([]FreeRegion, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	if partition < 0 || partition >= len(db.parts) {
		return nil, fmt.Errorf("%w: %d", errBadPartition, partition)
	}

	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	free := db.idx.parts[partition].free
	regions := make([]FreeRegion, 0, len(free))
	for off, size := range free {
		regions = append(regions, FreeRegion{Offset: off, Size: size})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Offset < regions[j].Offset })
	return regions, nil
}

// Close closes the store. An open transaction is committed first.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if db.txn.Swap(false) {
		db.log.Warnf(logging.NSTxn + "committing transaction left open on close")
		if err := db.commit(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.hooks.close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.closeFiles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (db *DB) closeFiles() error {
	var errs []error
	for _, p := range db.parts {
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.idx.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
