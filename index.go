package tlvdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/bsm/tlvdb/internal/logging"
)

type indexPartition struct {
	live map[uint64]int64 // identity -> stored position (offset+1)
	free map[int64]int64  // offset -> reclaimed size, 0 if unknown
}

func newIndexPartition() *indexPartition {
	return &indexPartition{
		live: make(map[uint64]int64),
		free: make(map[int64]int64),
	}
}

func (ip *indexPartition) reclaimable() (n int64) {
	for _, size := range ip.free {
		n += size
	}
	return
}

// index is the in-memory position index, backed by a single file.
// All methods expect mu to be held by the caller.
type index struct {
	mu sync.Mutex

	f      *os.File
	log    logging.Logger
	header Header
	parts  []*indexPartition
	nextID uint64
	buf    []byte
}

func openIndex(f *os.File, partitions int, log logging.Logger) (*index, error) {
	x := &index{f: f, log: log}
	if err := x.load(partitions); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *index) load(partitions int) error {
	info, err := x.f.Stat()
	if err != nil {
		return err
	}

	data := make([]byte, int(info.Size()))
	if _, err := x.f.ReadAt(data, 0); err != nil {
		return err
	}

	x.nextID = 1
	if len(data) < headerUsed || data[0] == 0 {
		x.header = Header{
			Version:    formatVersion,
			Kind:       KindHash,
			Partitions: uint8(partitions),
			NextID:     1,
		}
		x.resetPartitions()
		return x.flush()
	}

	x.header = Header{
		Version:    data[0],
		Kind:       data[1],
		Items:      binary.LittleEndian.Uint64(data[2:]),
		Partitions: data[10],
		NextID:     binary.LittleEndian.Uint64(data[11:]),
	}
	if x.header.Version != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", errBadHeader, x.header.Version)
	}
	if x.header.Kind != KindHash {
		return fmt.Errorf("%w: unsupported index kind %d", errBadHeader, x.header.Kind)
	}
	if x.header.Partitions == 0 || x.header.Partitions > MaxPartitions {
		return fmt.Errorf("%w: invalid partition count %d", errBadHeader, x.header.Partitions)
	}
	x.resetPartitions()

	if len(data) < headerSize {
		data = data[:0]
	} else {
		data = data[headerSize:]
	}
	if rest := len(data) % entrySize; rest != 0 {
		x.log.Warnf(logging.NSIndex+"ignoring %d trailing bytes of a partial entry", rest)
		data = data[:len(data)-rest]
	}

	var live uint64
	for ; len(data) != 0; data = data[entrySize:] {
		part := int(data[0])
		id := binary.LittleEndian.Uint64(data[1:])
		pos := int64(binary.LittleEndian.Uint64(data[9:]))

		if part == ledgerPartition {
			part, size := int(id>>56), int64(id&ledgerSizeMask)
			if part >= len(x.parts) || pos == 0 {
				x.log.Warnf(logging.NSIndex+"dropping invalid ledger row for partition %d", part)
				continue
			}
			x.parts[part].free[pos-1] = size
			continue
		}

		if part >= len(x.parts) {
			return fmt.Errorf("%w: entry %d refers to partition %d", errBadPartition, id, part)
		}
		if id >= x.nextID {
			x.nextID = id + 1
		}
		if pos == 0 {
			continue // tombstone
		}
		if _, ok := x.parts[part].live[id]; !ok {
			live++
		}
		x.parts[part].live[id] = pos
	}

	if x.header.NextID > x.nextID {
		x.nextID = x.header.NextID
	}
	if live != x.header.Items {
		x.log.Warnf(logging.NSIndex+"header counts %d items, found %d", x.header.Items, live)
		x.header.Items = live
	}
	x.header.NextID = x.nextID
	return nil
}

// reload discards all in-memory state and reads the index back from disk.
func (x *index) reload() error {
	return x.load(int(x.header.Partitions))
}

func (x *index) resetPartitions() {
	x.parts = make([]*indexPartition, int(x.header.Partitions))
	for i := range x.parts {
		x.parts[i] = newIndexPartition()
	}
}

// get returns the partition and offset of a live identity.
func (x *index) get(id uint64) (int, int64, bool) {
	for n, ip := range x.parts {
		if pos, ok := ip.live[id]; ok {
			return n, pos - 1, true
		}
	}
	return 0, 0, false
}

// create registers a new identity. It never overwrites an existing one.
func (x *index) create(part int, id uint64, off int64) error {
	if part < 0 || part >= len(x.parts) {
		return errBadPartition
	}
	if _, _, ok := x.get(id); ok {
		return fmt.Errorf("%w: %d", errDuplicateID, id)
	}

	x.parts[part].live[id] = off + 1
	x.header.Items++
	if id >= x.nextID {
		x.nextID = id + 1
	}
	return nil
}

// update rewrites the position of an existing identity.
func (x *index) update(part int, id uint64, off int64) bool {
	cur, _, ok := x.get(id)
	if !ok || part < 0 || part >= len(x.parts) {
		return false
	}
	if cur != part {
		delete(x.parts[cur].live, id)
	}
	x.parts[part].live[id] = off + 1
	return true
}

// delete removes an identity, returning its former location.
func (x *index) delete(id uint64) (int, int64, bool) {
	part, off, ok := x.get(id)
	if !ok {
		return 0, 0, false
	}
	delete(x.parts[part].live, id)
	x.header.Items--
	return part, off, true
}

// markEmpty records a reclaimable region in the Free Ledger.
func (x *index) markEmpty(part int, off, size int64) {
	if part < 0 || part >= len(x.parts) {
		return
	}
	x.parts[part].free[off] = size
}

// flush writes header, live entries and ledger rows, truncates the file to
// the written length and syncs it.
func (x *index) flush() error {
	x.header.NextID = x.nextID

	buf := x.buf[:0]
	if n := headerSize + entrySize*x.rows(); cap(buf) < n {
		buf = make([]byte, 0, n)
	}

	buf = append(buf, x.header.Version, x.header.Kind)
	buf = binary.LittleEndian.AppendUint64(buf, x.header.Items)
	buf = append(buf, x.header.Partitions)
	buf = binary.LittleEndian.AppendUint64(buf, x.header.NextID)
	buf = buf[:headerSize]
	clear(buf[headerUsed:])

	ids := make([]uint64, 0, 64)
	offs := make([]int64, 0, 64)
	for n, ip := range x.parts {
		ids = ids[:0]
		for id := range ip.live {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			buf = appendRow(buf, uint8(n), id, uint64(ip.live[id]))
		}
	}
	for n, ip := range x.parts {
		offs = offs[:0]
		for off := range ip.free {
			offs = append(offs, off)
		}
		sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
		for _, off := range offs {
			size := uint64(ip.free[off]) & ledgerSizeMask
			buf = appendRow(buf, ledgerPartition, uint64(n)<<56|size, uint64(off)+1)
		}
	}
	x.buf = buf

	if _, err := x.f.WriteAt(buf, 0); err != nil {
		return err
	}
	if err := x.f.Truncate(int64(len(buf))); err != nil {
		return err
	}
	return x.f.Sync()
}

func (x *index) rows() (n int) {
	for _, ip := range x.parts {
		n += len(ip.live) + len(ip.free)
	}
	return
}

func (x *index) stats(part int) (items, free int, reclaimable int64) {
	ip := x.parts[part]
	return len(ip.live), len(ip.free), ip.reclaimable()
}

func (x *index) close() error {
	return x.f.Close()
}

func appendRow(buf []byte, part uint8, id, pos uint64) []byte {
	buf = append(buf, part)
	buf = binary.LittleEndian.AppendUint64(buf, id)
	return binary.LittleEndian.AppendUint64(buf, pos)
}
