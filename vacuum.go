package tlvdb

import (
	"bufio"
	"errors"
	"os"
	"sort"

	"github.com/bsm/tlvdb/internal/logging"
	"github.com/bsm/tlvdb/tlv"
)

const vacuumBufferSize = 64 * 1024

// VacuumStats summarises a Vacuum run.
type VacuumStats struct {
	Compacted []int // partitions rewritten
	Skipped   []int // partitions that were clean or already compact
	Failed    []int // partitions that could not be compacted
	Moved     int   // values rewritten
	Reclaimed int64 // bytes released
}

// Vacuum rewrites the live values of every eligible partition contiguously
// and atomically swaps the result into place. A partition is eligible when
// its Free Ledger is not empty and the ratio of ledger entries to live items
// reaches Options.VacuumThreshold. With force, every partition is eligible,
// but partitions that are already compact are left untouched.
//
// A failing partition does not abort the run. All failures are returned as
// *VacuumError values joined together.
func (db *DB) Vacuum(force bool) (*VacuumStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if db.txn.Load() {
		return nil, ErrInTransaction
	}

	db.idx.mu.Lock()
	defer db.idx.mu.Unlock()

	stats := new(VacuumStats)
	var errs []error
	for n := range db.parts {
		if !db.eligible(n, force) {
			stats.Skipped = append(stats.Skipped, n)
			continue
		}

		moved, reclaimed, err := db.vacuumPartition(n)
		switch {
		case err != nil:
			db.log.Errorf(logging.NSVacuum+"partition %d: %v", n, err)
			stats.Failed = append(stats.Failed, n)
			errs = append(errs, &VacuumError{Partition: n, Err: err})
		case moved < 0:
			db.log.Debugf(logging.NSVacuum+"partition %d: already compact", n)
			stats.Skipped = append(stats.Skipped, n)
		default:
			db.log.Infof(logging.NSVacuum+"partition %d: compacted %d items, reclaimed %d bytes", n, moved, reclaimed)
			stats.Compacted = append(stats.Compacted, n)
			stats.Moved += moved
			stats.Reclaimed += reclaimed
		}
	}
	return stats, errors.Join(errs...)
}

func (db *DB) eligible(n int, force bool) bool {
	if force {
		return true
	}

	items, free, _ := db.idx.stats(n)
	if free == 0 {
		return false
	}
	if db.opt.VacuumThreshold == 0 || items == 0 {
		return true
	}
	return float64(free)/float64(items) >= db.opt.VacuumThreshold
}

type vacuumEntry struct {
	id  uint64
	off int64
}

// vacuumPartition compacts partition n. It returns moved < 0 if the partition
// was already compact. Callers must hold the engine and index locks.
func (db *DB) vacuumPartition(n int) (moved int, reclaimed int64, err error) {
	p, ip := db.parts[n], db.idx.parts[n]

	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]vacuumEntry, 0, len(ip.live))
	for id, pos := range ip.live {
		entries = append(entries, vacuumEntry{id: id, off: pos - 1})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].off < entries[j].off })

	info, err := p.f.Stat()
	if err != nil {
		return 0, 0, err
	}
	oldSize := info.Size()

	if len(ip.free) == 0 {
		compact, err := isCompact(p.f, entries, oldSize)
		if err != nil {
			return 0, 0, err
		}
		if compact {
			return -1, 0, nil
		}
	}

	swapPath := p.swapPath()
	newSize, err := writeSwap(swapPath, p, entries, db.opt.FileMode)
	if err != nil {
		_ = os.Remove(swapPath)
		return 0, 0, err
	}
	if err := p.f.Sync(); err != nil {
		_ = os.Remove(swapPath)
		return 0, 0, err
	}

	// from here on, the in-memory index no longer matches the disk
	for _, e := range entries {
		ip.live[e.id] = e.off + 1
	}

	var renameErr error
	deferSignals(db.opt.InterruptSignals, func() {
		renameErr = os.Rename(swapPath, p.path)
	})
	if renameErr != nil {
		db.log.Criticalf(logging.NSVacuum+"partition %d: failed to move compacted file into place: %v", n, renameErr)
		if err := db.idx.reload(); err != nil {
			db.log.Criticalf(logging.NSVacuum+"partition %d: failed to reload index: %v", n, err)
		}
		_ = os.Remove(swapPath)
		if err := p.reopen(); err != nil {
			db.log.Criticalf(logging.NSVacuum+"partition %d: failed to reopen: %v", n, err)
		}
		return 0, 0, renameErr
	}

	if err := syncDir(db.dir); err != nil {
		db.log.Warnf(logging.NSVacuum+"partition %d: directory sync failed: %v", n, err)
	}

	// the index must describe the compacted file before anything else can fail
	clear(ip.free)
	flushErr := db.idx.flush()
	if flushErr != nil {
		db.log.Criticalf(logging.NSVacuum+"partition %d: failed to persist compacted positions: %v", n, flushErr)
	}
	if err := p.reopen(); err != nil {
		db.log.Criticalf(logging.NSVacuum+"partition %d: failed to reopen: %v", n, err)
		return 0, 0, errors.Join(flushErr, err)
	}
	if flushErr != nil {
		return 0, 0, flushErr
	}
	return len(entries), oldSize - newSize, nil
}

// writeSwap writes the values at entries to a new file at path. It rewrites
// entries in place with their new offsets and returns the new file size.
func writeSwap(path string, p *partition, entries []vacuumEntry, mode os.FileMode) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, vacuumBufferSize)
	enc := tlv.NewEncoder(w)
	for i, e := range entries {
		val, _, err := tlv.DecodeAt(p.f, e.off)
		if err != nil {
			return 0, err
		}

		off := enc.Offset()
		if _, err := enc.Encode(val); err != nil {
			return 0, err
		}
		entries[i].off = off
	}

	if err := w.Flush(); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return enc.Offset(), f.Close()
}

// isCompact reports whether entries cover the file from 0 to size without
// gaps.
func isCompact(f *os.File, entries []vacuumEntry, size int64) (bool, error) {
	var pos int64
	for _, e := range entries {
		if e.off != pos {
			return false, nil
		}
		n, err := tlv.SizeAt(f, e.off)
		if err != nil {
			return false, err
		}
		pos += n
	}
	return pos == size, nil
}
