package tlvdb

import (
	"errors"
	"fmt"
)

const (
	formatVersion = 1

	headerSize = 256 // total header size, zero padded
	headerUsed = 19  // version, kind, items, partitions, next identity
	entrySize  = 17  // partition, identity, position+1

	// ledgerPartition marks index rows that carry Free Ledger entries.
	ledgerPartition = 255
	ledgerSizeMask  = 1<<56 - 1

	// MaxPartitions is the maximum number of data partitions.
	MaxPartitions = ledgerPartition

	swapSuffix = ".swap"
)

// KindHash is the only supported index kind.
const KindHash = 1

// ErrNotFound is returned when an identity is unknown or was deleted.
var ErrNotFound = errors.New("tlvdb: not found")

var (
	// ErrWrongInstance is returned by Update when the value does not carry
	// an identity issued by this store.
	ErrWrongInstance = errors.New("tlvdb: value carries no identity issued by this store")

	// ErrInTransaction is returned by Vacuum while a transaction is open.
	ErrInTransaction = errors.New("tlvdb: vacuum called inside an open transaction")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("tlvdb: is closed")

	errBadHeader    = errors.New("tlvdb: bad index header")
	errBadPartition = errors.New("tlvdb: partition out of range")
	errDuplicateID  = errors.New("tlvdb: identity already indexed")
)

func notFound(id uint64) error {
	return fmt.Errorf("%w (id=%d)", ErrNotFound, id)
}

// VacuumError reports a partition whose compaction failed. If the compacted
// file could not be moved into place, the index has been reloaded from disk.
// Once it was moved, the index has been rewritten to the compacted positions.
type VacuumError struct {
	Partition int
	Err       error
}

func (e *VacuumError) Error() string {
	return fmt.Sprintf("tlvdb: vacuum of partition %d failed: %v", e.Partition, e.Err)
}

func (e *VacuumError) Unwrap() error { return e.Err }

// --------------------------------------------------------------------

// Header is the summary stored at the start of the index file.
type Header struct {
	Version    uint8  // format version, 0 if uninitialised
	Kind       uint8  // index kind, see KindHash
	Items      uint64 // number of live items
	Partitions uint8  // number of data partitions
	NextID     uint64 // identity high-water mark
}

// PartitionStats summarises a single partition.
type PartitionStats struct {
	Partition   int    // partition number
	Path        string // data file path
	Items       int    // live items
	Free        int    // Free Ledger entries
	Reclaimable int64  // known reclaimable bytes, unknown sizes count as 0
	Size        int64  // data file size in bytes
}

// FreeRegion is a reclaimable region recorded in the Free Ledger.
type FreeRegion struct {
	Offset int64 // offset within the partition file
	Size   int64 // region size, 0 if unknown
}
