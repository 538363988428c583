package tlvdb

import (
	"io"
	"os"
	"syscall"

	"github.com/bsm/tlvdb/internal/logging"
)

// Logger is the logging interface accepted by Options.
type Logger = logging.Logger

// LogLevel is the level of loggers created by NewLogger.
type LogLevel = logging.Level

// Log levels.
const (
	LogLevelError = logging.LevelError
	LogLevelWarn  = logging.LevelWarn
	LogLevelInfo  = logging.LevelInfo
	LogLevelDebug = logging.LevelDebug
)

// NewLogger returns a logger writing to w.
func NewLogger(w io.Writer, level LogLevel) Logger {
	return logging.NewLogger(w, level)
}

// DiscardLogger drops all messages.
var DiscardLogger Logger = logging.Discard

// Options define store specific options.
type Options struct {
	// Partitions is the number of data partitions created for a new store.
	// Existing stores keep the count recorded in their index header.
	// Default: 1.
	Partitions int

	// PartitionSelector picks the partition new values are appended to.
	// Default: FirstPartition.
	PartitionSelector PartitionSelector

	// VacuumThreshold is the minimum ratio of Free Ledger entries to live
	// items for a partition to be compacted by a non-forced Vacuum.
	// Default: 0 (any tombstone makes a partition eligible).
	VacuumThreshold float64

	// TrackReclaimedSize measures the size of deleted values so the Free
	// Ledger records exact sizes instead of 0.
	TrackReclaimedSize bool

	// IndexHandlers creates secondary index handlers by attribute name.
	// Handlers are created lazily, at most once per attribute.
	IndexHandlers IndexHandlerFactory

	// IndexedAttributes names attributes whose handlers are created when the
	// store is opened, so deletions reach indexes that were persisted by an
	// earlier session. Requires IndexHandlers.
	IndexedAttributes []string

	// InterruptSignals are held back while a compacted partition is swapped
	// into place and re-raised afterwards. Applications that listen for these
	// signals with signal.Notify receive them immediately and again when they
	// are re-raised, so their handlers must tolerate duplicates.
	// Default: SIGINT, SIGTERM.
	InterruptSignals []os.Signal

	// FileMode is used when creating files.
	// Default: 0644.
	FileMode os.FileMode

	// Logger receives diagnostic messages.
	// Default: WARN level logger writing to stderr.
	Logger Logger

	// CriticalHandler, if set, is called after a critical condition is logged,
	// for example when a compacted partition could not be moved into place.
	CriticalHandler func(msg string)
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.Partitions < 1 {
		oo.Partitions = 1
	} else if oo.Partitions > MaxPartitions {
		oo.Partitions = MaxPartitions
	}
	if oo.PartitionSelector == nil {
		oo.PartitionSelector = FirstPartition
	}
	if oo.VacuumThreshold < 0 {
		oo.VacuumThreshold = 0
	}
	if oo.InterruptSignals == nil {
		oo.InterruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	if oo.FileMode == 0 {
		oo.FileMode = 0o644
	}
	oo.Logger = logging.WithCriticalHandler(logging.OrDefault(oo.Logger), oo.CriticalHandler)

	return &oo
}

// --------------------------------------------------------------------

// PartitionSelector picks the partition for a new value.
type PartitionSelector interface {
	// SelectPartition returns a partition number in [0, partitions).
	SelectPartition(partitions, size int) int
}

// PartitionSelectorFunc adapts a function to PartitionSelector.
type PartitionSelectorFunc func(partitions, size int) int

// SelectPartition implements PartitionSelector.
func (f PartitionSelectorFunc) SelectPartition(partitions, size int) int {
	return f(partitions, size)
}

// FirstPartition always selects partition 0.
var FirstPartition PartitionSelector = PartitionSelectorFunc(func(int, int) int { return 0 })
