package txlog

import (
	"github.com/dlarkin/txlog/internal/constants"
	"github.com/dlarkin/txlog/internal/logging"
)

// Superblock carries the two fields the log region needs from the
// file system's superblock: where the log region starts and how many
// blocks it spans.
type Superblock struct {
	// LogStart is the first device block of the log region; the header
	// lives there, payload slot i lives at LogStart+1+i.
	LogStart uint32
	// NLog is the total size of the log region in blocks, header
	// included: it holds one header block plus up to NLog-1 payload
	// blocks.
	NLog uint32
}

// Logger is the interface the log core needs for diagnostic output.
// *logging.Logger satisfies it; callers may substitute their own.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}

// Options configures a Log opened with Open.
type Options struct {
	// LogSize is the maximum number of blocks a single transaction group
	// may hold (the LOGSIZE bound). The in-memory header's block array
	// is sized to this; it must be >= MaxOpBlocks and the superblock's
	// NLog must be >= LogSize+1 (room for the header block).
	LogSize int

	// MaxOpBlocks is the worst-case number of distinct blocks a single
	// op is assumed to log; used by the admission controller's
	// reservation bound.
	MaxOpBlocks int

	// BlockSize is the device block size in bytes. The header must fit
	// in one block.
	BlockSize int

	// Logger receives one debug message per LogWrite (block number,
	// whether it was absorbed, group size). Admission waits, copier
	// election, commits and installs are not logged. If nil, no logging.
	Logger Logger

	// Observer receives metrics events. If nil, a NoOpObserver is used.
	Observer Observer
}

// DefaultOptions returns sensible defaults, mirroring the constants the
// classical single-writer design used (LOGSIZE=30, MAXOPBLOCKS=10).
func DefaultOptions() Options {
	return Options{
		LogSize:     constants.DefaultLogSize,
		MaxOpBlocks: constants.DefaultMaxOpBlocks,
		BlockSize:   constants.DefaultBlockSize,
		Logger:      logging.Default(),
	}
}
