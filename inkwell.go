// Package inkwell is the query execution core of a document layer on
// top of an ordered key-value store (pebble). A compiled plan tree of
// scan, filter, projection, set-algebra, mutation and control
// operators streams matched documents to the client under a
// credit-based flow-control discipline, and can be split across
// transactions through plan checkpoints without losing or repeating
// documents.
package inkwell

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/utils"
)

type Options struct {
	// Logger receives execution and metadata events; defaults to the
	// slog text logger.
	Logger utils.Logger

	// FlowControlPermits sizes each checkpoint's document-finished
	// lock.
	FlowControlPermits int64

	// TransactionTimeout is the store's per-transaction lifetime.
	TransactionTimeout time.Duration

	// NonIsolatedFirstTimeout bounds the first round of a
	// non-isolated plan; subsequent rounds use
	// NonIsolatedInternalTimeout.
	NonIsolatedFirstTimeout    time.Duration
	NonIsolatedInternalTimeout time.Duration

	// NonIsolatedRWBufferMax caps committed-but-unemitted documents
	// per read-write round.
	NonIsolatedRWBufferMax int

	// FindAndModifyRoundTimeout bounds each search round of a
	// find-and-modify.
	FindAndModifyRoundTimeout time.Duration

	// InMemory opens the store on a memory filesystem; Pebble options
	// are passed through otherwise.
	InMemory           bool
	Pebble             pebble.Options
	PebbleWriteOptions *pebble.WriteOptions
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.FlowControlPermits == 0 {
		o.FlowControlPermits = DefaultFlowControlPermits
	}
	if o.TransactionTimeout == 0 {
		o.TransactionTimeout = 5 * time.Second
	}
	if o.NonIsolatedFirstTimeout == 0 {
		o.NonIsolatedFirstTimeout = 3 * time.Second
	}
	if o.NonIsolatedInternalTimeout == 0 {
		o.NonIsolatedInternalTimeout = time.Second
	}
	if o.NonIsolatedRWBufferMax == 0 {
		o.NonIsolatedRWBufferMax = 100
	}
	if o.FindAndModifyRoundTimeout == 0 {
		o.FindAndModifyRoundTimeout = time.Second
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = pebble.Sync
	}
}

// DB owns the pebble store and hands out transactions, checkpoints
// and collection metadata.
type DB struct {
	pebble *pebble.DB
	opts   Options
	log    utils.Logger
	mm     *MetadataManager
}

var ErrAlreadyClosed = errors.New("the db is already closed")

// Open opens (or creates) a store at path. With Options.InMemory the
// path is only a name and nothing touches disk.
func Open(path string, opts Options) (*DB, error) {
	opts.SetDefaults()
	popts := opts.Pebble
	if opts.InMemory {
		popts.FS = vfs.NewMem()
	}
	pdb, err := pebble.Open(path, &popts)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	db := &DB{pebble: pdb, opts: opts, log: opts.Logger}
	db.mm = newMetadataManager(db)
	db.log.Debug("store opened", "path", path, "in_memory", opts.InMemory)
	return db, nil
}

func (db *DB) Close() error {
	if db.pebble == nil {
		return ErrAlreadyClosed
	}
	err := db.pebble.Close()
	db.pebble = nil
	return err
}

// Metadata is the collection/index catalog manager.
func (db *DB) Metadata() *MetadataManager { return db.mm }

// Options returns the effective configuration.
func (db *DB) Options() Options { return db.opts }

// Logger returns the DB's logger.
func (db *DB) Logger() utils.Logger { return db.log }

// NewTransaction starts a transaction with the default lifetime.
func (db *DB) NewTransaction() *Transaction {
	return newTransaction(db, 0)
}

// NewCheckpoint creates a root checkpoint sized by the configured
// flow-control permits.
func (db *DB) NewCheckpoint() *PlanCheckpoint {
	return NewPlanCheckpoint(db.opts.FlowControlPermits)
}
