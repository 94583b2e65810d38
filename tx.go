package inkwell

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Transaction is one bounded-lifetime unit of work against the store:
// snapshot reads plus a write batch applied atomically on Commit.
// Writes are also kept in an overlay so the transaction reads its own
// staged mutations; streamed range scans (Descendants) read the
// snapshot only.
type Transaction struct {
	db       *DB
	mu       sync.Mutex
	snap     *pebble.Snapshot
	batch    *pebble.Batch
	writes   map[string]txWrite
	deadline time.Time
	timeout  time.Duration
	attempt  int
	done     bool

	// Open descendant readers; the snapshot is only closed once they
	// have drained.
	iters sync.WaitGroup

	// Index-entry recomputation during CommitChanges checks this
	// context, so a wrapper about to commit can cancel reads that
	// would otherwise race the commit.
	indexCtx    context.Context
	cancelIndex context.CancelFunc
}

type txWrite struct {
	deleted bool
	value   []byte
}

// Transaction options, set via SetOption.
type TxOption int

const (
	// TxOptionTimeout resets the transaction lifetime.
	TxOptionTimeout TxOption = iota
)

func newTransaction(db *DB, timeout time.Duration) *Transaction {
	if timeout <= 0 {
		timeout = db.opts.TransactionTimeout
	}
	tx := &Transaction{db: db, timeout: timeout}
	tx.reset()
	return tx
}

func (tx *Transaction) reset() {
	tx.iters.Wait()
	if tx.snap != nil {
		_ = tx.snap.Close()
	}
	if tx.batch != nil {
		_ = tx.batch.Close()
	}
	tx.snap = tx.db.pebble.NewSnapshot()
	tx.batch = tx.db.pebble.NewBatch()
	tx.writes = make(map[string]txWrite)
	tx.deadline = time.Now().Add(tx.timeout)
	tx.done = false
	if tx.cancelIndex != nil {
		tx.cancelIndex()
	}
	tx.indexCtx, tx.cancelIndex = context.WithCancel(context.Background())
}

// SetOption adjusts a transaction knob.
func (tx *Transaction) SetOption(opt TxOption, d time.Duration) {
	switch opt {
	case TxOptionTimeout:
		tx.timeout = d
		tx.deadline = time.Now().Add(d)
	}
}

func (tx *Transaction) expired() error {
	if time.Now().After(tx.deadline) {
		return ErrTransactionTooOld
	}
	return nil
}

// Get reads one key: staged writes first, then the snapshot.
func (tx *Transaction) Get(key []byte) ([]byte, bool, error) {
	if err := tx.expired(); err != nil {
		return nil, false, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.snap == nil {
		return nil, false, ErrTransactionTooOld
	}
	if w, ok := tx.writes[string(key)]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	val, closer, err := tx.snap.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "snapshot get")
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, true, nil
}

// Set stages a write.
func (tx *Transaction) Set(key, value []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.batch == nil {
		return
	}
	_ = tx.batch.Set(key, value, nil)
	tx.writes[string(key)] = txWrite{value: append([]byte(nil), value...)}
}

// Delete stages a deletion.
func (tx *Transaction) Delete(key []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.batch == nil {
		return
	}
	_ = tx.batch.Delete(key, nil)
	tx.writes[string(key)] = txWrite{deleted: true}
}

// Descendants streams the snapshot's key-values in [begin, end) under
// the given subspace prefix, taking one flow-control permit per pair.
// Keys on the stream are prefix-relative. The producer stops when ctx
// is cancelled.
func (tx *Transaction) Descendants(ctx context.Context, prefix, begin, end []byte, lock *FlowLock) *KVStream {
	s := NewKVStream()
	lower := append(append([]byte(nil), prefix...), begin...)
	upper := append(append([]byte(nil), prefix...), end...)
	tx.iters.Add(1)
	go func() {
		defer tx.iters.Done()
		it, err := tx.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			s.Fail(errors.Wrap(err, "descendants iterator"))
			return
		}
		defer it.Close()
		for ok := it.First(); ok; ok = it.Next() {
			if err := tx.expired(); err != nil {
				s.Fail(err)
				return
			}
			if err := lock.Take(ctx, 1); err != nil {
				s.Fail(err)
				return
			}
			kv := KeyValue{
				Key:   append([]byte(nil), it.Key()[len(prefix):]...),
				Value: append([]byte(nil), it.Value()...),
			}
			if err := s.Send(ctx, kv); err != nil {
				s.Fail(err)
				return
			}
		}
		if err := it.Error(); err != nil {
			s.Fail(errors.Wrap(err, "descendants iterator"))
			return
		}
		s.Close()
	}()
	return s
}

// descendantPairs collects the pairs under prefix+range, with the
// transaction's staged writes applied over the snapshot, without flow
// control, for small metadata reads and single-document reads.
func (tx *Transaction) descendantPairs(prefix, begin, end []byte) ([]KeyValue, error) {
	if err := tx.expired(); err != nil {
		return nil, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.snap == nil {
		return nil, ErrTransactionTooOld
	}
	lower := append(append([]byte(nil), prefix...), begin...)
	upper := append(append([]byte(nil), prefix...), end...)
	it, err := tx.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "metadata iterator")
	}
	defer it.Close()
	var out []KeyValue
	for ok := it.First(); ok; ok = it.Next() {
		if _, staged := tx.writes[string(it.Key())]; staged {
			continue
		}
		out = append(out, KeyValue{
			Key:   append([]byte(nil), it.Key()[len(prefix):]...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	for k, w := range tx.writes {
		if w.deleted || k < string(lower) || k >= string(upper) {
			continue
		}
		out = append(out, KeyValue{Key: []byte(k[len(prefix):]), Value: append([]byte(nil), w.value...)})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Commit applies the batch. Past the deadline it fails with
// ErrTransactionTooOld without applying anything.
func (tx *Transaction) Commit(ctx context.Context) error {
	if err := tx.expired(); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done || tx.batch == nil {
		return ErrCommitUnknownResult
	}
	if err := tx.batch.Commit(tx.db.opts.PebbleWriteOptions); err != nil {
		return errors.Wrap(err, "batch commit")
	}
	tx.done = true
	transactionCommits.Inc()
	return nil
}

// OnError implements the retry policy: retryable failures clear the
// transaction state after a backoff and return nil, anything else is
// returned unchanged for the caller to surface.
func (tx *Transaction) OnError(ctx context.Context, err error) error {
	if !IsRetryable(err) {
		return err
	}
	tx.attempt++
	backoff := time.Duration(tx.attempt) * 10 * time.Millisecond
	if backoff > time.Second {
		backoff = time.Second
	}
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.reset()
	transactionRetries.Inc()
	return nil
}

// IsRetryable reports whether the retry policy may clear this error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionTooOld)
}

// CancelOngoingIndexReads aborts index-entry recomputation still in
// flight inside CommitChanges calls, so a commit cannot race them.
func (tx *Transaction) CancelOngoingIndexReads() {
	tx.cancelIndex()
}

// Cancel releases the transaction without committing. Any operators
// still reading from it must have been stopped first.
func (tx *Transaction) Cancel() {
	tx.iters.Wait()
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.snap != nil {
		_ = tx.snap.Close()
		tx.snap = nil
	}
	if tx.batch != nil {
		_ = tx.batch.Close()
		tx.batch = nil
	}
	tx.cancelIndex()
	tx.done = true
}

// metaGetUint64 reads an 8-byte big-endian counter, 0 when absent.
func (tx *Transaction) metaGetUint64(key []byte) (uint64, error) {
	b, ok, err := tx.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	if len(b) != 8 {
		return 0, errors.Errorf("bad counter at %x", key)
	}
	return binary.BigEndian.Uint64(b), nil
}

func beBytes(u uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, u)
}
