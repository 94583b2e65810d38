package inkwell

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DocStream is a single-producer single-consumer stream of document
// references, terminated by exactly one error (ErrEndOfStream for a
// normal finish). The channel is unbuffered: a successful Send means
// the consumer holds the document, so no document can sit in transit
// when a checkpoint stops. That property is what makes the split-key
// deposit protocol exact under goroutine scheduling.
type DocStream struct {
	ch   chan *ScanContext
	term error
	once sync.Once
}

func NewDocStream() *DocStream {
	return &DocStream{ch: make(chan *ScanContext)}
}

// Send delivers one document, or fails when ctx is cancelled first.
func (s *DocStream) Send(ctx context.Context, d *ScanContext) error {
	select {
	case s.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail terminates the stream. The first terminal error wins; later
// calls are ignored, which lets a checkpoint force
// ErrOperationCancelled onto an output whose producer is already gone.
func (s *DocStream) Fail(err error) {
	s.once.Do(func() {
		s.term = err
		close(s.ch)
	})
}

// Close terminates the stream normally.
func (s *DocStream) Close() { s.Fail(ErrEndOfStream) }

// Next returns the next document, or the stream's terminal error, or
// ctx's error if the caller is cancelled while waiting.
func (s *DocStream) Next(ctx context.Context) (*ScanContext, error) {
	select {
	case d, ok := <-s.ch:
		if !ok {
			return nil, s.term
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the receive side so operators can race the stream against
// other events in a select. After C is closed, Err holds the terminal.
func (s *DocStream) C() <-chan *ScanContext { return s.ch }

// Err is valid once C is observed closed.
func (s *DocStream) Err() error { return s.term }

// Drain returns any buffered, undelivered documents. Streams are
// unbuffered so this is normally empty; it exists for operators that
// must inspect their input on cancellation.
func (s *DocStream) Drain() []*ScanContext {
	var out []*ScanContext
	for {
		select {
		case d, ok := <-s.ch:
			if !ok {
				return out
			}
			out = append(out, d)
		default:
			return out
		}
	}
}

// KeyValue is one raw pair from the store, with the subspace prefix
// already stripped from the key.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// KVStream streams raw key-values from a descendants read.
type KVStream struct {
	ch   chan KeyValue
	term error
	once sync.Once
}

func NewKVStream() *KVStream {
	return &KVStream{ch: make(chan KeyValue)}
}

func (s *KVStream) Send(ctx context.Context, kv KeyValue) error {
	select {
	case s.ch <- kv:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *KVStream) Fail(err error) {
	s.once.Do(func() {
		s.term = err
		close(s.ch)
	})
}

func (s *KVStream) Close() { s.Fail(ErrEndOfStream) }

func (s *KVStream) Next(ctx context.Context) (KeyValue, error) {
	select {
	case kv, ok := <-s.ch:
		if !ok {
			return KeyValue{}, s.term
		}
		return kv, nil
	case <-ctx.Done():
		return KeyValue{}, ctx.Err()
	}
}

// FlowLock is the credit semaphore that paces documents through a
// stage. One permit is one document admitted but not yet released or
// surfaced to the root.
type FlowLock struct {
	sem      *semaphore.Weighted
	taken    atomic.Int64
	released atomic.Int64
}

func NewFlowLock(permits int64) *FlowLock {
	return &FlowLock{sem: semaphore.NewWeighted(permits)}
}

// Take acquires n permits, blocking until they are available or ctx
// is cancelled.
func (l *FlowLock) Take(ctx context.Context, n int64) error {
	if err := l.sem.Acquire(ctx, n); err != nil {
		return err
	}
	l.taken.Add(n)
	return nil
}

// Release returns n permits.
func (l *FlowLock) Release(n int64) {
	l.released.Add(n)
	l.sem.Release(n)
}

// Taken and Released report cumulative counts; the difference is the
// number of in-flight credits. Tests assert the balance invariant
// with these.
func (l *FlowLock) Taken() int64    { return l.taken.Load() }
func (l *FlowLock) Released() int64 { return l.released.Load() }
