package inkwell

import (
	"context"
	"fmt"
)

// Plan is one node of a compiled query plan tree.
//
// Execute wires the plan's operators synchronously: it creates output
// streams and registers operator goroutines with the checkpoint in
// topological order, recursing into subplans in a deterministic order
// so that scan IDs are reproducible across checkpoint restarts. Data
// flows leaves to root on the returned stream; cancellation flows
// root to leaves through the checkpoint.
type Plan interface {
	Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream

	// PushDown rewrites this plan to evaluate the predicate itself,
	// or returns nil when it cannot.
	PushDown(cx *UnboundCollectionContext, pred Predicate) Plan

	// MetadataChangeOkay reports whether the plan may keep running
	// after the collection's metadata version moved, given the
	// refreshed context.
	MetadataChangeOkay(newCx *UnboundCollectionContext) bool

	Describe() string
}

// EmptyPlan produces no documents.
type EmptyPlan struct{}

func (p *EmptyPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		out.Close()
	}, out)
	return out
}

func (p *EmptyPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }
func (p *EmptyPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool    { return true }
func (p *EmptyPlan) Describe() string                                           { return "empty" }

// pendingResult is one asynchronous per-document evaluation.
type pendingResult[T any] struct {
	val T
	err error
}

type pendingEntry[T any] struct {
	doc *ScanContext
	ch  chan pendingResult[T]
}

// pendingQueue holds documents received but not yet emitted by an
// asynchronous operator, each paired with its in-flight evaluation.
// Entries complete in FIFO order so output order matches input order.
// On cancellation the queue is walked tail to head depositing split
// bounds: the head's scan key is the earliest still-unemitted document
// per scan, which is exactly what the restart must reproduce first.
type pendingQueue[T any] struct {
	entries []pendingEntry[T]
}

// push starts fn for doc on its own goroutine and appends the pair.
func (q *pendingQueue[T]) push(ctx context.Context, doc *ScanContext, fn func() (T, error)) {
	e := pendingEntry[T]{doc: doc, ch: make(chan pendingResult[T], 1)}
	q.entries = append(q.entries, e)
	go func() {
		v, err := fn()
		e.ch <- pendingResult[T]{val: v, err: err}
	}()
}

func (q *pendingQueue[T]) empty() bool { return len(q.entries) == 0 }

// frontCh is the head evaluation's channel, nil when the queue is
// empty (a nil channel never fires in a select).
func (q *pendingQueue[T]) frontCh() chan pendingResult[T] {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0].ch
}

func (q *pendingQueue[T]) front() *ScanContext { return q.entries[0].doc }

func (q *pendingQueue[T]) pop() {
	q.entries = q.entries[1:]
}

// depositSplits walks the in-flight documents in reverse output order
// writing each one's scan key as its scan's split bound.
func (q *pendingQueue[T]) depositSplits(cp *PlanCheckpoint) {
	for i := len(q.entries) - 1; i >= 0; i-- {
		depositSplit(cp, q.entries[i].doc)
	}
}

func depositSplit(cp *PlanCheckpoint, doc *ScanContext) {
	if doc != nil && doc.ScanID() >= 0 {
		cp.SetSplitBound(doc.ScanID(), doc.ScanKey())
	}
}

// forwardDoc sends a document downstream; if the operator is cancelled
// mid-send the document never reached the consumer, so its split bound
// is deposited here.
func forwardDoc(ctx context.Context, cp *PlanCheckpoint, out *DocStream, doc *ScanContext) error {
	if err := out.Send(ctx, doc); err != nil {
		if cp.SplitBoundWanted() {
			depositSplit(cp, doc)
		}
		return err
	}
	return nil
}

// ExecuteUntilCompletion drives a plan to its end, releasing the
// document-finished credit for every document, and returns the count.
func ExecuteUntilCompletion(ctx context.Context, plan Plan, tx *Transaction, permits int64) (int64, error) {
	n, _, err := executeAndKeepLast(ctx, plan, tx, permits)
	return n, err
}

// ExecuteUntilCompletionAndReturnLast additionally hands back the last
// document delivered.
func ExecuteUntilCompletionAndReturnLast(ctx context.Context, plan Plan, tx *Transaction, permits int64) (int64, *ScanContext, error) {
	return executeAndKeepLast(ctx, plan, tx, permits)
}

func executeAndKeepLast(ctx context.Context, plan Plan, tx *Transaction, permits int64) (int64, *ScanContext, error) {
	planExecutions.WithLabelValues(planLabel(plan)).Inc()
	cp := NewPlanCheckpoint(permits)
	stream := plan.Execute(cp, tx)
	lock := cp.DocLock()
	var count int64
	var last *ScanContext
	for {
		doc, err := stream.Next(ctx)
		if err != nil {
			cp.Stop()
			if err == ErrEndOfStream {
				return count, last, nil
			}
			return count, last, err
		}
		last = doc
		lock.Release(1)
		count++
	}
}

func planLabel(p Plan) string {
	return fmt.Sprintf("%T", p)
}

// DeletePlan deletes up to limit documents produced by the subplan.
func DeletePlan(sub Plan, cx *UnboundCollectionContext, limit int64) Plan {
	return NewUpdatePlan(sub, cx, &DeleteDocumentOp{}, nil, limit)
}

// WithFlushChanges commits every document's deferred mutations before
// passing it on.
func WithFlushChanges(sub Plan) Plan {
	return &FlushChangesPlan{Sub: sub}
}
