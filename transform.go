package inkwell

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// SkipPlan swallows the first k documents, releasing their credits,
// then passes the rest through. The remaining count lives in a
// checkpoint state cell, so a restarted plan does not skip again what
// an earlier attempt already skipped.
type SkipPlan struct {
	Sub  Plan
	Skip int64
}

func NewSkipPlan(sub Plan, skip int64) *SkipPlan {
	return &SkipPlan{Sub: sub, Skip: skip}
}

func (p *SkipPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	input := p.Sub.Execute(cp, tx)
	left := cp.IntState(p.Skip)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doSkip(ctx, cp, input, out, left)
	}, out)
	return out
}

func doSkip(ctx context.Context, cp *PlanCheckpoint, in, out *DocStream, left *int64) {
	lock := cp.DocLock()
	for *left != 0 {
		_, err := in.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrEndOfStream) {
				out.Close()
			} else {
				out.Fail(err)
			}
			return
		}
		lock.Release(1)
		*left--
	}
	for {
		d, err := in.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrEndOfStream) {
				out.Close()
			} else {
				out.Fail(err)
			}
			return
		}
		if err := forwardDoc(ctx, cp, out, d); err != nil {
			return
		}
	}
}

func (p *SkipPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

func (p *SkipPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.Sub.MetadataChangeOkay(newCx)
}

func (p *SkipPlan) Describe() string {
	return fmt.Sprintf("Skip(%s, %d)", p.Sub.Describe(), p.Skip)
}

// UnionPlan interleaves two streams in arrival order. It terminates
// when both inputs end; a real error on either side terminates the
// union with that error immediately.
type UnionPlan struct {
	A, B Plan
}

func NewUnionPlan(a, b Plan) *UnionPlan { return &UnionPlan{A: a, B: b} }

func (p *UnionPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	a := p.A.Execute(cp, tx)
	b := p.B.Execute(cp, tx)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doUnion(ctx, cp, a, b, out)
	}, out)
	return out
}

func doUnion(ctx context.Context, cp *PlanCheckpoint, a, b, out *DocStream) {
	aOpen, bOpen := true, true
	for aOpen || bOpen {
		var aCh, bCh <-chan *ScanContext
		if aOpen {
			aCh = a.C()
		}
		if bOpen {
			bCh = b.C()
		}
		select {
		case d, ok := <-aCh:
			if !ok {
				if err := a.Err(); !errors.Is(err, ErrEndOfStream) {
					out.Fail(err)
					return
				}
				aOpen = false
				continue
			}
			if err := forwardDoc(ctx, cp, out, d); err != nil {
				return
			}
		case d, ok := <-bCh:
			if !ok {
				if err := b.Err(); !errors.Is(err, ErrEndOfStream) {
					out.Fail(err)
					return
				}
				bOpen = false
				continue
			}
			if err := forwardDoc(ctx, cp, out, d); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
	out.Close()
}

func (p *UnionPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

func (p *UnionPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.A.MetadataChangeOkay(newCx) && p.B.MetadataChangeOkay(newCx)
}

func (p *UnionPlan) Describe() string {
	return fmt.Sprintf("Union(%s, %s)", p.A.Describe(), p.B.Describe())
}

// FlushChangesPlan commits each document's deferred mutations before
// passing it on, preserving order. Commits of different documents run
// concurrently; each staged write takes the transaction's lock, and
// every index entry key ends with its document's primary key, so the
// entry rewrites of different documents touch disjoint keys.
type FlushChangesPlan struct {
	Sub Plan
}

func (p *FlushChangesPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	input := p.Sub.Execute(cp, tx)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doFlushChanges(ctx, cp, input, out)
	}, out)
	return out
}

// doFlushChanges keeps no split-bound bookkeeping: a document whose
// flush is in flight has already staged writes, and recovery of those
// happens at the transaction layer, not by re-scanning.
func doFlushChanges(ctx context.Context, cp *PlanCheckpoint, in, out *DocStream) {
	var pend pendingQueue[struct{}]
	inputOpen := true
	for inputOpen || !pend.empty() {
		var inCh <-chan *ScanContext
		if inputOpen {
			inCh = in.C()
		}
		select {
		case d, ok := <-inCh:
			if !ok {
				if err := in.Err(); !errors.Is(err, ErrEndOfStream) {
					out.Fail(err)
					return
				}
				inputOpen = false
				continue
			}
			doc := d
			pend.push(ctx, d, func() (struct{}, error) {
				return struct{}{}, doc.CommitChanges(ctx)
			})
		case r := <-pend.frontCh():
			if r.err != nil {
				if ctx.Err() != nil {
					return
				}
				out.Fail(r.err)
				return
			}
			if err := out.Send(ctx, pend.front()); err != nil {
				return
			}
			pend.pop()
		case <-ctx.Done():
			return
		}
	}
	out.Close()
}

func (p *FlushChangesPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

func (p *FlushChangesPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.Sub.MetadataChangeOkay(newCx)
}

func (p *FlushChangesPlan) Describe() string {
	return fmt.Sprintf("FlushChanges(%s)", p.Sub.Describe())
}
