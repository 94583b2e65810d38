package inkwell

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// FilterPlan evaluates a predicate per document, asynchronously but
// in input order: evaluations run concurrently while completions
// drain from a FIFO, so output order matches input order. Dropped
// documents release their flow-control credit.
type FilterPlan struct {
	Cx     *UnboundCollectionContext
	Source Plan
	Filter Predicate
}

// ConstructFilterPlan builds a filtered plan, pushing the predicate
// down into the source when the source knows how to evaluate it
// directly.
func ConstructFilterPlan(cx *UnboundCollectionContext, source Plan, filter Predicate) Plan {
	if filter.Type() == PredAll {
		return source
	}
	if pd := source.PushDown(cx, filter); pd != nil {
		predicatePushDowns.Inc()
		return pd
	}
	return &FilterPlan{Cx: cx, Source: source, Filter: filter}
}

func (p *FilterPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	input := p.Source.Execute(cp, tx)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doFilter(ctx, cp, input, out, p.Filter)
	}, out)
	return out
}

func doFilter(ctx context.Context, cp *PlanCheckpoint, in, out *DocStream, pred Predicate) {
	lock := cp.DocLock()
	var pend pendingQueue[bool]
	cancelled := func() {
		if cp.SplitBoundWanted() {
			pend.depositSplits(cp)
		}
	}
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
			pend.push(ctx, d, func() (bool, error) {
				return pred.Evaluate(ctx, doc.Doc)
			})
		case r := <-pend.frontCh():
			if r.err != nil {
				if ctx.Err() != nil {
					cancelled()
					return
				}
				out.Fail(r.err)
				return
			}
			if r.val {
				if err := forwardDoc(ctx, cp, out, pend.front()); err != nil {
					cancelled()
					return
				}
			} else {
				lock.Release(1)
			}
			pend.pop()
		case <-ctx.Done():
			cancelled()
			return
		}
	}
	out.Close()
}

// PushDown folds a further predicate into this filter.
func (p *FilterPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan {
	return &FilterPlan{Cx: cx, Source: p.Source, Filter: And(p.Filter, pred).Simplify()}
}

func (p *FilterPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.Source.MetadataChangeOkay(newCx)
}

func (p *FilterPlan) Describe() string {
	return fmt.Sprintf("Filter(%s, %s)", p.Source.Describe(), p.Filter)
}
