package inkwell

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

// SortPlan buffers the entire subplan output, sorts it by the order
// fields, then emits synthetic documents. The subplan runs under its
// own child checkpoint: its credits are released as documents arrive
// in the buffer, and the outer lock is taken per emission. Sorted
// output carries scan ID -1; a restarted sort starts over.
type SortPlan struct {
	Sub     Plan
	OrderBy []IndexKey
}

func NewSortPlan(sub Plan, orderBy []IndexKey) *SortPlan {
	return &SortPlan{Sub: sub, OrderBy: orderBy}
}

func (p *SortPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doSort(ctx, cp, tx, p.Sub, p.OrderBy, out)
	}, out)
	return out
}

func doSort(ctx context.Context, cp *PlanCheckpoint, tx *Transaction, sub Plan,
	orderBy []IndexKey, out *DocStream) {

	inner := NewPlanCheckpoint(cp.permits)
	docs := sub.Execute(inner, tx)
	innerLock := inner.DocLock()
	outerLock := cp.DocLock()

	var buf []map[string]keys.Value
	for {
		d, err := docs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				inner.Stop()
				return
			}
			if errors.Is(err, ErrEndOfStream) {
				break
			}
			inner.Stop()
			out.Fail(err)
			return
		}
		m, err := d.Doc.Materialize()
		if err != nil {
			inner.Stop()
			out.Fail(err)
			return
		}
		buf = append(buf, m)
		innerLock.Release(1)
	}

	sort.SliceStable(buf, func(i, j int) bool {
		return compareByOrder(buf[i], buf[j], orderBy) < 0
	})

	for _, m := range buf {
		if err := outerLock.Take(ctx, 1); err != nil {
			inner.Stop()
			return
		}
		sc := NewScanContext(NewMemDocument(m), -1, nil)
		if err := out.Send(ctx, sc); err != nil {
			inner.Stop()
			return
		}
	}
	inner.Stop()
	out.Close()
}

// compareByOrder compares documents field by field; a missing field
// sorts as null.
func compareByOrder(a, b map[string]keys.Value, orderBy []IndexKey) int {
	for _, k := range orderBy {
		av, ok := a[k.Field]
		if !ok {
			av = keys.Null()
		}
		bv, ok := b[k.Field]
		if !ok {
			bv = keys.Null()
		}
		c := av.Compare(bv)
		if k.Direction < 0 {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func (p *SortPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

func (p *SortPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.Sub.MetadataChangeOkay(newCx)
}

func (p *SortPlan) Describe() string {
	return fmt.Sprintf("Sort(%s, %s)", p.Sub.Describe(), KeySpecString(p.OrderBy))
}
