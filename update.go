package inkwell

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

// UpdatePlan applies an update op to each input document, up to limit
// documents, emitting each one downstream once its update resolved.
// When no document arrived at all and an upsert op is present, the
// upsert inserts a fresh document and emits it with scan ID -1.
type UpdatePlan struct {
	Sub      Plan
	Cx       *UnboundCollectionContext
	UpdateOp UpdateOp
	UpsertOp InsertOp
	Limit    int64
}

func NewUpdatePlan(sub Plan, cx *UnboundCollectionContext, up UpdateOp, upsert InsertOp, limit int64) *UpdatePlan {
	return &UpdatePlan{Sub: sub, Cx: cx, UpdateOp: up, UpsertOp: upsert, Limit: limit}
}

func (p *UpdatePlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	input := p.Sub.Execute(cp, tx)
	count := cp.IntState(0)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doUpdate(ctx, cp, tx, input, out, p, count)
	}, out)
	return out
}

func doUpdate(ctx context.Context, cp *PlanCheckpoint, tx *Transaction, in, out *DocStream,
	p *UpdatePlan, count *int64) {

	lock := cp.DocLock()
	var pend pendingQueue[struct{}]
	cancelled := func() {
		if cp.SplitBoundWanted() {
			pend.depositSplits(cp)
		}
	}
	inputOpen := true
	limitReached := p.Limit > 0 && *count >= p.Limit
	for (inputOpen && !limitReached) || !pend.empty() {
		var inCh <-chan *ScanContext
		if inputOpen && !limitReached {
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
				return struct{}{}, p.UpdateOp.Update(ctx, doc.Doc)
			})
			*count++
			if p.Limit > 0 && *count >= p.Limit {
				limitReached = true
			}
		case r := <-pend.frontCh():
			if r.err != nil {
				if ctx.Err() != nil {
					cancelled()
					return
				}
				out.Fail(r.err)
				return
			}
			if err := forwardDoc(ctx, cp, out, pend.front()); err != nil {
				cancelled()
				return
			}
			pend.pop()
			documentsUpdated.Inc()
		case <-ctx.Done():
			cancelled()
			return
		}
	}

	if p.UpsertOp != nil && *count == 0 {
		if err := lock.Take(ctx, 1); err != nil {
			return
		}
		doc, err := p.UpsertOp.Insert(ctx, p.Cx.Bind(tx))
		if err != nil {
			out.Fail(err)
			return
		}
		sc := NewScanContext(doc, -1, nil)
		if err := out.Send(ctx, sc); err != nil {
			return
		}
	}
	out.Close()
}

func (p *UpdatePlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

// An update plan writes through the index catalog it was planned
// with, so any metadata change invalidates it.
func (p *UpdatePlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool { return false }

func (p *UpdatePlan) Describe() string {
	return fmt.Sprintf("Update(%s, %s, limit=%d)", p.Sub.Describe(), p.UpdateOp.Describe(), p.Limit)
}

// InsertPlan fans a batch of insert ops into one collection. Inserts
// run concurrently, capacity-limited by the document-finished lock,
// and emit in op order with scan ID -1.
type InsertPlan struct {
	Mm  *MetadataManager
	Ns  string
	Ops []InsertOp
}

func NewInsertPlan(mm *MetadataManager, ns string, ops []InsertOp) *InsertPlan {
	return &InsertPlan{Mm: mm, Ns: ns, Ops: ops}
}

func (p *InsertPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doInsert(ctx, cp, tx, p, out)
	}, out)
	return out
}

func doInsert(ctx context.Context, cp *PlanCheckpoint, tx *Transaction, p *InsertPlan, out *DocStream) {
	lock := cp.DocLock()
	ucx, err := p.Mm.GetUnboundCollectionContext(ctx, tx, p.Ns)
	if err != nil {
		out.Fail(err)
		return
	}
	ccx := ucx.Bind(tx)

	var pend pendingQueue[DocumentContext]
	var takeCh chan error
	i := 0
	for i < len(p.Ops) || !pend.empty() {
		if takeCh == nil && i < len(p.Ops) {
			ch := make(chan error, 1)
			takeCh = ch
			go func() { ch <- lock.Take(ctx, 1) }()
		}
		select {
		case err := <-takeCh:
			if err != nil {
				return
			}
			op := p.Ops[i]
			pend.push(ctx, nil, func() (DocumentContext, error) {
				return op.Insert(ctx, ccx)
			})
			i++
			takeCh = nil
		case r := <-pend.frontCh():
			if r.err != nil {
				out.Fail(r.err)
				return
			}
			sc := NewScanContext(r.val, -1, nil)
			if err := out.Send(ctx, sc); err != nil {
				return
			}
			pend.pop()
			documentsInserted.Inc()
		case <-ctx.Done():
			return
		}
	}
	out.Close()
}

func (p *InsertPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }
func (p *InsertPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool    { return false }

func (p *InsertPlan) Describe() string {
	return fmt.Sprintf("Insert(%s, %d docs)", p.Ns, len(p.Ops))
}

// ProjectAndUpdatePlan takes at most one document from its subplan,
// optionally projects the pre-image, applies the update (or the
// upsert when the subplan was empty), commits the document's changes
// and emits the requested projection.
type ProjectAndUpdatePlan struct {
	Sub        Plan
	Cx         *UnboundCollectionContext
	UpdateOp   UpdateOp
	UpsertOp   InsertOp
	Projection *Projection
	ProjectNew bool
}

func (p *ProjectAndUpdatePlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	input := p.Sub.Execute(cp, tx)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doProjectAndUpdate(ctx, cp, tx, input, out, p)
	}, out)
	return out
}

func doProjectAndUpdate(ctx context.Context, cp *PlanCheckpoint, tx *Transaction,
	in, out *DocStream, p *ProjectAndUpdatePlan) {

	lock := cp.DocLock()
	var firstDoc *ScanContext
	any := false
	deposit := func() {
		if cp.SplitBoundWanted() && any {
			depositSplit(cp, firstDoc)
		}
	}

	d, err := in.Next(ctx)
	switch {
	case err == nil:
		firstDoc = d
		any = true
	case ctx.Err() != nil:
		return
	case !errors.Is(err, ErrEndOfStream):
		out.Fail(err)
		return
	}

	var proj map[string]keys.Value
	if !p.ProjectNew && any {
		if proj, err = projectDocument(firstDoc.Doc, p.Projection); err != nil {
			out.Fail(err)
			return
		}
	}

	if any {
		if err := p.UpdateOp.Update(ctx, firstDoc.Doc); err != nil {
			if ctx.Err() != nil {
				deposit()
				return
			}
			out.Fail(err)
			return
		}
	} else if p.UpsertOp != nil {
		if err := lock.Take(ctx, 1); err != nil {
			return
		}
		doc, err := p.UpsertOp.Insert(ctx, p.Cx.Bind(tx))
		if err != nil {
			out.Fail(err)
			return
		}
		firstDoc = NewScanContext(doc, -1, nil)
	}

	if any || p.UpsertOp != nil {
		if err := firstDoc.CommitChanges(ctx); err != nil {
			if ctx.Err() != nil {
				deposit()
				return
			}
			out.Fail(err)
			return
		}
	}

	if p.ProjectNew && (any || p.UpsertOp != nil) {
		if proj, err = projectDocument(firstDoc.Doc, p.Projection); err != nil {
			out.Fail(err)
			return
		}
	}

	if any || (p.ProjectNew && p.UpsertOp != nil) {
		sc := NewScanContext(NewMemDocument(proj), firstDoc.ScanID(), firstDoc.ScanKey())
		if err := out.Send(ctx, sc); err != nil {
			deposit()
			return
		}
	}
	out.Close()
}

func (p *ProjectAndUpdatePlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan {
	return nil
}

func (p *ProjectAndUpdatePlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return false
}

func (p *ProjectAndUpdatePlan) Describe() string {
	return fmt.Sprintf("ProjectAndUpdate(%s)", p.Sub.Describe())
}
