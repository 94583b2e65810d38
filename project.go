package inkwell

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

// ProjectionPlan rewrites each document to its projection. The result
// is a synthetic in-memory document that keeps the source's scan ID
// and scan key, so split-bound accounting still works above it.
type ProjectionPlan struct {
	Sub        Plan
	Projection *Projection
}

func NewProjectionPlan(sub Plan, projection *Projection) *ProjectionPlan {
	return &ProjectionPlan{Sub: sub, Projection: projection}
}

func (p *ProjectionPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	input := p.Sub.Execute(cp, tx)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doProject(ctx, cp, input, out, p.Projection)
	}, out)
	return out
}

func doProject(ctx context.Context, cp *PlanCheckpoint, in, out *DocStream, projection *Projection) {
	var pend pendingQueue[map[string]keys.Value]
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
			pend.push(ctx, d, func() (map[string]keys.Value, error) {
				return projectDocument(doc.Doc, projection)
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
			src := pend.front()
			sc := NewScanContext(NewMemDocument(r.val), src.ScanID(), src.ScanKey())
			if err := forwardDoc(ctx, cp, out, sc); err != nil {
				cancelled()
				return
			}
			pend.pop()
		case <-ctx.Done():
			cancelled()
			return
		}
	}
	out.Close()
}

func (p *ProjectionPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

func (p *ProjectionPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.Sub.MetadataChangeOkay(newCx)
}

func (p *ProjectionPlan) Describe() string {
	return fmt.Sprintf("Project(%s)", p.Sub.Describe())
}
