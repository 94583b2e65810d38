package inkwell

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// RetryPlan runs a subplan inside a single transaction, committing at
// end of stream. Documents are held back until the commit succeeds,
// then emitted in order. On a retryable failure the transaction's
// retry policy decides whether to start over; ErrCommitUnknownResult
// surfaces immediately because only the caller can interpret it.
type RetryPlan struct {
	Sub Plan
	Db  *DB
}

func NewRetryPlan(sub Plan, db *DB) *RetryPlan {
	return &RetryPlan{Sub: sub, Db: db}
}

func (p *RetryPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doRetry(ctx, cp, p, out, tx)
	}, out)
	return out
}

func doRetry(ctx context.Context, outer *PlanCheckpoint, p *RetryPlan, out *DocStream, tx *Transaction) {
	if tx == nil {
		tx = p.Db.NewTransaction()
	}
	outerLock := outer.DocLock()

	for {
		inner := NewPlanCheckpoint(outer.permits)
		docs := p.Sub.Execute(inner, tx)
		innerLock := inner.DocLock()
		var committing pendingQueue[struct{}]
		var ret []*ScanContext
		var roundErr error

		inputOpen := true
		for inputOpen && roundErr == nil {
			select {
			case d, ok := <-docs.C():
				if !ok {
					if err := docs.Err(); !errors.Is(err, ErrEndOfStream) {
						roundErr = err
					}
					inputOpen = false
					continue
				}
				doc := d
				committing.push(ctx, d, func() (struct{}, error) {
					return struct{}{}, doc.CommitChanges(ctx)
				})
			case r := <-committing.frontCh():
				if r.err != nil {
					roundErr = r.err
					continue
				}
				ret = append(ret, committing.front())
				committing.pop()
				innerLock.Release(1)
			case <-ctx.Done():
				inner.Stop()
				return
			}
		}
		inner.Stop()

		for roundErr == nil && !committing.empty() {
			select {
			case r := <-committing.frontCh():
				if r.err != nil {
					roundErr = r.err
					continue
				}
				ret = append(ret, committing.front())
				committing.pop()
			case <-ctx.Done():
				return
			}
		}

		if roundErr == nil {
			roundErr = tx.Commit(ctx)
			if roundErr == nil {
				for _, d := range ret {
					if err := outerLock.Take(ctx, 1); err != nil {
						return
					}
					if err := out.Send(ctx, d); err != nil {
						return
					}
				}
				out.Close()
				return
			}
		}

		if errors.Is(roundErr, ErrCommitUnknownResult) {
			out.Fail(roundErr)
			return
		}
		if err := tx.OnError(ctx, roundErr); err != nil {
			out.Fail(err)
			return
		}
		wrapperRestarts.WithLabelValues("retry").Inc()
	}
}

func (p *RetryPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

func (p *RetryPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.Sub.MetadataChangeOkay(newCx)
}

func (p *RetryPlan) Describe() string {
	return fmt.Sprintf("Retry(%s)", p.Sub.Describe())
}
