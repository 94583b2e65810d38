package inkwell

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

// NonIsolatedPlan re-executes a subplan across a family of
// transactions so a long-running query is not killed by the store's
// per-transaction deadline. Each round runs the subplan under a child
// checkpoint; on the round timeout the child is stopped with split
// bounds collected and a fresh transaction picks up from the splits.
// Between transactions the collection's metadata version is compared:
// a moved directory fails the plan, a version bump is allowed only if
// the subplan approves the refreshed context.
//
// The read-write variant additionally commits every document before
// emitting it, holding documents in two queues: commits in flight and
// commits done but not yet emitted.
type NonIsolatedPlan struct {
	Sub      Plan
	Cx       *UnboundCollectionContext
	Mm       *MetadataManager
	Db       *DB
	ReadOnly bool
}

func NewNonIsolatedPlan(sub Plan, cx *UnboundCollectionContext, mm *MetadataManager, db *DB, readOnly bool) *NonIsolatedPlan {
	return &NonIsolatedPlan{Sub: sub, Cx: cx, Mm: mm, Db: db, ReadOnly: readOnly}
}

func (p *NonIsolatedPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		if p.ReadOnly {
			doNonIsolatedRO(ctx, cp, p, out, tx)
		} else {
			doNonIsolatedRW(ctx, cp, p, out, tx)
		}
	}, out)
	return out
}

// checkMetadataVersion re-reads the version on a fresh transaction and
// decides whether the plan may continue. It returns the version to
// cache, or an error that ends the plan.
func checkMetadataVersion(ctx context.Context, p *NonIsolatedPlan, tx *Transaction, cached uint64) (uint64, error) {
	newVersion, err := p.Cx.Bind(tx).MetadataVersion()
	if err != nil {
		return 0, err
	}
	if newVersion == cached {
		return cached, nil
	}
	newCx, err := p.Mm.RefreshUnboundCollectionContext(ctx, p.Cx, tx)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(newCx.CollectionDirectory(), p.Cx.CollectionDirectory()) ||
		!bytes.Equal(newCx.MetadataDirectory(), p.Cx.MetadataDirectory()) {
		return 0, ErrCollectionMetadataChanged
	}
	if !p.Sub.MetadataChangeOkay(newCx) {
		return 0, ErrMetadataChangedNonIsolated
	}
	p.Db.log.Debug("metadata change accepted", "ns", p.Cx.Ns, "version", newVersion)
	metadataChangesAccepted.Inc()
	return newVersion, nil
}

func doNonIsolatedRO(ctx context.Context, outer *PlanCheckpoint, p *NonIsolatedPlan, out *DocStream, tx *Transaction) {
	if tx == nil {
		tx = p.Db.NewTransaction()
	}
	inner := NewPlanCheckpoint(outer.permits)
	outerLock := outer.DocLock()
	fail := func(err error) {
		inner.Stop()
		out.Fail(err)
	}

	version, err := p.Cx.Bind(tx).MetadataVersion()
	if err != nil {
		fail(err)
		return
	}
	for {
		docs := p.Sub.Execute(inner, tx)
		innerLock := inner.DocLock()
		first := true
		timer := time.NewTimer(p.Db.opts.NonIsolatedFirstTimeout)

		roundDone := false
		for !roundDone {
			select {
			case d, ok := <-docs.C():
				if !ok {
					timer.Stop()
					if err := docs.Err(); !errors.Is(err, ErrEndOfStream) {
						fail(err)
						return
					}
					inner.Stop()
					out.Close()
					return
				}
				if err := outerLock.Take(ctx, 1); err != nil {
					timer.Stop()
					inner.Stop()
					return
				}
				innerLock.Release(1)
				if err := out.Send(ctx, d); err != nil {
					timer.Stop()
					inner.Stop()
					return
				}
				if first {
					timer.Stop()
					timer = time.NewTimer(p.Db.opts.NonIsolatedInternalTimeout)
					first = false
				}
			case <-timer.C:
				roundDone = true
			case <-ctx.Done():
				timer.Stop()
				inner.Stop()
				return
			}
		}
		timer.Stop()

		inner = inner.StopAndCheckpoint()
		// The finished round's transaction is left open: documents
		// already emitted still read through it.
		tx = p.Db.NewTransaction()
		if version, err = checkMetadataVersion(ctx, p, tx, version); err != nil {
			p.Db.log.Debug("non-isolated read failed over", "ns", p.Cx.Ns, "err", err)
			fail(err)
			return
		}
		wrapperRestarts.WithLabelValues("nonisolated_ro").Inc()
	}
}

func doNonIsolatedRW(ctx context.Context, outer *PlanCheckpoint, p *NonIsolatedPlan, out *DocStream, tx *Transaction) {
	if tx == nil {
		tx = p.Db.NewTransaction()
	}
	inner := NewPlanCheckpoint(outer.permits)
	outerLock := outer.DocLock()
	fail := func(err error) {
		inner.Stop()
		out.Fail(err)
	}

	version, err := p.Cx.Bind(tx).MetadataVersion()
	if err != nil {
		fail(err)
		return
	}
	for {
		docs := p.Sub.Execute(inner, tx)
		innerLock := inner.DocLock()
		first := true
		finished := false
		var roundErr error
		timer := time.NewTimer(p.Db.opts.NonIsolatedFirstTimeout)
		var committing pendingQueue[struct{}]
		var buffered []*ScanContext

		roundDone := false
		for !roundDone {
			if len(buffered)+len(committing.entries) >= p.Db.opts.NonIsolatedRWBufferMax {
				// Capacity ceiling: leave the inner select so the
				// checkpoint split below never runs with the subplan
				// mid-emission.
				roundDone = true
				continue
			}
			select {
			case d, ok := <-docs.C():
				if !ok {
					if err := docs.Err(); errors.Is(err, ErrEndOfStream) {
						finished = true
					} else {
						roundErr = err
					}
					roundDone = true
					continue
				}
				doc := d
				committing.push(ctx, d, func() (struct{}, error) {
					return struct{}{}, doc.CommitChanges(ctx)
				})
				if first {
					timer.Stop()
					timer = time.NewTimer(p.Db.opts.NonIsolatedInternalTimeout)
					first = false
				}
			case r := <-committing.frontCh():
				if r.err != nil {
					roundErr = r.err
					roundDone = true
					continue
				}
				buffered = append(buffered, committing.front())
				committing.pop()
				innerLock.Release(1)
			case <-timer.C:
				roundDone = true
			case <-ctx.Done():
				timer.Stop()
				inner.Stop()
				return
			}
		}
		timer.Stop()

		if roundErr == nil {
			next := inner.StopAndCheckpoint()

			// Writes in flight refer to documents this round considers
			// committed; they must settle before anything else.
			for roundErr == nil && !committing.empty() {
				select {
				case r := <-committing.frontCh():
					if r.err != nil {
						roundErr = r.err
						continue
					}
					buffered = append(buffered, committing.front())
					committing.pop()
				case <-ctx.Done():
					next.Stop()
					return
				}
			}

			if roundErr == nil {
				// Deferred mutations may still have index reads going;
				// cancel them so the commit cannot race a recompute.
				tx.CancelOngoingIndexReads()
				roundErr = tx.Commit(ctx)
			}

			if roundErr == nil {
				tx = p.Db.NewTransaction()
				inner = next
				for _, d := range buffered {
					if err := outerLock.Take(ctx, 1); err != nil {
						inner.Stop()
						return
					}
					if err := out.Send(ctx, d); err != nil {
						inner.Stop()
						return
					}
				}
				buffered = nil
			}
		}

		if roundErr != nil {
			// The uncommitted segment is simply redone: the inner
			// checkpoint still carries the bounds of the last
			// successful commit.
			inner.Stop()
			if err := tx.OnError(ctx, roundErr); err != nil {
				out.Fail(err)
				return
			}
			finished = false
			continue
		}

		if finished {
			inner.Stop()
			out.Close()
			return
		}

		tx.Cancel()
		tx = p.Db.NewTransaction()
		if version, err = checkMetadataVersion(ctx, p, tx, version); err != nil {
			fail(err)
			return
		}
		wrapperRestarts.WithLabelValues("nonisolated_rw").Inc()
	}
}

func (p *NonIsolatedPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

func (p *NonIsolatedPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return p.Sub.MetadataChangeOkay(newCx)
}

func (p *NonIsolatedPlan) Describe() string {
	mode := "RW"
	if p.ReadOnly {
		mode = "RO"
	}
	return fmt.Sprintf("NonIsolated%s(%s)", mode, p.Sub.Describe())
}

// FindAndModifyPlan searches for the first matching document across as
// many transactions as the search needs, then performs the mutation
// and projection inside the single transaction that found it.
type FindAndModifyPlan struct {
	Sub        Plan
	Cx         *UnboundCollectionContext
	Mm         *MetadataManager
	Db         *DB
	UpdateOp   UpdateOp
	UpsertOp   InsertOp
	Projection *Projection
	ProjectNew bool
}

func (p *FindAndModifyPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doFindAndModify(ctx, cp, p, out, tx)
	}, out)
	return out
}

func doFindAndModify(ctx context.Context, outer *PlanCheckpoint, p *FindAndModifyPlan, out *DocStream, tx *Transaction) {
	if tx == nil {
		tx = p.Db.NewTransaction()
	}
	inner := NewPlanCheckpoint(outer.permits)
	outerLock := outer.DocLock()
	fail := func(err error) {
		inner.Stop()
		out.Fail(err)
	}

	nip := &NonIsolatedPlan{Sub: p.Sub, Cx: p.Cx, Mm: p.Mm, Db: p.Db}
	version, err := p.Cx.Bind(tx).MetadataVersion()
	if err != nil {
		fail(err)
		return
	}

	var firstDoc *ScanContext
	any := false
	for {
		docs := p.Sub.Execute(inner, tx)
		innerLock := inner.DocLock()
		timer := time.NewTimer(p.Db.opts.FindAndModifyRoundTimeout)
		done := false
		roundDone := false
		for !roundDone {
			select {
			case d, ok := <-docs.C():
				if !ok {
					if err := docs.Err(); !errors.Is(err, ErrEndOfStream) {
						timer.Stop()
						fail(err)
						return
					}
					done = true
					roundDone = true
					continue
				}
				firstDoc = d
				innerLock.Release(1)
				any = true
				done = true
				roundDone = true
			case <-timer.C:
				roundDone = true
			case <-ctx.Done():
				timer.Stop()
				inner.Stop()
				return
			}
		}
		timer.Stop()
		if done {
			break
		}

		inner = inner.StopAndCheckpoint()
		tx.Cancel()
		tx = p.Db.NewTransaction()
		if version, err = checkMetadataVersion(ctx, nip, tx, version); err != nil {
			fail(err)
			return
		}
		wrapperRestarts.WithLabelValues("find_and_modify").Inc()
	}

	// From here on everything happens in the transaction that found
	// the document.
	inner.Stop()

	var proj map[string]keys.Value
	if !p.ProjectNew && any {
		if proj, err = projectDocument(firstDoc.Doc, p.Projection); err != nil {
			out.Fail(err)
			return
		}
	}

	if any {
		if err := p.UpdateOp.Update(ctx, firstDoc.Doc); err != nil {
			out.Fail(err)
			return
		}
	} else if p.UpsertOp != nil {
		doc, err := p.UpsertOp.Insert(ctx, p.Cx.Bind(tx))
		if err != nil {
			out.Fail(err)
			return
		}
		firstDoc = NewScanContext(doc, -1, nil)
	}

	if any || p.UpsertOp != nil {
		if err := firstDoc.CommitChanges(ctx); err != nil {
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

	if err := tx.Commit(ctx); err != nil {
		out.Fail(err)
		return
	}

	if err := outerLock.Take(ctx, 1); err != nil {
		return
	}
	if any || (p.ProjectNew && p.UpsertOp != nil) {
		sc := NewScanContext(NewMemDocument(proj), firstDoc.ScanID(), firstDoc.ScanKey())
		if err := out.Send(ctx, sc); err != nil {
			return
		}
	}
	out.Close()
}

func (p *FindAndModifyPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }
func (p *FindAndModifyPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool    { return false }

func (p *FindAndModifyPlan) Describe() string {
	return fmt.Sprintf("FindAndModify(%s)", p.Sub.Describe())
}
