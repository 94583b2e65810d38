package inkwell

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

// TableScanPlan emits every document of a collection in primary-key
// order.
type TableScanPlan struct {
	Cx *UnboundCollectionContext
}

func NewTableScanPlan(cx *UnboundCollectionContext) *TableScanPlan {
	return &TableScanPlan{Cx: cx}
}

func (p *TableScanPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	bcx := p.Cx.Bind(tx)
	scanID := cp.AddScan()
	b := cp.Bounds(scanID)
	lower := keys.MaxOf(keys.Min, b.Begin)
	upper := keys.MaxOf(lower, keys.MinOf(keys.Max, b.End))
	out := NewDocStream()
	inLock := NewFlowLock(1)
	cp.AddOperation(func(ctx context.Context) {
		kvs := tx.Descendants(ctx, bcx.Prefix(), lower, upper, inLock)
		doPKScan(ctx, cp, bcx, scanID, kvs, out, inLock, lower)
	}, out)
	return out
}

func (p *TableScanPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool { return true }

func (p *TableScanPlan) Describe() string {
	return fmt.Sprintf("TableScan(%s)", p.Cx.Ns)
}

// doPKScan turns raw collection key-values into one document per
// distinct primary key. Each document's scan key is the storage key of
// its header, so scan keys are strictly increasing. lastKey advances
// only after a document clears the flow lock and the send, so a
// cancellation mid-admission deposits a split that re-produces the
// unsent document.
func doPKScan(ctx context.Context, cp *PlanCheckpoint, bcx *CollectionContext, scanID int,
	kvs *KVStream, out *DocStream, inLock *FlowLock, begin []byte) {

	outLock := cp.DocLock()
	var lastPK, lastKey []byte
	deposit := func() {
		if !cp.SplitBoundWanted() {
			return
		}
		if lastKey == nil {
			cp.SetSplitBound(scanID, begin)
			return
		}
		cp.SetSplitBound(scanID, keys.Increment(keys.FirstItem(lastKey)))
	}
	for {
		kv, err := kvs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				deposit()
				return
			}
			if errors.Is(err, ErrEndOfStream) {
				out.Close()
			} else {
				out.Fail(err)
			}
			return
		}
		inLock.Release(1)
		curPK := keys.FirstItem(kv.Key)
		if curPK == nil {
			out.Fail(errors.Errorf("malformed document key %x", kv.Key))
			return
		}
		if !bytes.Equal(curPK, lastPK) {
			if err := outLock.Take(ctx, 1); err != nil {
				deposit()
				return
			}
			sc := NewScanContext(bcx.DocContext(curPK), scanID, kv.Key)
			if err := out.Send(ctx, sc); err != nil {
				deposit()
				return
			}
			lastPK = append([]byte(nil), curPK...)
			documentsScanned.Inc()
		}
		lastKey = kv.Key
	}
}

// PrimaryKeyLookupPlan reads documents by _id: a single get when the
// range collapses to a point, otherwise a bounded primary-key scan.
type PrimaryKeyLookupPlan struct {
	Cx         *UnboundCollectionContext
	Begin, End *keys.Value
}

func NewPrimaryKeyLookupPlan(cx *UnboundCollectionContext, begin, end *keys.Value) *PrimaryKeyLookupPlan {
	return &PrimaryKeyLookupPlan{Cx: cx, Begin: begin, End: end}
}

func (p *PrimaryKeyLookupPlan) point() bool {
	return p.Begin != nil && p.End != nil && p.Begin.Equal(*p.End)
}

func (p *PrimaryKeyLookupPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	bcx := p.Cx.Bind(tx)
	scanID := cp.AddScan()
	out := NewDocStream()
	if p.point() {
		cp.AddOperation(func(ctx context.Context) {
			doSinglePKLookup(ctx, cp, bcx, scanID, *p.Begin, out)
		}, out)
		return out
	}
	b := cp.Bounds(scanID)
	lower := keys.Min
	if p.Begin != nil {
		if item, err := p.Begin.KeyItem(); err == nil {
			lower = item
		}
	}
	lower = keys.MaxOf(lower, b.Begin)
	upperCand := keys.Max
	if p.End != nil {
		if item, err := p.End.KeyItem(); err == nil {
			upperCand = keys.Increment(item)
		}
	}
	upper := keys.MaxOf(lower, keys.MinOf(upperCand, b.End))
	inLock := NewFlowLock(1)
	cp.AddOperation(func(ctx context.Context) {
		kvs := tx.Descendants(ctx, bcx.Prefix(), lower, upper, inLock)
		doPKScan(ctx, cp, bcx, scanID, kvs, out, inLock, lower)
	}, out)
	return out
}

// doSinglePKLookup is a point read. If it is cancelled before the
// document went out, the split re-covers the point so a restart can
// retry the read.
func doSinglePKLookup(ctx context.Context, cp *PlanCheckpoint, bcx *CollectionContext, scanID int,
	pk keys.Value, out *DocStream) {

	item, err := pk.KeyItem()
	if err != nil {
		out.Fail(err)
		return
	}
	b := cp.Bounds(scanID)
	if keys.Compare(item, b.Begin) < 0 || keys.Compare(item, b.End) >= 0 {
		out.Close()
		return
	}
	ok, err := bcx.DocExists(item)
	if err != nil {
		out.Fail(err)
		return
	}
	if ok {
		if err := cp.DocLock().Take(ctx, 1); err != nil {
			if cp.SplitBoundWanted() {
				cp.SetSplitBound(scanID, item)
			}
			return
		}
		sc := NewScanContext(bcx.DocContext(item), scanID, item)
		if err := forwardDoc(ctx, cp, out, sc); err != nil {
			return
		}
		documentsScanned.Inc()
	}
	out.Close()
}

func (p *PrimaryKeyLookupPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return true
}

func (p *PrimaryKeyLookupPlan) Describe() string {
	return fmt.Sprintf("PrimaryKeyLookup(%s, %s, %s)", p.Cx.Ns, optValue(p.Begin), optValue(p.End))
}

func optValue(v *keys.Value) string {
	if v == nil {
		return "-"
	}
	return v.String()
}

// IndexScanPlan ranges over a secondary index. Begin and End are
// encoded item sequences (value key parts, escaped and terminated);
// nil means unbounded. End is inclusive at value granularity: the scan
// upper bound is Increment(End).
//
// The pipeline has two stages: toDocInfo resolves index entries to
// documents on the base collection, and deduplicateIndexStream drops
// every entry of a document except the last one inside the scan
// window, so an array field fanning out into many entries yields the
// document exactly once. Deduplication is skipped only for a point
// scan on a single-key index, which cannot produce duplicates.
type IndexScanPlan struct {
	Cx         *UnboundCollectionContext
	Index      IndexInfo
	Begin, End []byte
}

func NewIndexScanPlan(cx *UnboundCollectionContext, index IndexInfo, begin, end []byte) *IndexScanPlan {
	return &IndexScanPlan{Cx: cx, Index: index, Begin: begin, End: end}
}

func (p *IndexScanPlan) singleKey() bool {
	return p.Begin != nil && p.End != nil && bytes.Equal(p.Begin, p.End)
}

func (p *IndexScanPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	bcx := p.Cx.Bind(tx)
	scanID := cp.AddScan()
	b := cp.Bounds(scanID)
	lower := keys.Min
	if p.Begin != nil {
		lower = p.Begin
	}
	lower = keys.MaxOf(lower, b.Begin)
	upperCand := keys.Max
	if p.End != nil {
		upperCand = keys.Increment(p.End)
	}
	upper := keys.MaxOf(lower, keys.MinOf(upperCand, b.End))

	dis := NewDocStream()
	inLock := NewFlowLock(1)
	cp.AddOperation(func(ctx context.Context) {
		kvs := tx.Descendants(ctx, p.Index.Prefix(), lower, upper, inLock)
		toDocInfo(ctx, cp, bcx, scanID, kvs, dis, inLock, lower)
	}, dis)

	if p.singleKey() && p.Index.Size() == 1 {
		return dis
	}
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		deduplicateIndexStream(ctx, cp, p.Index, upper, dis, out)
	}, out)
	return out
}

// toDocInfo resolves each index entry to its document; the entry's
// terminal item is the owning document's primary key.
func toDocInfo(ctx context.Context, cp *PlanCheckpoint, bcx *CollectionContext, scanID int,
	kvs *KVStream, out *DocStream, inLock *FlowLock, begin []byte) {

	outLock := cp.DocLock()
	var lastKey []byte
	deposit := func() {
		if !cp.SplitBoundWanted() {
			return
		}
		if lastKey == nil {
			cp.SetSplitBound(scanID, begin)
			return
		}
		cp.SetSplitBound(scanID, keys.KeyAfter(lastKey))
	}
	for {
		kv, err := kvs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				deposit()
				return
			}
			if errors.Is(err, ErrEndOfStream) {
				out.Close()
			} else {
				out.Fail(err)
			}
			return
		}
		inLock.Release(1)
		if err := outLock.Take(ctx, 1); err != nil {
			deposit()
			return
		}
		pk := keys.LastItem(kv.Key)
		if pk == nil {
			out.Fail(errors.Errorf("malformed index key %x", kv.Key))
			return
		}
		sc := NewScanContext(bcx.DocContext(pk), scanID, kv.Key)
		if err := out.Send(ctx, sc); err != nil {
			deposit()
			return
		}
		lastKey = kv.Key
		documentsScanned.Inc()
	}
}

// deduplicateIndexStream emits a document only when the entry that
// carried it is the greatest entry the document would produce below
// the scan's upper bound.
func deduplicateIndexStream(ctx context.Context, cp *PlanCheckpoint, index IndexInfo,
	upperBound []byte, in, out *DocStream) {

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
				return wouldBeLast(ctx, doc, index, upperBound)
			})
		case r := <-pend.frontCh():
			if r.err != nil {
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

// wouldBeLast re-evaluates the indexed expressions on the document and
// reports whether the entry that produced it equals the maximum entry
// strictly below the scan's upper bound.
func wouldBeLast(ctx context.Context, d *ScanContext, index IndexInfo, upperBound []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fields := make(map[string]keys.Value, index.Size())
	for _, k := range index.Keys {
		v, ok, err := d.Doc.Get(k.Field)
		if err != nil {
			return false, err
		}
		if ok {
			fields[k.Field] = v
		}
	}
	entries, err := indexEntries(index, func(f string) (keys.Value, bool) {
		v, ok := fields[f]
		return v, ok
	})
	if err != nil {
		return false, err
	}
	if len(entries) <= 1 {
		return true, nil
	}
	var last []byte
	for i := len(entries) - 1; i >= 0; i-- {
		if keys.Compare(entries[i], upperBound) < 0 {
			last = entries[i]
			break
		}
	}
	return last != nil && bytes.HasPrefix(d.ScanKey(), last), nil
}

func (p *IndexScanPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	for _, ix := range newCx.KnownIndexes() {
		if ix.Name == p.Index.Name && keySpecEqual(ix.Keys, p.Index.Keys) && ix.Status == IndexStatusReady {
			return true
		}
	}
	return false
}

func (p *IndexScanPlan) Describe() string {
	return fmt.Sprintf("IndexScan(%s, %s, %x, %x)", p.Cx.Ns, p.Index.Name, p.Begin, p.End)
}
