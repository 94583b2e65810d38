package inkwell

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

func dbOf(ns string) string {
	db, _, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return db
}

// Index descriptor document fields.
const (
	fieldIndexNs         = "ns"
	fieldIndexName       = "name"
	fieldIndexKeys       = "keys"
	fieldIndexStatus     = "status"
	fieldIndexBuildID    = "build id"
	fieldIndexProcessing = "currently processing document"
)

// IndexInsertPlan registers a new index: it verifies no index with the
// same key spec or name exists, inserts the descriptor document into
// the database's indexes collection and bumps the collection's
// metadata version. A key-spec duplicate ends the stream successfully
// without inserting, matching what clients expect from a repeated
// create-index call.
type IndexInsertPlan struct {
	Mm      *MetadataManager
	Ns      string
	Name    string
	KeySpec []IndexKey
	Status  IndexStatus
	BuildID string
}

func (p *IndexInsertPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doIndexInsert(ctx, cp, tx, p, out)
	}, out)
	return out
}

func doIndexInsert(ctx context.Context, cp *PlanCheckpoint, tx *Transaction, p *IndexInsertPlan, out *DocStream) {
	if err := cp.DocLock().Take(ctx, 1); err != nil {
		return
	}
	mcx, err := p.Mm.GetUnboundCollectionContext(ctx, tx, p.Ns)
	if err != nil {
		out.Fail(err)
		return
	}
	sys, err := p.Mm.IndexesCollection(ctx, tx, dbOf(p.Ns))
	if err != nil {
		out.Fail(err)
		return
	}
	existing, err := p.Mm.loadIndexes(ctx, tx, p.Ns)
	if err != nil {
		out.Fail(err)
		return
	}
	for _, ix := range existing {
		if keySpecEqual(ix.Keys, p.KeySpec) {
			// The external protocol reports success for an identical
			// index, so the duplicate turns into a clean end of
			// stream.
			out.Close()
			return
		}
		if ix.Name == p.Name {
			out.Fail(ErrIndexNameTaken)
			return
		}
	}
	ins := &DocumentInsert{Fields: map[string]keys.Value{
		"_id":            keys.String(p.Name),
		fieldIndexNs:     keys.String(p.Ns),
		fieldIndexName:   keys.String(p.Name),
		fieldIndexKeys:   keys.String(KeySpecString(p.KeySpec)),
		fieldIndexStatus: keys.String(string(p.Status)),
	}}
	if p.BuildID != "" {
		ins.Fields[fieldIndexBuildID] = keys.String(p.BuildID)
	}
	doc, err := ins.Insert(ctx, sys.Bind(tx))
	if err != nil {
		out.Fail(err)
		return
	}
	if err := mcx.Bind(tx).BumpMetadataVersion(); err != nil {
		out.Fail(err)
		return
	}
	indexesCreated.Inc()
	sc := NewScanContext(doc, -1, nil)
	if err := out.Send(ctx, sc); err != nil {
		return
	}
	out.Close()
}

func (p *IndexInsertPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }
func (p *IndexInsertPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool    { return false }

func (p *IndexInsertPlan) Describe() string {
	return fmt.Sprintf("IndexInsert(%s, %s)", p.Ns, p.Name)
}

// UpdateIndexStatusPlan conditionally moves an index document to a
// new status, guarded by build-id equality when a build id is given,
// and bumps the collection's metadata version.
type UpdateIndexStatusPlan struct {
	Mm        *MetadataManager
	Ns        string
	IndexName string
	NewStatus IndexStatus
	BuildID   string
}

func (p *UpdateIndexStatusPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		doUpdateIndexStatus(ctx, cp, tx, p, out)
	}, out)
	return out
}

func doUpdateIndexStatus(ctx context.Context, cp *PlanCheckpoint, tx *Transaction, p *UpdateIndexStatusPlan, out *DocStream) {
	sys, err := p.Mm.IndexesCollection(ctx, tx, dbOf(p.Ns))
	if err != nil {
		out.Fail(err)
		return
	}
	pk, err := keys.String(p.IndexName).KeyItem()
	if err != nil {
		out.Fail(err)
		return
	}
	indexDoc := sys.Bind(tx).DocContext(pk)
	mcx, err := p.Mm.GetUnboundCollectionContext(ctx, tx, p.Ns)
	if err != nil {
		out.Fail(err)
		return
	}

	okay := true
	if p.BuildID != "" {
		v, ok, err := indexDoc.Get(fieldIndexBuildID)
		if err != nil {
			out.Fail(err)
			return
		}
		okay = ok && v.Str == p.BuildID
	}
	if !okay {
		out.Fail(ErrIndexWrongBuildID)
		return
	}

	if err := cp.DocLock().Take(ctx, 1); err != nil {
		return
	}
	indexDoc.Set(fieldIndexStatus, keys.String(string(p.NewStatus)))
	indexDoc.Clear(fieldIndexProcessing)
	indexDoc.Clear(fieldIndexBuildID)
	if err := indexDoc.CommitChanges(ctx); err != nil {
		out.Fail(err)
		return
	}
	if err := mcx.Bind(tx).BumpMetadataVersion(); err != nil {
		out.Fail(err)
		return
	}
	sc := NewScanContext(indexDoc, -1, nil)
	if err := out.Send(ctx, sc); err != nil {
		return
	}
	out.Close()
}

func (p *UpdateIndexStatusPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan {
	return nil
}
func (p *UpdateIndexStatusPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	return false
}

func (p *UpdateIndexStatusPlan) Describe() string {
	return fmt.Sprintf("UpdateIndexStatus(%s, %s, %s)", p.Ns, p.IndexName, p.NewStatus)
}

// BuildIndexPlan walks the collection via its inner scan and re-sets
// every document's indexed field to its own value, which makes the
// document's commit rewrite the index entry. Each execution attempt
// first persists the primary key it resumes from on the index
// document, so operators can report build progress.
type BuildIndexPlan struct {
	Scan  Plan
	Cx    *UnboundCollectionContext
	Index IndexInfo
	Mm    *MetadataManager
}

func (p *BuildIndexPlan) Execute(cp *PlanCheckpoint, tx *Transaction) *DocStream {
	input := p.Scan.Execute(cp, tx)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		scanAndBuildIndex(ctx, cp, tx, p, input, out)
	}, out)
	return out
}

func scanAndBuildIndex(ctx context.Context, cp *PlanCheckpoint, tx *Transaction,
	p *BuildIndexPlan, in, out *DocStream) {

	if b := cp.Bounds(0); len(b.Begin) > 0 {
		if err := persistProgressMarker(ctx, tx, p, b.Begin); err != nil {
			out.Fail(err)
			return
		}
	}

	var pend pendingQueue[struct{}]
	cancelled := func() {
		if !cp.SplitBoundWanted() {
			return
		}
		// Input first: anything still buffered arrived later than
		// every pending document, so the pending head must deposit
		// last and win.
		drained := in.Drain()
		for i := len(drained) - 1; i >= 0; i-- {
			depositSplit(cp, drained[i])
		}
		pend.depositSplits(cp)
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
			pend.push(ctx, d, func() (struct{}, error) {
				return struct{}{}, buildIndexEntry(doc, p.Index)
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
			if err := forwardDoc(ctx, cp, out, pend.front()); err != nil {
				cancelled()
				return
			}
			pend.pop()
			indexBuildDocs.Inc()
		case <-ctx.Done():
			cancelled()
			return
		}
	}
	out.Close()
}

// buildIndexEntry dirties the indexed field with its own value. One
// field is enough even for a compound index: the commit re-evaluates
// the whole entry.
func buildIndexEntry(doc *ScanContext, index IndexInfo) error {
	field := index.Keys[0].Field
	v, ok, err := doc.Doc.Get(field)
	if err != nil {
		return err
	}
	if ok {
		doc.Doc.Set(field, v)
	} else {
		doc.Doc.Clear(field)
	}
	return nil
}

// persistProgressMarker records the primary key the build resumes
// from on the index document. The bound's begin is the increment of
// an encoded key item; undoing the increment recovers the item.
func persistProgressMarker(ctx context.Context, tx *Transaction, p *BuildIndexPlan, begin []byte) error {
	sys, err := p.Mm.IndexesCollection(ctx, tx, dbOf(p.Cx.Ns))
	if err != nil {
		return err
	}
	pk, err := keys.String(p.Index.Name).KeyItem()
	if err != nil {
		return err
	}
	indexDoc := sys.Bind(tx).DocContext(pk)
	marker := keys.String("unknown")
	if v, ok := unincrementedValue(begin); ok {
		marker = v
	}
	indexDoc.Set(fieldIndexProcessing, marker)
	return indexDoc.CommitChanges(ctx)
}

func unincrementedValue(begin []byte) (keys.Value, bool) {
	if len(begin) == 0 || begin[len(begin)-1] == 0 {
		return keys.Value{}, false
	}
	item := append([]byte(nil), begin...)
	item[len(item)-1]--
	raw, _, ok := keys.DecodeItem(item)
	if !ok {
		return keys.Value{}, false
	}
	v, err := keys.DecodeKeyPart(raw)
	if err != nil {
		return keys.Value{}, false
	}
	return v, true
}

func (p *BuildIndexPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan { return nil }

// The build may survive a metadata change as long as its index is
// still building under the same build id.
func (p *BuildIndexPlan) MetadataChangeOkay(newCx *UnboundCollectionContext) bool {
	for _, ix := range newCx.KnownIndexes() {
		if ix.Name == p.Index.Name && ix.Status == IndexStatusBuilding && ix.BuildID == p.Index.BuildID {
			return p.Scan.MetadataChangeOkay(newCx)
		}
	}
	return false
}

func (p *BuildIndexPlan) Describe() string {
	return fmt.Sprintf("BuildIndex(%s, %s)", p.Cx.Ns, p.Index.Name)
}
