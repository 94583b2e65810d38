package inkwell

import (
	"github.com/inkwell-db/inkwell/keys"
)

// Push-down rewrites. A filter over a table scan becomes a primary-key
// lookup, an index scan, or a filtered union of those; a filter over a
// point index scan can extend into a compound index. A rewrite returns
// nil when the predicate cannot be served by the scan, in which case
// ConstructFilterPlan keeps a residual FilterPlan.

func valueRangeItems(cond ValueCondition) (begin, end []byte, present bool) {
	b, e := cond.Range()
	if b == nil && e == nil {
		return nil, nil, false
	}
	if b != nil {
		item, err := b.KeyItem()
		if err != nil {
			return nil, nil, false
		}
		begin = item
	}
	if e != nil {
		item, err := e.KeyItem()
		if err != nil {
			return nil, nil, false
		}
		end = item
	}
	return begin, end, true
}

// PushDown on a table scan rewrites the predicate into a pre-filtered
// scan where possible.
func (p *TableScanPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan {
	switch pred.Type() {
	case PredAny:
		any := pred.(*AnyPredicate)
		field := any.Expr.IndexKey()
		if field == "" {
			return nil
		}
		if field == "_id" {
			begin, end := any.Cond.Range()
			if begin == nil && end == nil {
				return nil
			}
			lookup := NewPrimaryKeyLookupPlan(cx, begin, end)
			if any.Cond.Tight() {
				return lookup
			}
			return ConstructFilterPlan(cx, lookup, pred)
		}
		index, ok := cx.SimpleIndex(field)
		if !ok {
			return nil
		}
		begin, end, present := valueRangeItems(any.Cond)
		if !present {
			return nil
		}
		scan := NewIndexScanPlan(cx, index, begin, end)
		if any.Cond.Tight() {
			return scan
		}
		return ConstructFilterPlan(cx, scan, pred)

	case PredOr:
		terms := pred.(*OrPredicate).Terms
		last := terms[len(terms)-1]
		lastPlan := p.PushDown(cx, last)
		if lastPlan == nil {
			return nil
		}
		rest := And(Or(terms[:len(terms)-1]...), Not(last)).Simplify()
		restPlan := p.PushDown(cx, rest)
		if restPlan == nil {
			return nil
		}
		return NewUnionPlan(restPlan, lastPlan)

	case PredAnd:
		terms := pred.(*AndPredicate).Terms
		for i, term := range terms {
			pd := p.PushDown(cx, term)
			if pd == nil {
				continue
			}
			others := make([]Predicate, 0, len(terms)-1)
			others = append(others, terms[:i]...)
			others = append(others, terms[i+1:]...)
			// SOMEDAY: keep looking instead of taking the first
			// pushable conjunct.
			return ConstructFilterPlan(cx, pd, And(others...).Simplify())
		}
		return nil

	case PredNone:
		return &EmptyPlan{}
	}
	return nil
}

func (p *PrimaryKeyLookupPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan {
	return nil
}

// PushDown on a point index scan appends a further key range when a
// matching compound index exists.
func (p *IndexScanPlan) PushDown(cx *UnboundCollectionContext, pred Predicate) Plan {
	if !p.singleKey() {
		return nil
	}
	switch pred.Type() {
	case PredAny:
		any := pred.(*AnyPredicate)
		field := any.Expr.IndexKey()
		if field == "" {
			return nil
		}
		compound, ok := cx.CompoundIndex(p.Index, field)
		if !ok {
			return nil
		}
		beginSuffix, endSuffix, present := valueRangeItems(any.Cond)
		if !present {
			return nil
		}
		if beginSuffix == nil {
			beginSuffix = []byte{0x00}
		}
		if endSuffix == nil {
			endSuffix = keys.Max
		}
		var begin, end []byte
		if p.Begin != nil {
			begin = append(append([]byte(nil), p.Begin...), beginSuffix...)
		}
		if p.End != nil {
			end = append(append([]byte(nil), p.End...), endSuffix...)
		}
		scan := NewIndexScanPlan(cx, compound, begin, end)
		if any.Cond.Tight() {
			return scan
		}
		return ConstructFilterPlan(cx, scan, pred)

	case PredAnd:
		terms := pred.(*AndPredicate).Terms
		for i, term := range terms {
			pd := p.PushDown(cx, term)
			if pd == nil {
				continue
			}
			others := make([]Predicate, 0, len(terms)-1)
			others = append(others, terms[:i]...)
			others = append(others, terms[i+1:]...)
			// SOMEDAY: keep looking instead of taking the first
			// pushable conjunct.
			return ConstructFilterPlan(cx, pd, And(others...).Simplify())
		}
		return nil
	}
	return nil
}
