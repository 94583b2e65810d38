package inkwell

import (
	"context"
	"fmt"
	"strings"

	"github.com/inkwell-db/inkwell/keys"
)

type PredicateType int

const (
	PredAll PredicateType = iota
	PredNone
	PredAny
	PredAnd
	PredOr
	PredNot
)

// Predicate is a document-level condition. Any wraps a value-level
// condition applied to the fan-out of an expression; the planner
// rewrites Any terms against scans when it can.
type Predicate interface {
	Type() PredicateType
	Evaluate(ctx context.Context, doc DocumentContext) (bool, error)
	Simplify() Predicate
	String() string
}

// ValueCondition is the value-level half of an Any predicate. Range
// reports the smallest [begin, end] value interval (ends inclusive,
// nil for unbounded) containing every matching value; Tight reports
// whether every value in that interval matches, in which case a scan
// over the interval needs no residual filter.
type ValueCondition interface {
	Matches(v keys.Value) bool
	Range() (begin, end *keys.Value)
	Tight() bool
	String() string
}

// FieldExpression expands a document into the values at a field,
// fanning arrays out one element at a time.
type FieldExpression struct {
	Path        string
	ExpandArray bool
}

func Field(path string) *FieldExpression {
	return &FieldExpression{Path: path, ExpandArray: true}
}

// IndexKey names the index key this expression's values would be
// found under, or "" when the expression is not indexable.
func (e *FieldExpression) IndexKey() string {
	if e.ExpandArray {
		return e.Path
	}
	return ""
}

func (e *FieldExpression) Values(doc DocumentContext) ([]keys.Value, error) {
	v, ok, err := doc.Get(e.Path)
	if err != nil || !ok {
		return nil, err
	}
	if v.IsArray() && e.ExpandArray {
		return v.Arr, nil
	}
	return []keys.Value{v}, nil
}

func (e *FieldExpression) String() string { return "path(" + e.Path + ")" }

type AllPredicate struct{}
type NonePredicate struct{}

func All() Predicate  { return &AllPredicate{} }
func None() Predicate { return &NonePredicate{} }

func (p *AllPredicate) Type() PredicateType { return PredAll }
func (p *AllPredicate) Evaluate(ctx context.Context, doc DocumentContext) (bool, error) {
	return true, nil
}
func (p *AllPredicate) Simplify() Predicate { return p }
func (p *AllPredicate) String() string      { return "all" }

func (p *NonePredicate) Type() PredicateType { return PredNone }
func (p *NonePredicate) Evaluate(ctx context.Context, doc DocumentContext) (bool, error) {
	return false, nil
}
func (p *NonePredicate) Simplify() Predicate { return p }
func (p *NonePredicate) String() string      { return "none" }

// AnyPredicate matches when any value of Expr satisfies Cond.
type AnyPredicate struct {
	Expr *FieldExpression
	Cond ValueCondition
}

func Any(expr *FieldExpression, cond ValueCondition) Predicate {
	return &AnyPredicate{Expr: expr, Cond: cond}
}

// FieldEq is the common shorthand Any(Field(f), Eq(v)).
func FieldEq(field string, v keys.Value) Predicate {
	return Any(Field(field), Eq(v))
}

func (p *AnyPredicate) Type() PredicateType { return PredAny }

func (p *AnyPredicate) Evaluate(ctx context.Context, doc DocumentContext) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	vals, err := p.Expr.Values(doc)
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		if p.Cond.Matches(v) {
			return true, nil
		}
	}
	return false, nil
}

func (p *AnyPredicate) Simplify() Predicate { return p }
func (p *AnyPredicate) String() string {
	return fmt.Sprintf("any(%s %s)", p.Expr, p.Cond)
}

type AndPredicate struct {
	Terms []Predicate
}

func And(terms ...Predicate) Predicate { return &AndPredicate{Terms: terms} }

func (p *AndPredicate) Type() PredicateType { return PredAnd }

func (p *AndPredicate) Evaluate(ctx context.Context, doc DocumentContext) (bool, error) {
	for _, t := range p.Terms {
		ok, err := t.Evaluate(ctx, doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p *AndPredicate) Simplify() Predicate {
	var terms []Predicate
	for _, t := range p.Terms {
		t = t.Simplify()
		switch t.Type() {
		case PredAll:
		case PredNone:
			return None()
		case PredAnd:
			terms = append(terms, t.(*AndPredicate).Terms...)
		default:
			terms = append(terms, t)
		}
	}
	switch len(terms) {
	case 0:
		return All()
	case 1:
		return terms[0]
	}
	return &AndPredicate{Terms: terms}
}

func (p *AndPredicate) String() string { return "and(" + joinPreds(p.Terms) + ")" }

type OrPredicate struct {
	Terms []Predicate
}

func Or(terms ...Predicate) Predicate { return &OrPredicate{Terms: terms} }

func (p *OrPredicate) Type() PredicateType { return PredOr }

func (p *OrPredicate) Evaluate(ctx context.Context, doc DocumentContext) (bool, error) {
	for _, t := range p.Terms {
		ok, err := t.Evaluate(ctx, doc)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *OrPredicate) Simplify() Predicate {
	var terms []Predicate
	for _, t := range p.Terms {
		t = t.Simplify()
		switch t.Type() {
		case PredNone:
		case PredAll:
			return All()
		case PredOr:
			terms = append(terms, t.(*OrPredicate).Terms...)
		default:
			terms = append(terms, t)
		}
	}
	switch len(terms) {
	case 0:
		return None()
	case 1:
		return terms[0]
	}
	return &OrPredicate{Terms: terms}
}

func (p *OrPredicate) String() string { return "or(" + joinPreds(p.Terms) + ")" }

type NotPredicate struct {
	Inner Predicate
}

func Not(inner Predicate) Predicate { return &NotPredicate{Inner: inner} }

func (p *NotPredicate) Type() PredicateType { return PredNot }

func (p *NotPredicate) Evaluate(ctx context.Context, doc DocumentContext) (bool, error) {
	ok, err := p.Inner.Evaluate(ctx, doc)
	return !ok, err
}

func (p *NotPredicate) Simplify() Predicate {
	inner := p.Inner.Simplify()
	switch inner.Type() {
	case PredAll:
		return None()
	case PredNone:
		return All()
	case PredNot:
		return inner.(*NotPredicate).Inner
	}
	return &NotPredicate{Inner: inner}
}

func (p *NotPredicate) String() string { return "not(" + p.Inner.String() + ")" }

func joinPreds(terms []Predicate) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

// RangeCondition matches values in the interval [Begin, End] with
// either end optionally open or absent.
type RangeCondition struct {
	Begin, End         *keys.Value
	BeginOpen, EndOpen bool
}

func Eq(v keys.Value) ValueCondition { return &RangeCondition{Begin: &v, End: &v} }
func Lt(v keys.Value) ValueCondition { return &RangeCondition{End: &v, EndOpen: true} }
func Le(v keys.Value) ValueCondition { return &RangeCondition{End: &v} }
func Gt(v keys.Value) ValueCondition { return &RangeCondition{Begin: &v, BeginOpen: true} }
func Ge(v keys.Value) ValueCondition { return &RangeCondition{Begin: &v} }

func Between(lo, hi keys.Value) ValueCondition {
	return &RangeCondition{Begin: &lo, End: &hi}
}

func (c *RangeCondition) Matches(v keys.Value) bool {
	if c.Begin != nil {
		cmp := v.Compare(*c.Begin)
		if cmp < 0 || (cmp == 0 && c.BeginOpen) {
			return false
		}
	}
	if c.End != nil {
		cmp := v.Compare(*c.End)
		if cmp > 0 || (cmp == 0 && c.EndOpen) {
			return false
		}
	}
	return true
}

// Range reports the closed hull of the condition. An open end widens
// the scan by one value; Tight is false then, so a residual filter
// re-checks each document.
func (c *RangeCondition) Range() (*keys.Value, *keys.Value) { return c.Begin, c.End }

func (c *RangeCondition) Tight() bool { return !c.BeginOpen && !c.EndOpen }

func (c *RangeCondition) String() string {
	b, e := "-inf", "+inf"
	if c.Begin != nil {
		b = c.Begin.String()
	}
	if c.End != nil {
		e = c.End.String()
	}
	lo, hi := "[", "]"
	if c.BeginOpen {
		lo = "("
	}
	if c.EndOpen {
		hi = ")"
	}
	return lo + b + "," + e + hi
}
