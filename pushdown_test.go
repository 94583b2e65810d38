package inkwell

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-db/inkwell/keys"
)

// S1: a tight _id equality over a table scan becomes a point primary
// key lookup.
func TestPushDownIdEquality(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.pd1",
		doc("_id", keys.String("a")), doc("_id", keys.String("b")), doc("_id", keys.String("c")),
	)
	plan := ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("_id", keys.String("b")))
	_, isLookup := plan.(*PrimaryKeyLookupPlan)
	assert.True(t, isLookup, "got %s", plan.Describe())

	got := collect(t, db, plan, nil)
	require.Len(t, got, 1)
	assert.Equal(t, `"b"`, got[0]["_id"].String())
}

func TestPushDownIndexedField(t *testing.T) {
	db := testDB(t)
	ns := "app.pd2"
	seed(t, db, ns,
		doc("_id", keys.Int(1), "x", keys.Int(7)),
		doc("_id", keys.Int(2), "x", keys.Int(9)),
	)
	cx := createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})

	plan := ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("x", keys.Int(7)))
	_, isIndexScan := plan.(*IndexScanPlan)
	assert.True(t, isIndexScan, "got %s", plan.Describe())
	assert.Equal(t, []string{"1"}, idsOf(collect(t, db, plan, nil)))

	// A non-tight range keeps a residual filter around the scan.
	loose := ConstructFilterPlan(cx, NewTableScanPlan(cx),
		Any(Field("x"), Gt(keys.Int(7))))
	fp, isFilter := loose.(*FilterPlan)
	require.True(t, isFilter, "got %s", loose.Describe())
	_, isIndexScan = fp.Source.(*IndexScanPlan)
	assert.True(t, isIndexScan)
	assert.Equal(t, []string{"2"}, idsOf(collect(t, db, loose, nil)))
}

// Property 5: ALL is the identity of push-down.
func TestPushDownAllIsIdentity(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.pd3", doc("_id", keys.Int(1)))
	scan := NewTableScanPlan(cx)
	assert.Equal(t, Plan(scan), ConstructFilterPlan(cx, scan, All()))
}

// Property 6: NONE collapses to the empty plan.
func TestPushDownNoneIsEmpty(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.pd4", doc("_id", keys.Int(1)))
	plan := NewTableScanPlan(cx).PushDown(cx, None())
	_, isEmpty := plan.(*EmptyPlan)
	require.True(t, isEmpty)
	assert.Empty(t, collect(t, db, plan, nil))
}

// S3: an OR across _id and an indexed field becomes a union of a
// filtered lookup and an index scan.
func TestPushDownOrBecomesUnion(t *testing.T) {
	db := testDB(t)
	ns := "app.pd5"
	seed(t, db, ns,
		doc("_id", keys.Int(1), "x", keys.Int(5)),
		doc("_id", keys.Int(2), "x", keys.Int(7)),
		doc("_id", keys.Int(3), "x", keys.Int(6)),
		doc("_id", keys.Int(4), "x", keys.Int(7)),
		doc("_id", keys.Int(5), "x", keys.Int(5)),
	)
	cx := createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})

	pred := Or(FieldEq("_id", keys.Int(3)), FieldEq("x", keys.Int(7)))
	plan := ConstructFilterPlan(cx, NewTableScanPlan(cx), pred)
	_, isUnion := plan.(*UnionPlan)
	assert.True(t, isUnion, "got %s", plan.Describe())

	got := idsOf(collect(t, db, plan, nil))
	sort.Strings(got)
	assert.Equal(t, []string{"2", "3", "4"}, got)
}

// Property 4: push-down rewrites are multiset-equivalent to the
// residual filter plan.
func TestPushDownEquivalence(t *testing.T) {
	db := testDB(t)
	ns := "app.pd6"
	var docs []map[string]keys.Value
	for i := 0; i < 20; i++ {
		docs = append(docs, doc("_id", keys.Int(int64(i)), "x", keys.Int(int64(i%5))))
	}
	seed(t, db, ns, docs...)
	cx := createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})

	preds := []Predicate{
		FieldEq("x", keys.Int(3)),
		Any(Field("x"), Between(keys.Int(1), keys.Int(2))),
		And(FieldEq("x", keys.Int(2)), Any(Field("_id"), Lt(keys.Int(10)))),
		Or(FieldEq("_id", keys.Int(4)), FieldEq("x", keys.Int(0))),
		Not(FieldEq("x", keys.Int(1))),
	}
	for _, pred := range preds {
		residual := &FilterPlan{Cx: cx, Source: NewTableScanPlan(cx), Filter: pred}
		rewritten := ConstructFilterPlan(cx, NewTableScanPlan(cx), pred)

		want := idsOf(collect(t, db, residual, nil))
		got := idsOf(collect(t, db, rewritten, nil))
		sort.Strings(want)
		sort.Strings(got)
		assert.Equal(t, want, got, pred.String())
	}
}

func TestCompoundIndexPushDown(t *testing.T) {
	db := testDB(t)
	ns := "app.pd7"
	seed(t, db, ns,
		doc("_id", keys.Int(1), "a", keys.Int(1), "b", keys.Int(10)),
		doc("_id", keys.Int(2), "a", keys.Int(1), "b", keys.Int(20)),
		doc("_id", keys.Int(3), "a", keys.Int(2), "b", keys.Int(10)),
	)
	createReadyIndex(t, db, ns, "a_1", IndexKey{Field: "a", Direction: 1})
	cx := createReadyIndex(t, db, ns, "a_1_b_1",
		IndexKey{Field: "a", Direction: 1}, IndexKey{Field: "b", Direction: 1})

	pred := And(FieldEq("a", keys.Int(1)), FieldEq("b", keys.Int(20)))
	plan := ConstructFilterPlan(cx, NewTableScanPlan(cx), pred)

	scan, isIndexScan := plan.(*IndexScanPlan)
	require.True(t, isIndexScan, "got %s", plan.Describe())
	assert.Equal(t, 2, scan.Index.Size())
	assert.Equal(t, []string{"2"}, idsOf(collect(t, db, plan, nil)))
}

func TestSimplify(t *testing.T) {
	p := FieldEq("x", keys.Int(1))
	assert.Equal(t, PredNone, And(p, None()).Simplify().Type())
	assert.Equal(t, PredAll, Or(p, All()).Simplify().Type())
	assert.Equal(t, p, And(p, All()).Simplify())
	assert.Equal(t, p, Or(p, None()).Simplify())
	assert.Equal(t, PredNone, Not(All()).Simplify().Type())
	assert.Equal(t, p, Not(Not(p)).Simplify())
	flat := And(And(p, p), p).Simplify()
	assert.Len(t, flat.(*AndPredicate).Terms, 3)
}
