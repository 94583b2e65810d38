package inkwell

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-db/inkwell/keys"
)

func TestSkipDropsPrefix(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.skip",
		doc("_id", keys.Int(1)), doc("_id", keys.Int(2)),
		doc("_id", keys.Int(3)), doc("_id", keys.Int(4)),
	)
	got := collect(t, db, NewSkipPlan(NewTableScanPlan(cx), 2), nil)
	assert.Equal(t, []string{"3", "4"}, idsOf(got))
}

// The remaining skip count lives in checkpoint state: a restart after
// one document must not skip two more.
func TestSkipCountSurvivesRecheckpoint(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.skip2",
		doc("_id", keys.Int(1)), doc("_id", keys.Int(2)),
		doc("_id", keys.Int(3)), doc("_id", keys.Int(4)), doc("_id", keys.Int(5)),
	)
	plan := NewSkipPlan(NewTableScanPlan(cx), 2)

	cp := db.NewCheckpoint()
	stream := plan.Execute(cp, db.NewTransaction())
	ctx := context.Background()
	d, err := stream.Next(ctx)
	require.NoError(t, err)
	m, err := d.Doc.Materialize()
	require.NoError(t, err)
	assert.Equal(t, "3", m["_id"].String())
	cp.DocLock().Release(1)

	next := cp.StopAndCheckpoint()
	stream2 := plan.Execute(next, db.NewTransaction())
	var rest []string
	for {
		d, err := stream2.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrEndOfStream)
			break
		}
		m, err := d.Doc.Materialize()
		require.NoError(t, err)
		rest = append(rest, m["_id"].String())
		next.DocLock().Release(1)
	}
	next.Stop()
	assert.Equal(t, []string{"4", "5"}, rest)
}

func TestUnionMergesBothInputs(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.union",
		doc("_id", keys.Int(1)), doc("_id", keys.Int(2)), doc("_id", keys.Int(3)),
	)
	one, three := keys.Int(1), keys.Int(3)
	plan := NewUnionPlan(
		NewPrimaryKeyLookupPlan(cx, &one, &one),
		NewPrimaryKeyLookupPlan(cx, &three, &three),
	)
	got := idsOf(collect(t, db, plan, nil))
	sort.Strings(got)
	assert.Equal(t, []string{"1", "3"}, got)
}

func TestProjectionKeepsScanIdentity(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.proj",
		doc("_id", keys.Int(1), "a", keys.Int(10), "b", keys.Int(20)),
	)
	plan := NewProjectionPlan(NewTableScanPlan(cx), &Projection{Fields: []string{"a"}})
	cp := db.NewCheckpoint()
	stream := plan.Execute(cp, db.NewTransaction())
	defer cp.Stop()
	d, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, d.ScanID())
	assert.NotEmpty(t, d.ScanKey())
	m, err := d.Doc.Materialize()
	require.NoError(t, err)
	assert.Equal(t, "10", m["a"].String())
	_, hasB := m["b"]
	assert.False(t, hasB)
}

func TestSortOrdersBuffered(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.sort",
		doc("_id", keys.Int(1), "v", keys.Int(30)),
		doc("_id", keys.Int(2), "v", keys.Int(10)),
		doc("_id", keys.Int(3), "v", keys.Int(20)),
	)
	asc := collect(t, db, NewSortPlan(NewTableScanPlan(cx), []IndexKey{{Field: "v", Direction: 1}}), nil)
	assert.Equal(t, []string{"2", "3", "1"}, idsOf(asc))

	desc := collect(t, db, NewSortPlan(NewTableScanPlan(cx), []IndexKey{{Field: "v", Direction: -1}}), nil)
	assert.Equal(t, []string{"1", "3", "2"}, idsOf(desc))
}

func TestFlushChangesCommitsDeferredWrites(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.flush", doc("_id", keys.Int(1), "v", keys.Int(0)))

	upd := NewUpdatePlan(NewTableScanPlan(cx), cx,
		&SetFieldsOp{Fields: map[string]keys.Value{"v": keys.Int(5)}}, nil, 0)
	plan := NewRetryPlan(WithFlushChanges(upd), db)
	_, err := ExecuteUntilCompletion(context.Background(), plan, db.NewTransaction(), 0)
	require.NoError(t, err)

	got := collect(t, db, NewTableScanPlan(cx), nil)
	require.Len(t, got, 1)
	assert.Equal(t, "5", got[0]["v"].String())
}

func TestPredicateEvaluation(t *testing.T) {
	d := NewMemDocument(map[string]keys.Value{
		"x": keys.Int(5),
		"t": keys.Array(keys.Int(1), keys.Int(9)),
	})
	ctx := context.Background()

	ok, err := FieldEq("x", keys.Int(5)).Evaluate(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	// Any over an array matches per element.
	ok, err = FieldEq("t", keys.Int(9)).Evaluate(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = FieldEq("t", keys.Int(2)).Evaluate(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Any(Field("x"), Between(keys.Int(1), keys.Int(5))).Evaluate(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Any(Field("x"), Lt(keys.Int(5))).Evaluate(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = And(FieldEq("x", keys.Int(5)), Not(FieldEq("t", keys.Int(2)))).Evaluate(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	// A missing field matches nothing.
	ok, err = FieldEq("nope", keys.Null()).Evaluate(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
}
