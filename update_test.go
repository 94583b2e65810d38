package inkwell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-db/inkwell/keys"
)

// S5: an update with an upsert op against a collection without a
// matching document inserts and emits exactly one fresh document.
func TestUpdateWithUpsert(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.upsert",
		doc("_id", keys.String("a"), "v", keys.Int(1)),
	)
	filtered := ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("_id", keys.String("z")))
	upd := NewUpdatePlan(filtered, cx,
		&SetFieldsOp{Fields: map[string]keys.Value{"v": keys.Int(9)}},
		&DocumentInsert{Fields: map[string]keys.Value{"_id": keys.String("z"), "v": keys.Int(9)}},
		1)
	plan := NewRetryPlan(WithFlushChanges(upd), db)

	cp := db.NewCheckpoint()
	stream := plan.Execute(cp, db.NewTransaction())
	ctx := context.Background()
	d, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, d.ScanID())
	m, err := d.Doc.Materialize()
	require.NoError(t, err)
	assert.Equal(t, `"z"`, m["_id"].String())
	cp.DocLock().Release(1)
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, ErrEndOfStream)
	cp.Stop()

	// The upserted document is durable.
	got := collect(t, db, NewTableScanPlan(cx), nil)
	assert.Equal(t, []string{`"a"`, `"z"`}, idsOf(got))
}

func TestUpdateHonorsLimit(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.limit",
		doc("_id", keys.Int(1), "v", keys.Int(0)),
		doc("_id", keys.Int(2), "v", keys.Int(0)),
		doc("_id", keys.Int(3), "v", keys.Int(0)),
	)
	upd := NewUpdatePlan(NewTableScanPlan(cx), cx,
		&SetFieldsOp{Fields: map[string]keys.Value{"v": keys.Int(1)}}, nil, 2)
	plan := NewRetryPlan(WithFlushChanges(upd), db)
	n, err := ExecuteUntilCompletion(context.Background(), plan, db.NewTransaction(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got := collect(t, db, NewTableScanPlan(cx), nil)
	updated := 0
	for _, m := range got {
		if m["v"].Num == 1 {
			updated++
		}
	}
	assert.Equal(t, 2, updated)
}

func TestDeletePlanRemovesDocuments(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.del",
		doc("_id", keys.Int(1), "x", keys.Int(1)),
		doc("_id", keys.Int(2), "x", keys.Int(2)),
		doc("_id", keys.Int(3), "x", keys.Int(1)),
	)
	filtered := ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("x", keys.Int(1)))
	plan := NewRetryPlan(WithFlushChanges(DeletePlan(filtered, cx, 0)), db)
	n, err := ExecuteUntilCompletion(context.Background(), plan, db.NewTransaction(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got := collect(t, db, NewTableScanPlan(cx), nil)
	assert.Equal(t, []string{"2"}, idsOf(got))
}

func TestInsertPlanDuplicateKey(t *testing.T) {
	db := testDB(t)
	seed(t, db, "app.dup", doc("_id", keys.Int(1)))

	plan := NewRetryPlan(NewInsertPlan(db.Metadata(), "app.dup", []InsertOp{
		&DocumentInsert{Fields: map[string]keys.Value{"_id": keys.Int(1)}},
	}), db)
	_, err := ExecuteUntilCompletion(context.Background(), plan, db.NewTransaction(), 0)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestProjectAndUpdateEmitsProjection(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.pau",
		doc("_id", keys.Int(1), "v", keys.Int(1), "w", keys.Int(5)),
	)
	pau := &ProjectAndUpdatePlan{
		Sub:        ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("_id", keys.Int(1))),
		Cx:         cx,
		UpdateOp:   &SetFieldsOp{Fields: map[string]keys.Value{"v": keys.Int(2)}},
		Projection: &Projection{Fields: []string{"v"}},
		ProjectNew: true,
	}
	plan := NewRetryPlan(pau, db)
	got := collect(t, db, plan, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0]["v"].String())
	_, hasW := got[0]["w"]
	assert.False(t, hasW)
}

func TestFindAndModifyUpdatesExisting(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.fam",
		doc("_id", keys.Int(1), "v", keys.Int(1)),
	)
	fam := &FindAndModifyPlan{
		Sub:        ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("_id", keys.Int(1))),
		Cx:         cx,
		Mm:         db.Metadata(),
		Db:         db,
		UpdateOp:   &SetFieldsOp{Fields: map[string]keys.Value{"v": keys.Int(42)}},
		ProjectNew: true,
	}
	got := collect(t, db, fam, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0]["v"].String())

	after := collect(t, db, NewTableScanPlan(cx), nil)
	require.Len(t, after, 1)
	assert.Equal(t, "42", after[0]["v"].String())
}

func TestFindAndModifyUpserts(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.famup",
		doc("_id", keys.Int(1), "v", keys.Int(1)),
	)
	fam := &FindAndModifyPlan{
		Sub:        ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("_id", keys.Int(9))),
		Cx:         cx,
		Mm:         db.Metadata(),
		Db:         db,
		UpdateOp:   &SetFieldsOp{Fields: map[string]keys.Value{"v": keys.Int(2)}},
		UpsertOp:   &DocumentInsert{Fields: map[string]keys.Value{"_id": keys.Int(9), "v": keys.Int(2)}},
		ProjectNew: true,
	}
	got := collect(t, db, fam, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0]["v"].String())

	after := collect(t, db, NewTableScanPlan(cx), nil)
	assert.Equal(t, []string{"1", "9"}, idsOf(after))
}
