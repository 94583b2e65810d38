package inkwell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-db/inkwell/keys"
)

func TestTableScanEmitsAllInOrder(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.users",
		doc("_id", keys.String("c"), "n", keys.Int(3)),
		doc("_id", keys.String("a"), "n", keys.Int(1)),
		doc("_id", keys.String("b"), "n", keys.Int(2)),
	)
	got := collect(t, db, NewTableScanPlan(cx), nil)
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`}, idsOf(got))
}

func TestScanKeysStrictlyIncrease(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.mono",
		doc("_id", keys.Int(1)), doc("_id", keys.Int(2)), doc("_id", keys.Int(3)),
	)
	cp := db.NewCheckpoint()
	stream := NewTableScanPlan(cx).Execute(cp, db.NewTransaction())
	defer cp.Stop()
	var prev []byte
	for {
		d, err := stream.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, ErrEndOfStream)
			break
		}
		if prev != nil {
			assert.Positive(t, keys.Compare(d.ScanKey(), prev))
		}
		prev = d.ScanKey()
		cp.DocLock().Release(1)
	}
}

func TestPrimaryKeyPointLookup(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.pk",
		doc("_id", keys.String("a")), doc("_id", keys.String("b")), doc("_id", keys.String("c")),
	)
	b := keys.String("b")
	got := collect(t, db, NewPrimaryKeyLookupPlan(cx, &b, &b), nil)
	require.Len(t, got, 1)
	assert.Equal(t, `"b"`, got[0]["_id"].String())

	missing := keys.String("zz")
	got = collect(t, db, NewPrimaryKeyLookupPlan(cx, &missing, &missing), nil)
	assert.Empty(t, got)
}

func TestPrimaryKeyRangeLookup(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.pkrange",
		doc("_id", keys.Int(1)), doc("_id", keys.Int(2)),
		doc("_id", keys.Int(3)), doc("_id", keys.Int(4)),
	)
	lo, hi := keys.Int(2), keys.Int(3)
	got := collect(t, db, NewPrimaryKeyLookupPlan(cx, &lo, &hi), nil)
	assert.Equal(t, []string{"2", "3"}, idsOf(got))

	// Open-ended range.
	got = collect(t, db, NewPrimaryKeyLookupPlan(cx, &hi, nil), nil)
	assert.Equal(t, []string{"3", "4"}, idsOf(got))
}

// S2: an array field fans out into several index entries; the scan
// must deliver each document exactly once.
func TestIndexScanDeduplicates(t *testing.T) {
	db := testDB(t)
	ns := "app.multikey"
	seed(t, db, ns,
		doc("_id", keys.Int(1), "t", keys.Array(keys.Int(1), keys.Int(2), keys.Int(3))),
		doc("_id", keys.Int(2), "t", keys.Array(keys.Int(2), keys.Int(3))),
	)
	cx := createReadyIndex(t, db, ns, "t_1", IndexKey{Field: "t", Direction: 1})
	index, ok := cx.SimpleIndex("t")
	require.True(t, ok)

	lo, err := keys.Int(1).KeyItem()
	require.NoError(t, err)
	hi, err := keys.Int(4).KeyItem()
	require.NoError(t, err)
	got := collect(t, db, NewIndexScanPlan(cx, index, lo, hi), nil)
	require.Len(t, got, 2)
	seen := map[string]bool{}
	for _, d := range got {
		seen[d["_id"].String()] = true
	}
	assert.True(t, seen["1"] && seen["2"])
}

func TestIndexScanPointSingleKey(t *testing.T) {
	db := testDB(t)
	ns := "app.idxpoint"
	seed(t, db, ns,
		doc("_id", keys.Int(1), "x", keys.Int(7)),
		doc("_id", keys.Int(2), "x", keys.Int(8)),
		doc("_id", keys.Int(3), "x", keys.Int(7)),
	)
	cx := createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})
	index, ok := cx.SimpleIndex("x")
	require.True(t, ok)

	point, err := keys.Int(7).KeyItem()
	require.NoError(t, err)
	got := collect(t, db, NewIndexScanPlan(cx, index, point, point), nil)
	assert.Equal(t, []string{"1", "3"}, idsOf(got))
}

func TestIndexEntriesMaintainedOnUpdate(t *testing.T) {
	db := testDB(t)
	ns := "app.idxupd"
	seed(t, db, ns, doc("_id", keys.Int(1), "x", keys.Int(7)))
	cx := createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})
	index, ok := cx.SimpleIndex("x")
	require.True(t, ok)

	// Move x from 7 to 9 through the plan machinery.
	upd := NewUpdatePlan(
		ConstructFilterPlan(cx, NewTableScanPlan(cx), FieldEq("_id", keys.Int(1))),
		cx, &SetFieldsOp{Fields: map[string]keys.Value{"x": keys.Int(9)}}, nil, 1)
	retried := NewRetryPlan(WithFlushChanges(upd), db)
	_, err := ExecuteUntilCompletion(context.Background(), retried, db.NewTransaction(), 0)
	require.NoError(t, err)

	seven, err := keys.Int(7).KeyItem()
	require.NoError(t, err)
	assert.Empty(t, collect(t, db, NewIndexScanPlan(cx, index, seven, seven), nil))

	nine, err := keys.Int(9).KeyItem()
	require.NoError(t, err)
	got := collect(t, db, NewIndexScanPlan(cx, index, nine, nine), nil)
	require.Len(t, got, 1)
	assert.Equal(t, "9", got[0]["x"].String())
}
