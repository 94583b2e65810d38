package inkwell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-db/inkwell/keys"
)

func TestIndexInsertDuplicateKeySpecSucceedsQuietly(t *testing.T) {
	db := testDB(t)
	ns := "app.ixdup"
	seed(t, db, ns, doc("_id", keys.Int(1), "x", keys.Int(1)))
	createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})

	// Same key spec, different name: reported as success, nothing
	// inserted.
	again := NewRetryPlan(&IndexInsertPlan{
		Mm: db.Metadata(), Ns: ns, Name: "other_name",
		KeySpec: []IndexKey{{Field: "x", Direction: 1}},
		Status:  IndexStatusBuilding,
	}, db)
	n, err := ExecuteUntilCompletion(context.Background(), again, db.NewTransaction(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	cx, err := db.Metadata().GetUnboundCollectionContext(context.Background(), db.NewTransaction(), ns)
	require.NoError(t, err)
	assert.Len(t, cx.KnownIndexes(), 1)
}

func TestIndexInsertNameTaken(t *testing.T) {
	db := testDB(t)
	ns := "app.ixname"
	seed(t, db, ns, doc("_id", keys.Int(1), "x", keys.Int(1), "y", keys.Int(2)))
	createReadyIndex(t, db, ns, "myindex", IndexKey{Field: "x", Direction: 1})

	clash := NewRetryPlan(&IndexInsertPlan{
		Mm: db.Metadata(), Ns: ns, Name: "myindex",
		KeySpec: []IndexKey{{Field: "y", Direction: 1}},
		Status:  IndexStatusBuilding,
	}, db)
	_, err := ExecuteUntilCompletion(context.Background(), clash, db.NewTransaction(), 0)
	assert.ErrorIs(t, err, ErrIndexNameTaken)
}

func TestUpdateIndexStatusWrongBuildID(t *testing.T) {
	db := testDB(t)
	ns := "app.ixbuild"
	seed(t, db, ns, doc("_id", keys.Int(1), "x", keys.Int(1)))

	create := NewRetryPlan(&IndexInsertPlan{
		Mm: db.Metadata(), Ns: ns, Name: "x_1",
		KeySpec: []IndexKey{{Field: "x", Direction: 1}},
		Status:  IndexStatusBuilding, BuildID: "genuine",
	}, db)
	_, err := ExecuteUntilCompletion(context.Background(), create, db.NewTransaction(), 0)
	require.NoError(t, err)

	flip := NewRetryPlan(&UpdateIndexStatusPlan{
		Mm: db.Metadata(), Ns: ns, IndexName: "x_1",
		NewStatus: IndexStatusReady, BuildID: "imposter",
	}, db)
	_, err = ExecuteUntilCompletion(context.Background(), flip, db.NewTransaction(), 0)
	assert.ErrorIs(t, err, ErrIndexWrongBuildID)
}

func TestUpdateIndexStatusClearsBuildFields(t *testing.T) {
	db := testDB(t)
	ns := "app.ixflip"
	seed(t, db, ns, doc("_id", keys.Int(1), "x", keys.Int(1)))
	createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})

	cx, err := db.Metadata().GetUnboundCollectionContext(context.Background(), db.NewTransaction(), ns)
	require.NoError(t, err)
	var ix IndexInfo
	for _, k := range cx.KnownIndexes() {
		if k.Name == "x_1" {
			ix = k
		}
	}
	assert.Equal(t, IndexStatusReady, ix.Status)
	assert.Empty(t, ix.BuildID)
}

func TestBuildIndexBackfillsExistingDocuments(t *testing.T) {
	db := testDB(t)
	ns := "app.ixback"
	seed(t, db, ns,
		doc("_id", keys.Int(1), "x", keys.Int(5)),
		doc("_id", keys.Int(2), "x", keys.Int(6)),
		doc("_id", keys.Int(3)), // no x
	)
	cx := createReadyIndex(t, db, ns, "x_1", IndexKey{Field: "x", Direction: 1})
	index, ok := cx.SimpleIndex("x")
	require.True(t, ok)

	lo, err := keys.Int(0).KeyItem()
	require.NoError(t, err)
	hi, err := keys.Int(100).KeyItem()
	require.NoError(t, err)
	got := collect(t, db, NewIndexScanPlan(cx, index, lo, hi), nil)
	assert.Equal(t, []string{"1", "2"}, idsOf(got))
}

func TestMetadataVersionBumpInvalidatesCache(t *testing.T) {
	db := testDB(t)
	ns := "app.meta"
	seed(t, db, ns, doc("_id", keys.Int(1)))
	ctx := context.Background()

	cx1, err := db.Metadata().GetUnboundCollectionContext(ctx, db.NewTransaction(), ns)
	require.NoError(t, err)

	tx := db.NewTransaction()
	require.NoError(t, cx1.Bind(tx).BumpMetadataVersion())
	require.NoError(t, tx.Commit(ctx))

	cx2, err := db.Metadata().GetUnboundCollectionContext(ctx, db.NewTransaction(), ns)
	require.NoError(t, err)
	assert.NotSame(t, cx1, cx2)

	v, err := cx2.Bind(db.NewTransaction()).MetadataVersion()
	require.NoError(t, err)
	assert.Positive(t, v)
}

func TestDirectoriesAreStablePerNamespace(t *testing.T) {
	db := testDB(t)
	seed(t, db, "app.dirs", doc("_id", keys.Int(1)))
	ctx := context.Background()

	cx1, err := db.Metadata().GetUnboundCollectionContext(ctx, db.NewTransaction(), "app.dirs")
	require.NoError(t, err)
	cx2, err := db.Metadata().RefreshUnboundCollectionContext(ctx, cx1, db.NewTransaction())
	require.NoError(t, err)
	assert.Equal(t, cx1.CollectionDirectory(), cx2.CollectionDirectory())
	assert.Equal(t, cx1.MetadataDirectory(), cx2.MetadataDirectory())

	other, err := db.Metadata().GetUnboundCollectionContext(ctx, db.NewTransaction(), "app.other")
	require.NoError(t, err)
	assert.NotEqual(t, cx1.CollectionDirectory(), other.CollectionDirectory())
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	db := testDB(t)
	tx := db.NewTransaction()
	tx.Set([]byte("k1"), []byte("v1"))
	v, ok, err := tx.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	tx.Delete([]byte("k1"))
	_, ok, err = tx.Get([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Uncommitted writes are invisible to other transactions.
	tx.Set([]byte("k2"), []byte("v2"))
	other := db.NewTransaction()
	_, ok, err = other.Get([]byte("k2"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Commit(context.Background()))
	after := db.NewTransaction()
	v, ok, err = after.Get([]byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}
