package inkwell

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-db/inkwell/keys"
)

func TestCursorRegistryLifecycle(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.cur",
		doc("_id", keys.Int(1)), doc("_id", keys.Int(2)), doc("_id", keys.Int(3)),
	)

	reg := NewCursorRegistry(time.Hour)
	cp := db.NewCheckpoint()
	stream := NewTableScanPlan(cx).Execute(cp, db.NewTransaction())
	cur := reg.Add(&Cursor{ID: 7, Checkpoint: cp, Stream: stream})

	got, ok := reg.Get(7)
	require.True(t, ok)
	d, err := got.Stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, d.ScanID())
	cp.DocLock().Release(1)

	reg.Pluck(cur)
	_, ok = reg.Get(7)
	assert.False(t, ok)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrOperationCancelled)
}

func TestCursorRegistryPrunesExpired(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.cur2", doc("_id", keys.Int(1)))

	reg := NewCursorRegistry(time.Nanosecond)
	cp := db.NewCheckpoint()
	stream := NewTableScanPlan(cx).Execute(cp, db.NewTransaction())
	reg.Add(&Cursor{ID: 1, Checkpoint: cp, Stream: stream})

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, reg.Prune())
	assert.Zero(t, reg.Prune())
}

func TestCollectorsRegister(t *testing.T) {
	db := testDB(t)
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		// Package-level collectors may already carry counts from
		// other tests; registration itself must be clean.
		require.NoError(t, reg.Register(c))
	}
	require.NoError(t, reg.Register(NewStoreCollector(db)))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestDumpCollection(t *testing.T) {
	db := testDB(t)
	cx := seed(t, db, "app.dump", doc("_id", keys.String("a"), "v", keys.Int(1)))
	var buf bytes.Buffer
	db.DumpCollection(&buf, cx)
	out := buf.String()
	assert.Contains(t, out, `"a"`)
	assert.Contains(t, out, "v:")
}
