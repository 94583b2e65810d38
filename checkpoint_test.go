package inkwell

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-db/inkwell/keys"
)

func TestCheckpointScanAllocation(t *testing.T) {
	cp := NewPlanCheckpoint(0)
	assert.Equal(t, 0, cp.AddScan())
	assert.Equal(t, 1, cp.AddScan())
	b := cp.Bounds(0)
	assert.Equal(t, keys.Min, b.Begin)
	assert.Equal(t, keys.Max, b.End)
	// Out-of-range scan IDs get the default range.
	assert.Equal(t, keys.Max, cp.Bounds(7).End)
}

func TestCheckpointIntStateCarriesOver(t *testing.T) {
	cp := NewPlanCheckpoint(0)
	cell := cp.IntState(10)
	assert.Equal(t, int64(10), *cell)
	*cell = 4

	next := cp.StopAndCheckpoint()
	cell2 := next.IntState(10)
	assert.Equal(t, int64(4), *cell2)

	// Re-claiming on the same checkpoint resets to the cell default.
	next.stateAdded = 0
	assert.Equal(t, int64(4), *next.IntState(10))
}

func TestStopFailsTerminalOutput(t *testing.T) {
	cp := NewPlanCheckpoint(0)
	out := NewDocStream()
	cp.AddOperation(func(ctx context.Context) {
		<-ctx.Done()
	}, out)
	cp.Stop()
	_, err := out.Next(context.Background())
	assert.ErrorIs(t, err, ErrOperationCancelled)
}

// S6: cancel a table scan after 137 delivered documents; the next
// checkpoint resumes exactly after document 137 and the restart
// delivers the rest exactly once.
func TestCancellationSplit(t *testing.T) {
	db := testDB(t)
	const total = 1000
	docs := make([]map[string]keys.Value, total)
	for i := range docs {
		docs[i] = doc("_id", keys.Int(int64(i)), "n", keys.Int(int64(i)))
	}
	cx := seed(t, db, "app.split", docs...)

	plan := NewTableScanPlan(cx)
	cp := db.NewCheckpoint()
	tx := db.NewTransaction()
	stream := plan.Execute(cp, tx)
	ctx := context.Background()

	var scanKeys [][]byte
	for i := 0; i < 137; i++ {
		d, err := stream.Next(ctx)
		require.NoError(t, err)
		scanKeys = append(scanKeys, d.ScanKey())
		cp.DocLock().Release(1)
	}

	next := cp.StopAndCheckpoint()
	_, err := stream.Next(ctx)
	require.ErrorIs(t, err, ErrOperationCancelled)

	want := keys.Increment(keys.FirstItem(scanKeys[136]))
	assert.Equal(t, want, next.Bounds(0).Begin)

	// Re-run from the split on a fresh transaction.
	stream2 := plan.Execute(next, db.NewTransaction())
	seen := make(map[string]bool)
	count := 0
	for {
		d, err := stream2.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrEndOfStream)
			break
		}
		m, err := d.Doc.Materialize()
		require.NoError(t, err)
		id := m["_id"].String()
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
		count++
		next.DocLock().Release(1)
	}
	next.Stop()
	assert.Equal(t, total-137, count)
}

// Property 1 on a filtered scan: for any stop point, the segments
// together deliver the run-to-completion multiset exactly once.
func TestNoLossNoDuplicateAcrossRecheckpoints(t *testing.T) {
	db := testDB(t)
	const total = 60
	docs := make([]map[string]keys.Value, total)
	for i := range docs {
		docs[i] = doc("_id", keys.Int(int64(i)), "x", keys.Int(int64(i%3)))
	}
	cx := seed(t, db, "app.resume", docs...)

	build := func() Plan {
		return ConstructFilterPlan(cx, NewTableScanPlan(cx),
			Not(FieldEq("x", keys.Int(1))))
	}

	full := collect(t, db, build(), nil)

	for _, stopAfter := range []int{0, 1, 7, 20} {
		cp := db.NewCheckpoint()
		stream := build().Execute(cp, db.NewTransaction())
		ctx := context.Background()
		var got []string
		for i := 0; i < stopAfter; i++ {
			d, err := stream.Next(ctx)
			require.NoError(t, err)
			m, err := d.Doc.Materialize()
			require.NoError(t, err)
			got = append(got, m["_id"].String())
			cp.DocLock().Release(1)
		}
		next := cp.StopAndCheckpoint()

		stream2 := build().Execute(next, db.NewTransaction())
		for {
			d, err := stream2.Next(ctx)
			if err != nil {
				require.ErrorIs(t, err, ErrEndOfStream)
				break
			}
			m, err := d.Doc.Materialize()
			require.NoError(t, err)
			got = append(got, m["_id"].String())
			next.DocLock().Release(1)
		}
		next.Stop()

		assert.Equal(t, idsOf(full), got, fmt.Sprintf("stop after %d", stopAfter))
	}
}
