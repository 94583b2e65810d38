package inkwell

import (
	"context"
	"fmt"
	"strings"

	"github.com/inkwell-db/inkwell/keys"
)

// DefaultFlowControlPermits is the root document-finished lock size:
// how many documents may be in flight between the scans and the root
// consumer at once.
const DefaultFlowControlPermits = 100

// KeyRange is a half-open scan-key range [Begin, End).
type KeyRange struct {
	Begin []byte
	End   []byte
}

type scanState struct {
	bounds KeyRange
	split  []byte
}

type intState struct {
	begin   int64
	current int64
}

type operation struct {
	cancel context.CancelFunc
	done   chan struct{}
	out    *DocStream
}

// PlanCheckpoint owns the operator goroutines of one execution attempt
// of a plan, plus the per-scan bounds and split keys that let the next
// attempt resume exactly where this one stopped.
//
// Operators are registered in topological order (producers before
// consumers). Stop cancels them in that order and waits for each to
// exit before cancelling the next, so by the time a consumer observes
// cancellation its producer has already deposited any split bound it
// owes. The last registered operation's output receives
// ErrOperationCancelled so the root consumer sees a typed failure.
//
// The split key computed for each scan is, per the deposit rules in
// this package's operators, strictly greater than the scan key of
// every document delivered to the root and less than or equal to the
// next scan key the scan could produce. A scan nobody deposits for
// has completed: its split keeps the default sentinel 0xFF and a
// restart produces nothing.
type PlanCheckpoint struct {
	scans      []scanState
	scansAdded int
	states     []intState
	stateAdded int
	ops        []*operation
	docLock    *FlowLock
	permits    int64

	// Written only with every operator quiescent (around Stop), read
	// only by operators observing their own cancellation; the context
	// cancel edge orders the accesses.
	boundsWanted bool
}

// NewPlanCheckpoint creates a fresh checkpoint. permits <= 0 selects
// the default flow-control size.
func NewPlanCheckpoint(permits int64) *PlanCheckpoint {
	if permits <= 0 {
		permits = DefaultFlowControlPermits
	}
	return &PlanCheckpoint{docLock: NewFlowLock(permits), permits: permits}
}

// AddScan allocates the next scan ID. Plans must call it in the same
// order on every execution attempt so that bounds carry over.
func (cp *PlanCheckpoint) AddScan() int {
	s := cp.scansAdded
	cp.scansAdded++
	for s >= len(cp.scans) {
		cp.scans = append(cp.scans, scanState{
			bounds: KeyRange{Begin: keys.Min, End: keys.Max},
			split:  keys.Max,
		})
	}
	return s
}

// Bounds returns the scan-key range the given scan must restrict
// itself to on this attempt.
func (cp *PlanCheckpoint) Bounds(scanID int) KeyRange {
	if scanID < 0 || scanID >= len(cp.scans) {
		return KeyRange{Begin: keys.Min, End: keys.Max}
	}
	return cp.scans[scanID].bounds
}

// SetSplitBound deposits a split key for a scan during cancellation.
// Later deposits (from operators further down the pipeline) win, which
// is exactly the "latest operator still holding documents" rule.
func (cp *PlanCheckpoint) SetSplitBound(scanID int, key []byte) {
	if scanID < 0 || scanID >= len(cp.scans) {
		return
	}
	cp.scans[scanID].split = append([]byte(nil), key...)
}

// SplitBoundWanted reports whether the current Stop wants split-bound
// deposits (true only inside StopAndCheckpoint).
func (cp *PlanCheckpoint) SplitBoundWanted() bool { return cp.boundsWanted }

// DocLock is the checkpoint-wide document-finished lock.
func (cp *PlanCheckpoint) DocLock() *FlowLock { return cp.docLock }

// IntState claims the next integer state cell, creating it with the
// given default. The cell's value survives StopAndCheckpoint, so
// counters like "documents still to skip" carry across transactions.
// Must be called during Execute wiring, never from an operator
// goroutine.
func (cp *PlanCheckpoint) IntState(defaultValue int64) *int64 {
	s := cp.stateAdded
	cp.stateAdded++
	if s == len(cp.states) {
		cp.states = append(cp.states, intState{begin: defaultValue})
	}
	cp.states[s].current = cp.states[s].begin
	return &cp.states[s].current
}

// AddOperation registers one operator goroutine and its output stream.
// Call order is the cancellation order.
func (cp *PlanCheckpoint) AddOperation(run func(ctx context.Context), out *DocStream) {
	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{cancel: cancel, done: make(chan struct{}), out: out}
	cp.ops = append(cp.ops, op)
	go func() {
		defer close(op.done)
		run(ctx)
	}()
}

// Stop cancels every registered operator in registration order,
// waiting for each to finish its cancellation work (split deposits
// included) before moving to the next. The terminal output stream is
// failed with ErrOperationCancelled and the operator list is cleared;
// scan bounds and state cells stay, so the same checkpoint can be
// re-executed.
func (cp *PlanCheckpoint) Stop() {
	ops := cp.ops
	cp.ops = nil
	for _, op := range ops {
		op.cancel()
		<-op.done
	}
	if len(ops) > 0 {
		ops[len(ops)-1].out.Fail(ErrOperationCancelled)
	}
	cp.scansAdded = 0
	cp.stateAdded = 0
}

// StopAndCheckpoint stops this checkpoint collecting split bounds and
// returns a fresh checkpoint whose scan bounds begin at the splits and
// whose state cells default to the old cells' final values. Callers
// must not invoke it from inside an operator goroutine.
func (cp *PlanCheckpoint) StopAndCheckpoint() *PlanCheckpoint {
	cp.boundsWanted = true
	cp.Stop()
	cp.boundsWanted = false

	// A fresh lock: credits held by discarded in-flight documents die
	// with this checkpoint.
	rest := NewPlanCheckpoint(cp.permits)
	rest.scans = make([]scanState, len(cp.scans))
	for i, s := range cp.scans {
		rest.scans[i] = scanState{
			bounds: KeyRange{Begin: append([]byte(nil), s.split...), End: s.bounds.End},
			split:  keys.Max,
		}
	}
	rest.states = make([]intState, len(cp.states))
	for i, s := range cp.states {
		rest.states[i] = intState{begin: s.current}
	}
	checkpointSplits.Inc()
	return rest
}

// BoundToStopPoint clamps every scan's end bound to its split key, a
// debugging aid that replays exactly the work this attempt finished.
func (cp *PlanCheckpoint) BoundToStopPoint() {
	for i := range cp.scans {
		cp.scans[i].bounds.End = cp.scans[i].split
	}
}

func (cp *PlanCheckpoint) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scans: %d  states: %d\n", len(cp.scans), len(cp.states))
	for i, s := range cp.scans {
		fmt.Fprintf(&b, "\t scan %d begin: %x\n", i, s.bounds.Begin)
		fmt.Fprintf(&b, "\t scan %d split: %x\n", i, s.split)
		fmt.Fprintf(&b, "\t scan %d end:   %x\n", i, s.bounds.End)
	}
	return b.String()
}
