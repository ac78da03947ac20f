package mr

import (
	"errors"
	"fmt"

	"github.com/golangplus/errors"
)

var (
	// Configuration errors returned by Run before any worker is started.
	ErrNoMapFunc    = errors.New("MapF undefined")
	ErrNoReduceFunc = errors.New("ReduceF undefined")
	ErrNoSources    = errors.New("Sources undefined")
	ErrBadMappers   = errors.New("number of mappers must be positive")
	ErrBadReducers  = errors.New("number of reducers must be positive")

	// ErrEmitOutsideMap is returned by an Emitter used after its MapFunc
	// returned, or outside the map phase.
	ErrEmitOutsideMap = errors.New("emit outside of the map phase")
	// ErrBadPartition is returned by Emit when the PartitionFunc returns an
	// index out of range.
	ErrBadPartition = errors.New("partition index out of range")
	// ErrIteratorExpired is returned by a ValueIterator called after the
	// ReduceFunc it was passed to has returned.
	ErrIteratorExpired = errors.New("value iterator used after reduce returned")
)

// Phase is a stage of a run. Phases are strictly ordered and never overlap.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseMap
	PhaseSort
	PhaseReduce
	PhaseTeardown
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseMap:
		return "map"
	case PhaseSort:
		return "sort"
	case PhaseReduce:
		return "reduce"
	case PhaseTeardown:
		return "teardown"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

type FailureKind int

const (
	// The worker never ran its callback, e.g. the run was cancelled before it
	// was admitted.
	LaunchFailure FailureKind = iota
	// The callback returned an error or panicked.
	CallbackFailure
)

func (k FailureKind) String() string {
	if k == LaunchFailure {
		return "launch"
	}
	return "callback"
}

// Failure records one failed worker, or one failed key of a reduce worker.
type Failure struct {
	Phase Phase
	Kind  FailureKind
	// Index of the source for PhaseMap, of the partition otherwise.
	Index int
	// Source being mapped, PhaseMap only.
	Source string
	// Key being reduced, CallbackFailure in PhaseReduce only.
	Key string
	Err error
}

func (f *Failure) Error() string {
	switch f.Phase {
	case PhaseMap:
		return fmt.Sprintf("%v %v failure on source %d (%q): %v", f.Phase, f.Kind, f.Index, f.Source, f.Err)
	case PhaseReduce:
		if f.Kind == CallbackFailure {
			return fmt.Sprintf("%v %v failure on partition %d, key %q: %v", f.Phase, f.Kind, f.Index, f.Key, f.Err)
		}
	}
	return fmt.Sprintf("%v %v failure on partition %d: %v", f.Phase, f.Kind, f.Index, f.Err)
}

type PartitionStat struct {
	// Number of records stored in the partition.
	Records int
	// Number of distinct keys reduced.
	Keys int
}

// Result is the outcome of a completed run.
type Result struct {
	// Number of successful Emit calls.
	Emitted int64
	// Number of values returned by ValueIterators.
	Delivered int64
	// Number of ReduceFunc invocations.
	Keys       int64
	Partitions []PartitionStat
	// Failures in phase order, collected after each phase barrier.
	Failures []*Failure
}

// OK returns true if the run completed without any failure.
func (r *Result) OK() bool {
	return len(r.Failures) == 0
}

// Err returns nil if the run completed cleanly, otherwise an error wrapping
// the first failure.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	return errorsp.WithStacksAndMessage(r.Failures[0], "completed with %d worker failures", len(r.Failures))
}

func (r *Result) String() string {
	if r.OK() {
		return "completed cleanly"
	}
	return fmt.Sprintf("completed with %d worker failures", len(r.Failures))
}
