package supervisor

import "sync/atomic"

type JobState int

const (
	// JobStateUnknown is the zero value for functions that return a
	// (possibly absent) JobState.
	JobStateUnknown JobState = iota

	// JobStateRunning indicates the target command has been execed inside
	// its namespaces. There is no externally visible "starting" state: a
	// job either reaches Running synchronously or was never created.
	JobStateRunning

	// JobStateCompleted indicates the process exited with code zero.
	JobStateCompleted

	// JobStateFailed indicates the process exited non-zero, was killed by a
	// signal, or its exit could not be observed.
	JobStateFailed
)

// NOTE: This slice needs to be kept in sync with any changes to the JobState
// values. The strings double as the persisted state tokens in job records,
// so changing them changes the on-disk format.
var jobStates = []string{
	"Unknown",
	"Running",
	"Completed",
	"Failed",
}

// String implements the Stringer interface for JobState.
func (s JobState) String() string {
	if int(s) < 0 || int(s) >= len(jobStates) {
		return jobStates[0]
	}

	return jobStates[s]
}

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// AtomicJobState wraps an atomic.Int32 to provide atomic operations on a
// JobState. CompareAndSwap is what makes the terminal transition
// single-writer without a lock.
type AtomicJobState struct {
	v atomic.Int32
}

// Load atomically loads the JobState value.
func (a *AtomicJobState) Load() JobState {
	return JobState(a.v.Load())
}

// Store atomically stores the JobState value.
func (a *AtomicJobState) Store(s JobState) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old
// and new JobState.
func (a *AtomicJobState) CompareAndSwap(o, n JobState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
