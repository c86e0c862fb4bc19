package supervisor

import (
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/wardenrun/warden/internal/identity"
	"github.com/wardenrun/warden/internal/store"
	"github.com/wardenrun/warden/internal/supervisor/cgroups"
	"github.com/wardenrun/warden/internal/wrapper"
	"log/slog"
)

// Job is one tracked invocation of a command with its own isolation and
// limits. The state and pid of a single Job are serialized: pid is set once
// at launch and never changes, the terminal state is written only by the
// reaper, and stops are serialized by a per-job mutex so unrelated jobs
// never contend.
type Job struct {
	id    uint64
	owner identity.Principal
	pid   int

	state    AtomicJobState
	exitInfo atomic.Pointer[wrapper.ExitInfo]
	stopped  atomic.Bool

	proc   Process
	rec    *store.Record
	cgroup *cgroups.Cgroup

	done   chan struct{}
	logger *slog.Logger

	stopMu sync.Mutex
}

// JobStatus is a point-in-time view of a Job. ExitCode and Signal are only
// meaningful in a terminal state.
type JobStatus struct {
	State    JobState
	ExitCode int
	Signal   string
	Message  string
}

// ID returns the ID of the Job.
func (j *Job) ID() uint64 {
	return j.id
}

// Owner returns the principal the Job was started by.
func (j *Job) Owner() identity.Principal {
	return j.owner
}

// Pid returns the host-namespace pid of the Job's wrapper process.
func (j *Job) Pid() int {
	return j.pid
}

// State returns the current state of the Job.
func (j *Job) State() JobState {
	return j.state.Load()
}

// Done returns a channel that is closed once the Job has reached a terminal
// state and its record has been finalized.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status returns the status of the Job.
func (j *Job) Status() JobStatus {
	status := JobStatus{
		State:    j.state.Load(),
		ExitCode: -1,
	}

	if info := j.exitInfo.Load(); info != nil {
		status.ExitCode = info.ExitCode
		status.Signal = info.Signal
		status.Message = info.Message
	}

	return status
}

// stop signals the Job's whole process group so namespaced descendants die
// with the wrapper's child. It does not wait for the exit and does not write
// the terminal state; the reaper observes the exit as it would any other.
func (j *Job) stop() error {
	j.stopMu.Lock()
	defer j.stopMu.Unlock()

	if state := j.state.Load(); state != JobStateRunning {
		return NewInvalidStateError("stop", state)
	}

	j.stopped.Store(true)

	return j.proc.SignalGroup(syscall.SIGKILL)
}

// reap blocks until the Job's process exits and performs the single
// terminal transition: Completed on exit code zero, Failed otherwise. It is
// the only writer of terminal state and of the record's final state token.
func (j *Job) reap() {
	info := j.proc.Wait()

	final := JobStateFailed
	if info.ExitCode == 0 && info.Signal == "" && info.Message == "" {
		final = JobStateCompleted
	}

	j.exitInfo.Store(&info)

	if j.state.CompareAndSwap(JobStateRunning, final) {
		if err := j.rec.WriteState(final.String()); err != nil {
			j.logger.Error("persist terminal state", "id", j.id, "err", err)
		}
	}

	if err := j.rec.CloseOutputs(); err != nil {
		j.logger.Warn("close record outputs", "id", j.id, "err", err)
	}

	if j.cgroup != nil {
		if err := j.cgroup.Destroy(); err != nil {
			j.logger.Warn("destroy cgroup", "id", j.id, "err", err)
		}
	}

	close(j.done)

	j.logger.Info(
		"job finished",
		"id", j.id,
		"state", final,
		"exit_code", info.ExitCode,
		"signal", info.Signal,
	)
}
