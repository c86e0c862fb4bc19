package api

// JobState mirrors the supervisor's externally visible job states.
type JobState int32

const (
	JobState_JOB_STATE_UNSPECIFIED JobState = iota
	JobState_JOB_STATE_RUNNING
	JobState_JOB_STATE_COMPLETED
	JobState_JOB_STATE_FAILED
)

var jobStateNames = []string{
	"JOB_STATE_UNSPECIFIED",
	"JOB_STATE_RUNNING",
	"JOB_STATE_COMPLETED",
	"JOB_STATE_FAILED",
}

// String implements the Stringer interface for JobState.
func (s JobState) String() string {
	if int(s) < 0 || int(s) >= len(jobStateNames) {
		return jobStateNames[0]
	}

	return jobStateNames[s]
}

// StartJobRequest asks the server to launch a new job. Limits of zero mean
// "no limit" for that resource.
type StartJobRequest struct {
	Program string   `cbor:"program"`
	Args    []string `cbor:"args,omitempty"`
	Env     []string `cbor:"env,omitempty"`

	CPUMaxPercent  int64 `cbor:"cpu_max_percent,omitempty"`
	MemoryMaxBytes int64 `cbor:"memory_max_bytes,omitempty"`
	IOMaxBPS       int64 `cbor:"io_max_bps,omitempty"`

	// Network requests a veth/bridge network setup inside the job's network
	// namespace. Without it the job only gets a loopback interface.
	Network bool `cbor:"network,omitempty"`
}

type StartJobResponse struct {
	Id uint64 `cbor:"id"`
}

type StopJobRequest struct {
	Id uint64 `cbor:"id"`
}

type StopJobResponse struct {
	Id uint64 `cbor:"id"`
}

type QueryJobRequest struct {
	Id uint64 `cbor:"id"`
}

type QueryJobResponse struct {
	Id    uint64   `cbor:"id"`
	State JobState `cbor:"state"`

	// ExitCode is -1 until the job reaches a terminal state, or when the
	// process was killed by a signal (in which case Signal is set).
	ExitCode int32  `cbor:"exit_code"`
	Signal   string `cbor:"signal,omitempty"`
	Message  string `cbor:"message,omitempty"`
}

type StreamJobLogsRequest struct {
	Id uint64 `cbor:"id"`
}

// LogChunk carries one chunk of job output. Exactly one of Stdout or Stderr
// is populated per chunk; ordering is preserved within each stream.
type LogChunk struct {
	Id     uint64 `cbor:"id"`
	Stdout []byte `cbor:"stdout,omitempty"`
	Stderr []byte `cbor:"stderr,omitempty"`
}
