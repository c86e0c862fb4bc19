package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wardenrun/warden/internal/identity"
	"github.com/wardenrun/warden/internal/store"
	"github.com/wardenrun/warden/internal/supervisor/cgroups"
	"github.com/wardenrun/warden/internal/wrapper"
)

// StartSpec is a request to launch one job.
type StartSpec struct {
	Program string
	Args    []string
	Env     []string
	Limits  cgroups.ResourceLimits

	// Network requests veth/bridge networking; requires the supervisor to
	// have been configured with a network.
	Network bool
}

// Options configures a Supervisor. Zero values get sensible defaults.
type Options struct {
	// CgroupRoot is the cgroup v2 hierarchy jobs are created under.
	// Defaults to /sys/fs/cgroup.
	CgroupRoot string

	// BaseRootfs is the host directory jobs pivot into a read-only view of.
	// Defaults to /.
	BaseRootfs string

	// Network is the bridge/subnet jobs with network isolation attach to.
	// Nil means Start requests with Network set fail.
	Network *wrapper.NetworkConfig

	// LaunchTimeout bounds how long a Start call waits for launch
	// confirmation.
	LaunchTimeout time.Duration

	// Launcher substitutes the process launcher; tests use this to run jobs
	// without namespaces or root. Nil means the real wrapper shim.
	Launcher Launcher
}

// Supervisor owns the in-memory job registry. The registry mutex is only
// ever held for map access, never across a launch or any other blocking
// operation; everything per-job is serialized on the Job itself.
type Supervisor struct {
	// NOTE: The jobs map grows for the lifetime of the server with no
	// eviction: terminal jobs stay queryable until restart, and their
	// on-disk records survive even that. If job counts ever get large
	// enough to matter here, an explicit retention operation is the place
	// to solve it, not this map.
	jobs map[uint64]*Job
	mu   sync.Mutex

	nextID atomic.Uint64

	store         *store.Store
	launcher      Launcher
	cgroupRoot    string
	baseRootfs    string
	network       *wrapper.NetworkConfig
	launchTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Supervisor over the given store. It validates the cgroup
// root, reconciles any records orphaned by a previous server run, and
// resumes id allocation above every recorded id so ids are never reused.
func New(st *store.Store, logger *slog.Logger, opts Options) (*Supervisor, error) {
	if opts.CgroupRoot == "" {
		opts.CgroupRoot = "/sys/fs/cgroup"
	}

	if opts.BaseRootfs == "" {
		opts.BaseRootfs = "/"
	}

	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = wrapper.DefaultLaunchTimeout
	}

	if opts.Launcher == nil {
		opts.Launcher = shimLauncher{logger: logger}
	}

	if err := cgroups.ValidateRoot(opts.CgroupRoot); err != nil {
		return nil, err
	}

	s := &Supervisor{
		jobs:          make(map[uint64]*Job),
		store:         st,
		launcher:      opts.Launcher,
		cgroupRoot:    opts.CgroupRoot,
		baseRootfs:    opts.BaseRootfs,
		network:       opts.Network,
		launchTimeout: opts.LaunchTimeout,
		logger:        logger,
	}

	if err := s.reconcileOrphans(); err != nil {
		return nil, err
	}

	return s, nil
}

// Start launches a new job and blocks until the wrapper confirms the target
// command has been execed, or until a setup step fails. On success the job
// is Running with a valid pid and its id is returned. On failure no job
// exists: every resource created along the way (cgroup, record, process,
// veth) has been torn down, and the consumed id is never surfaced.
func (s *Supervisor) Start(
	spec StartSpec,
	owner identity.Principal,
) (uint64, error) {
	if spec.Program == "" {
		return 0, errors.New("program cannot be empty")
	}

	if spec.Network && s.network == nil {
		return 0, &wrapper.LaunchError{
			Step: wrapper.StepNetwork,
			Err:  errors.New("server has no job network configured"),
		}
	}

	id := s.nextID.Add(1)

	var td wrapper.Teardown
	defer td.Run(s.logger)

	cg, err := cgroups.Create(
		s.cgroupRoot,
		fmt.Sprintf("warden-job-%d", id),
		&spec.Limits,
	)
	if err != nil {
		return 0, &wrapper.LaunchError{Step: wrapper.StepCgroup, Err: err}
	}

	td.Add("destroy cgroup", cg.Destroy)

	rec, err := s.store.Create(id)
	if err != nil {
		return 0, &wrapper.LaunchError{Step: wrapper.StepRecord, Err: err}
	}

	td.Add("remove record", rec.Remove)

	var network *wrapper.NetworkConfig
	if spec.Network {
		network = s.network
	}

	proc, err := s.launcher.Launch(wrapper.LaunchSpec{
		JobID:      id,
		Program:    spec.Program,
		Args:       spec.Args,
		Env:        spec.Env,
		BaseRootfs: s.baseRootfs,
		RootfsDir:  filepath.Join(rec.Dir(), "rootfs"),
		Stdout:     rec.Stdout(),
		Stderr:     rec.Stderr(),
		CgroupFD:   cg.FD(),
		Network:    network,
		Timeout:    s.launchTimeout,
	})
	if err != nil {
		return 0, err
	}

	td.Add("kill job process", func() error {
		proc.SignalGroup(syscall.SIGKILL)
		go proc.Wait()
		return nil
	})

	// The process genuinely exists from here: the record may carry its pid.
	if err := rec.WritePid(proc.Pid()); err != nil {
		return 0, &wrapper.LaunchError{Step: wrapper.StepRecord, Err: err}
	}

	if err := rec.WriteState(JobStateRunning.String()); err != nil {
		return 0, &wrapper.LaunchError{Step: wrapper.StepRecord, Err: err}
	}

	job := &Job{
		id:     id,
		owner:  owner,
		pid:    proc.Pid(),
		proc:   proc,
		rec:    rec,
		cgroup: cg,
		done:   make(chan struct{}),
		logger: s.logger,
	}

	job.state.Store(JobStateRunning)

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	td.Disarm()

	go job.reap()

	s.logger.Info(
		"job started",
		"id", id,
		"owner", owner,
		"program", spec.Program,
		"pid", job.pid,
	)

	return id, nil
}

// Stop signals the job's process group and returns without waiting for the
// exit; the reaper performs the terminal transition when the exit is
// observed. The caller must own the job, and the job must be Running.
func (s *Supervisor) Stop(id uint64, owner identity.Principal) error {
	job, err := s.Lookup(id)
	if err != nil {
		return err
	}

	if job.Owner() != owner {
		return ErrPermissionDenied
	}

	return job.stop()
}

// Status returns the status of the job with the given id or ErrJobNotFound
// if it never existed.
func (s *Supervisor) Status(id uint64) (JobStatus, error) {
	job, err := s.Lookup(id)
	if err != nil {
		return JobStatus{}, err
	}

	return job.Status(), nil
}

// Lookup returns the Job with the given id or ErrJobNotFound.
func (s *Supervisor) Lookup(id uint64) (*Job, error) {
	s.mu.Lock()
	job, exists := s.jobs[id]
	s.mu.Unlock()

	if !exists {
		return nil, ErrJobNotFound
	}

	return job, nil
}

// Shutdown makes a best-effort attempt to stop every running job and waits
// for their reapers to finalize the records.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup

	for _, job := range jobs {
		if job.State() != JobStateRunning {
			continue
		}

		wg.Go(func() {
			if err := job.stop(); err != nil {
				// The job may have finished on its own in the meantime;
				// either way the reaper owns the final word.
				s.logger.Debug("shutdown stop", "id", job.ID(), "err", err)
			}

			<-job.Done()
		})
	}

	wg.Wait()
}

// reconcileOrphans finalizes records left Running by a previous server run.
// Orphaned processes are not re-adopted: if the recorded pid is still alive
// its group is killed, and the record is marked Failed with a diagnostic.
// Id allocation resumes above the highest recorded id.
func (s *Supervisor) reconcileOrphans() error {
	ids, err := s.store.List()
	if err != nil {
		return fmt.Errorf("list job records: %w", err)
	}

	for _, id := range ids {
		if id > s.nextID.Load() {
			s.nextID.Store(id)
		}

		state, err := s.store.ReadState(id)
		if err != nil {
			s.logger.Warn("read orphan state", "id", id, "err", err)
			continue
		}

		if state != JobStateRunning.String() {
			continue
		}

		if pid, err := s.store.ReadPid(id); err == nil {
			if unix.Kill(pid, 0) == nil {
				s.logger.Warn("killing orphaned job process", "id", id, "pid", pid)
				unix.Kill(-pid, unix.SIGKILL)
			}
		}

		rec, err := s.store.Open(id)
		if err != nil {
			s.logger.Warn("open orphan record", "id", id, "err", err)
			continue
		}

		if err := rec.WriteState(JobStateFailed.String()); err != nil {
			s.logger.Warn("finalize orphan record", "id", id, "err", err)
			continue
		}

		s.logger.Info("finalized orphaned job record", "id", id)
	}

	return nil
}
