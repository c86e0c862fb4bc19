// Package store is the durable on-disk representation of jobs. Each job gets
// one directory holding its pid, its current state, and two append-only
// output files.
//
// The layout is deliberately plain so it stays debuggable without any warden
// tooling: the state is a single text token readable with cat, and stdout and
// stderr can be followed with any tailing tool.
//
//	<root>/jobs/<id>/pid
//	<root>/jobs/<id>/state
//	<root>/jobs/<id>/stdout
//	<root>/jobs/<id>/stderr
//
// Records are never deleted automatically; retention is an operator concern.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrRecordNotFound is returned when no record exists for a job id.
var ErrRecordNotFound = errors.New("job record not found")

const (
	pidFile    = "pid"
	stateFile  = "state"
	stdoutFile = "stdout"
	stderrFile = "stderr"
)

// Store manages job records under a single root directory.
type Store struct {
	jobsDir string
}

// New creates a Store rooted at root, creating the jobs directory if needed.
func New(root string) (*Store, error) {
	jobsDir := filepath.Join(root, "jobs")

	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("make jobs dir: %w", err)
	}

	return &Store{jobsDir: jobsDir}, nil
}

// Create makes the record directory for a job and opens its output files for
// appending. The pid and state files are not written here: they only appear
// once the job's process genuinely exists.
func (s *Store) Create(id uint64) (*Record, error) {
	dir := s.recordDir(id)

	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("record dir for job %d already exists", id)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("make record dir: %w", err)
	}

	stdout, err := os.OpenFile(
		filepath.Join(dir, stdoutFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("open stdout file: %w", err)
	}

	stderr, err := os.OpenFile(
		filepath.Join(dir, stderrFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		stdout.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("open stderr file: %w", err)
	}

	return &Record{id: id, dir: dir, stdout: stdout, stderr: stderr}, nil
}

// Exists reports whether a record directory exists for the given job id.
func (s *Store) Exists(id uint64) bool {
	_, err := os.Stat(s.recordDir(id))
	return err == nil
}

// List returns the ids of all recorded jobs in ascending order.
func (s *Store) List() ([]uint64, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	var ids []uint64

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			// Not a record dir; leave it alone.
			continue
		}

		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

// ReadState returns the persisted state token for a job.
func (s *Store) ReadState(id uint64) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.recordDir(id), stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrRecordNotFound
		}

		return "", fmt.Errorf("read state file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// ReadPid returns the persisted pid for a job.
func (s *Store) ReadPid(id uint64) (int, error) {
	data, err := os.ReadFile(filepath.Join(s.recordDir(id), pidFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrRecordNotFound
		}

		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}

	return pid, nil
}

// StdoutPath returns the path of a job's stdout file.
func (s *Store) StdoutPath(id uint64) string {
	return filepath.Join(s.recordDir(id), stdoutFile)
}

// StderrPath returns the path of a job's stderr file.
func (s *Store) StderrPath(id uint64) string {
	return filepath.Join(s.recordDir(id), stderrFile)
}

// Open returns the Record for an existing job dir, with no output writers.
// Used for inspecting records left by a previous server run.
func (s *Store) Open(id uint64) (*Record, error) {
	dir := s.recordDir(id)

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}

		return nil, fmt.Errorf("stat record dir: %w", err)
	}

	return &Record{id: id, dir: dir}, nil
}

func (s *Store) recordDir(id uint64) string {
	return filepath.Join(s.jobsDir, strconv.FormatUint(id, 10))
}

// Record is one job's on-disk container. The stdout and stderr files are
// written by the job's own process through inherited file descriptors, never
// by the server; pid and state are written by the supervisor.
type Record struct {
	id  uint64
	dir string

	stdout *os.File
	stderr *os.File
}

func (r *Record) ID() uint64 {
	return r.id
}

func (r *Record) Dir() string {
	return r.dir
}

// Stdout returns the parent's write handle to the stdout file, for wiring
// into the child process. Nil on records opened with Open.
func (r *Record) Stdout() *os.File {
	return r.stdout
}

// Stderr returns the parent's write handle to the stderr file.
func (r *Record) Stderr() *os.File {
	return r.stderr
}

// WritePid persists the job's pid. Called exactly once, after the process
// exists.
func (r *Record) WritePid(pid int) error {
	if err := os.WriteFile(
		filepath.Join(r.dir, pidFile),
		[]byte(strconv.Itoa(pid)+"\n"),
		0o644,
	); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	return nil
}

// WriteState persists the job's state token atomically (write-then-rename),
// so an external reader never observes a partially written state.
func (r *Record) WriteState(state string) error {
	tmp := filepath.Join(r.dir, stateFile+".tmp")

	if err := os.WriteFile(tmp, []byte(state+"\n"), 0o644); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(r.dir, stateFile)); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// CloseOutputs closes the parent's write handles. The child keeps its own
// descriptors, so this doesn't affect a running job's output capture.
func (r *Record) CloseOutputs() error {
	var errs []error

	if r.stdout != nil {
		if err := r.stdout.Close(); err != nil {
			errs = append(errs, err)
		}

		r.stdout = nil
	}

	if r.stderr != nil {
		if err := r.stderr.Close(); err != nil {
			errs = append(errs, err)
		}

		r.stderr = nil
	}

	return errors.Join(errs...)
}

// Remove deletes the record directory. Only used to unwind a failed launch;
// successful jobs are never removed automatically.
func (r *Record) Remove() error {
	r.CloseOutputs()

	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("remove record dir: %w", err)
	}

	return nil
}
