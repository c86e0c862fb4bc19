// Package logstream serves concurrent tail subscriptions over a job's
// recorded stdout and stderr.
//
// The record files are the source of truth, not an in-memory buffer: each
// subscription reads from offset zero with its own cursors, polling for
// growth while the job runs. A caller can't tell whether the job is still
// running or long finished; either way chunks arrive until the job is
// terminal and both files are drained, then the subscription ends cleanly.
// Subscriptions never interfere with each other or with the writing
// process.
package logstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardenrun/warden/internal/store"
	"log/slog"
)

const (
	// readBufferSize is the chunk granularity for delivering output.
	// 4KB aligns with typical pipe buffer sizes.
	readBufferSize = 4096

	// defaultPollInterval paces the check for new bytes while a running
	// job is quiet.
	defaultPollInterval = 100 * time.Millisecond
)

// Stream selects which output stream a chunk came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}

	return "stdout"
}

// Chunk is one contiguous run of bytes from a single output stream. Bytes
// are delivered in write order within each stream; interleaving across the
// two streams is not ordered.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Job is the narrow view of a job the stream needs: when it's finished.
type Job interface {
	Done() <-chan struct{}
}

// JobIndex resolves job ids; lookups of ids that never existed fail.
type JobIndex interface {
	Lookup(id uint64) (Job, error)
}

// Manager opens tail subscriptions against the job store.
type Manager struct {
	jobs         JobIndex
	store        *store.Store
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewManager creates a Manager reading from the given store, consulting
// jobs for existence and termination.
func NewManager(jobs JobIndex, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		jobs:         jobs,
		store:        st,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// SetPollInterval overrides how often idle subscriptions re-check for new
// bytes. Only meaningful before the first OpenStream call.
func (m *Manager) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		m.pollInterval = interval
	}
}

// OpenStream starts a new subscription for the given job, positioned at
// offset zero of both output files. The caller owns the subscription and
// must Close it; closing is what releases the file handles, so it must
// happen even when Next has already returned io.EOF.
func (m *Manager) OpenStream(id uint64) (*Subscription, error) {
	job, err := m.jobs.Lookup(id)
	if err != nil {
		return nil, err
	}

	stdout, err := os.Open(m.store.StdoutPath(id))
	if err != nil {
		return nil, fmt.Errorf("open stdout file: %w", err)
	}

	stderr, err := os.Open(m.store.StderrPath(id))
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("open stderr file: %w", err)
	}

	sub := &Subscription{
		subID:        uuid.NewString(),
		jobID:        id,
		job:          job,
		stdout:       stdout,
		stderr:       stderr,
		buf:          make([]byte, readBufferSize),
		pollInterval: m.pollInterval,
		logger:       m.logger,
	}

	m.logger.Debug("log subscription opened", "sub", sub.subID, "id", id)

	return sub, nil
}

// Subscription is one client's tail over a job's output. Not safe for
// concurrent use; each client gets its own.
type Subscription struct {
	subID string
	jobID uint64
	job   Job

	stdout *os.File
	stderr *os.File
	buf    []byte

	pollInterval time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
}

// Next returns the next available chunk, blocking while a running job is
// quiet. It returns io.EOF once the job is terminal and both output files
// are fully drained, or ctx.Err when the caller goes away.
func (s *Subscription) Next(ctx context.Context) (Chunk, error) {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	for {
		// Observe termination before reading: anything written up to the
		// process exit is on disk by the time Done is closed, so one full
		// read pass after that observation cannot miss trailing output.
		finished := false
		select {
		case <-s.job.Done():
			finished = true
		default:
		}

		chunk, err := s.readChunk()
		if err != nil {
			return Chunk{}, err
		}

		if chunk.Data != nil {
			return chunk, nil
		}

		if finished {
			return Chunk{}, io.EOF
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.pollInterval)

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-s.job.Done():
			// Loop for the final drain.
		case <-timer.C:
		}
	}
}

// readChunk attempts one read, stdout first. A nil Data field means both
// files are at EOF right now.
func (s *Subscription) readChunk() (Chunk, error) {
	n, err := s.stdout.Read(s.buf)
	if n > 0 {
		return Chunk{Stream: StreamStdout, Data: bytes.Clone(s.buf[:n])}, nil
	}

	if err != nil && err != io.EOF {
		return Chunk{}, fmt.Errorf("read stdout file: %w", err)
	}

	n, err = s.stderr.Read(s.buf)
	if n > 0 {
		return Chunk{Stream: StreamStderr, Data: bytes.Clone(s.buf[:n])}, nil
	}

	if err != nil && err != io.EOF {
		return Chunk{}, fmt.Errorf("read stderr file: %w", err)
	}

	return Chunk{}, nil
}

// Close releases the subscription's file handles. Safe to call more than
// once and concurrently with Next.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.stdout.Close()
		s.stderr.Close()

		s.logger.Debug("log subscription closed", "sub", s.subID, "id", s.jobID)
	})

	return nil
}
