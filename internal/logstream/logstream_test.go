package logstream_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wardenrun/warden/internal/logstream"
	"github.com/wardenrun/warden/internal/store"
	"log/slog"
)

type fakeJob struct {
	done chan struct{}
}

func (j *fakeJob) Done() <-chan struct{} {
	return j.done
}

type fakeIndex struct {
	jobs map[uint64]*fakeJob
}

var errUnknownJob = errors.New("job not found")

func (i *fakeIndex) Lookup(id uint64) (logstream.Job, error) {
	job, exists := i.jobs[id]
	if !exists {
		return nil, errUnknownJob
	}

	return job, nil
}

type fixture struct {
	manager *logstream.Manager
	store   *store.Store
	rec     *store.Record
	job     *fakeJob
}

func newFixture(t *testing.T, id uint64) *fixture {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	rec, err := st.Create(id)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	job := &fakeJob{done: make(chan struct{})}

	index := &fakeIndex{jobs: map[uint64]*fakeJob{id: job}}

	return &fixture{
		manager: logstream.NewManager(index, st, slog.New(slog.DiscardHandler)),
		store:   st,
		rec:     rec,
		job:     job,
	}
}

// drain collects chunks until io.EOF, split per stream.
func drain(
	t *testing.T,
	sub *logstream.Subscription,
) (stdout, stderr []byte) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		chunk, err := sub.Next(ctx)
		if err == io.EOF {
			return stdout, stderr
		}

		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		switch chunk.Stream {
		case logstream.StreamStdout:
			stdout = append(stdout, chunk.Data...)
		case logstream.StreamStderr:
			stderr = append(stderr, chunk.Data...)
		}
	}
}

func TestStreamFinishedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	f.rec.Stdout().WriteString("hello stdout\n")
	f.rec.Stderr().WriteString("hello stderr\n")
	f.rec.CloseOutputs()

	close(f.job.done)

	sub, err := f.manager.OpenStream(1)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer sub.Close()

	stdout, stderr := drain(t, sub)

	if string(stdout) != "hello stdout\n" {
		t.Errorf(
			"expected stdout: got '%s', want '%s'",
			string(stdout),
			"hello stdout\n",
		)
	}

	if string(stderr) != "hello stderr\n" {
		t.Errorf(
			"expected stderr: got '%s', want '%s'",
			string(stderr),
			"hello stderr\n",
		)
	}
}

func TestStreamRunningJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	f.rec.Stdout().WriteString("early\n")

	sub, err := f.manager.OpenStream(1)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer sub.Close()

	ctx := context.Background()

	chunk, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if string(chunk.Data) != "early\n" {
		t.Errorf(
			"expected chunk: got '%s', want '%s'",
			string(chunk.Data),
			"early\n",
		)
	}

	// New output arriving while the subscriber waits is delivered.
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.rec.Stdout().WriteString("late\n")
		f.rec.CloseOutputs()
		close(f.job.done)
	}()

	stdout, _ := drain(t, sub)

	if string(stdout) != "late\n" {
		t.Errorf(
			"expected stdout: got '%s', want '%s'",
			string(stdout),
			"late\n",
		)
	}
}

func TestConcurrentSubscriptionsAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	f.rec.Stdout().WriteString("shared output\n")
	f.rec.CloseOutputs()
	close(f.job.done)

	var wg sync.WaitGroup
	results := make([][]byte, 5)

	for i := range results {
		sub, err := f.manager.OpenStream(1)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		wg.Go(func() {
			defer sub.Close()

			// Stagger read pace so subscriptions genuinely interleave.
			time.Sleep(time.Duration(i*10) * time.Millisecond)

			stdout, _ := drain(t, sub)
			results[i] = stdout
		})
	}

	wg.Wait()

	for i, got := range results {
		if string(got) != "shared output\n" {
			t.Errorf(
				"expected subscription %d data: got '%s', want '%s'",
				i,
				string(got),
				"shared output\n",
			)
		}
	}
}

func TestNextRespectsCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	sub, err := f.manager.OpenStream(1)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// Nothing to read and the job never finishes; only cancellation can
	// end the wait.
	if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled: got '%v'", err)
	}
}

func TestOpenStreamUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	if _, err := f.manager.OpenStream(42); !errors.Is(err, errUnknownJob) {
		t.Errorf("expected lookup error: got '%v'", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	sub, err := f.manager.OpenStream(1)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if err := sub.Close(); err != nil {
		t.Errorf("expected not to receive error: got '%v'", err)
	}

	if err := sub.Close(); err != nil {
		t.Errorf("expected not to receive error: got '%v'", err)
	}
}

func TestStreamLargeOutputInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	// Larger than one read buffer so delivery spans many chunks.
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	if _, err := f.rec.Stdout().Write(payload); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	f.rec.CloseOutputs()
	close(f.job.done)

	sub, err := f.manager.OpenStream(1)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer sub.Close()

	stdout, _ := drain(t, sub)

	if string(stdout) != string(payload) {
		t.Errorf("expected %d bytes delivered in order, got %d", len(payload), len(stdout))
	}

	if _, err := os.Stat(f.store.StdoutPath(1)); err != nil {
		t.Errorf("expected record to survive streaming: got '%v'", err)
	}
}
