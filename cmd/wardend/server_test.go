package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	api "github.com/wardenrun/warden/api/v1"
	"github.com/wardenrun/warden/internal/logstream"
	"github.com/wardenrun/warden/internal/store"
	"github.com/wardenrun/warden/internal/supervisor"
	"github.com/wardenrun/warden/internal/tlsconfig"
	"github.com/wardenrun/warden/internal/wrapper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

const (
	caCertPath     = "../../certs/ca.crt"
	serverCertPath = "../../certs/server.crt"
	serverKeyPath  = "../../certs/server.key"
)

// execLauncher runs job processes directly, without namespaces or root, so
// the full gRPC surface can be exercised anywhere. The real shim launcher
// is covered by the end-to-end tests.
type execLauncher struct{}

func (execLauncher) Launch(spec wrapper.LaunchSpec) (supervisor.Process, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &wrapper.LaunchError{Step: wrapper.StepSpawn, Err: err}
	}

	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() wrapper.ExitInfo {
	err := p.cmd.Wait()

	ps := p.cmd.ProcessState
	if ps == nil {
		return wrapper.ExitInfo{ExitCode: -1, Message: err.Error()}
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return wrapper.ExitInfo{ExitCode: -1, Signal: ws.Signal().String()}
	}

	return wrapper.ExitInfo{ExitCode: ps.ExitCode()}
}

func (p *execProcess) SignalGroup(sig syscall.Signal) error {
	return unix.Kill(-p.cmd.Process.Pid, sig)
}

func newFakeCgroupRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	if err := os.WriteFile(
		filepath.Join(root, "cgroup.controllers"),
		[]byte("cpu memory io"),
		0o644,
	); err != nil {
		t.Fatalf("expected to write cgroup.controllers: got '%v'", err)
	}

	return root
}

func newTestClient(
	t *testing.T,
	addr string,
	clientCert string,
) api.JobServiceClient {
	t.Helper()

	clientTLSConfig, err := tlsconfig.Setup(&tlsconfig.Config{
		CertPath:   filepath.Join("../../certs", clientCert+".crt"),
		KeyPath:    filepath.Join("../../certs", clientCert+".key"),
		CACertPath: caCertPath,
		Server:     false,
		ServerName: "localhost",
	})
	if err != nil {
		t.Fatalf("failed to setup client TLS: '%v'", err)
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(credentials.NewTLS(clientTLSConfig)),
	)
	if err != nil {
		t.Fatalf("failed to connect: '%v'", err)
	}

	t.Cleanup(func() { conn.Close() })

	return api.NewJobServiceClient(conn)
}

func setupTestServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to setup listener: '%v'", err)
	}

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: '%v'", err)
	}

	logger := slog.New(slog.DiscardHandler)

	sup, err := supervisor.New(st, logger, supervisor.Options{
		CgroupRoot: newFakeCgroupRoot(t),
		Launcher:   execLauncher{},
	})
	if err != nil {
		t.Fatalf("failed to create supervisor: '%v'", err)
	}

	s := newServer(
		sup,
		logstream.NewManager(jobIndex{sup}, st, logger),
		logger,
		&serverConfig{
			CertPath:   serverCertPath,
			KeyPath:    serverKeyPath,
			CACertPath: caCertPath,
		},
	)

	go func() {
		if err := s.start(listener); err != nil {
			t.Logf("failed to start server: '%v'", err)
		}
	}()

	t.Cleanup(func() {
		sup.Shutdown()
		s.shutdown()
	})

	return listener.Addr().String()
}

func waitForTerminalState(
	t *testing.T,
	client api.JobServiceClient,
	id uint64,
) *api.QueryJobResponse {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := client.QueryJob(
			context.Background(),
			&api.QueryJobRequest{Id: id},
		)
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if resp.State != api.JobState_JOB_STATE_RUNNING {
			return resp
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for job %d to finish", id)
	return nil
}

func TestServerIntegration(t *testing.T) {
	addr := setupTestServer(t)

	alice := newTestClient(t, addr, "client-alice")
	bob := newTestClient(t, addr, "client-bob")

	ctx := context.Background()

	t.Run("Test job lifecycle", func(t *testing.T) {
		startResp, err := alice.StartJob(ctx, &api.StartJobRequest{
			Program: "sleep",
			Args:    []string{"30"},
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if startResp.Id == 0 {
			t.Errorf("expected non-zero job id: got '%d'", startResp.Id)
		}

		queryResp, err := alice.QueryJob(
			ctx,
			&api.QueryJobRequest{Id: startResp.Id},
		)
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if queryResp.State != api.JobState_JOB_STATE_RUNNING {
			t.Errorf(
				"expected state: got '%s', want '%s'",
				queryResp.State,
				api.JobState_JOB_STATE_RUNNING,
			)
		}

		if queryResp.ExitCode != -1 {
			t.Errorf(
				"expected exit code: got '%d', want '-1'",
				queryResp.ExitCode,
			)
		}

		if _, err := alice.StopJob(
			ctx,
			&api.StopJobRequest{Id: startResp.Id},
		); err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		queryResp = waitForTerminalState(t, alice, startResp.Id)

		if queryResp.State != api.JobState_JOB_STATE_FAILED {
			t.Errorf(
				"expected state: got '%s', want '%s'",
				queryResp.State,
				api.JobState_JOB_STATE_FAILED,
			)
		}

		if queryResp.Signal != "killed" {
			t.Errorf(
				"expected signal: got '%s', want 'killed'",
				queryResp.Signal,
			)
		}

		_, err = alice.StopJob(ctx, &api.StopJobRequest{Id: startResp.Id})

		st, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if st.Code() != codes.FailedPrecondition {
			t.Errorf("expected FailedPrecondition error: got '%v'", st.Code())
		}
	})

	t.Run("Test log streaming on both streams", func(t *testing.T) {
		startResp, err := alice.StartJob(ctx, &api.StartJobRequest{
			Program: "sh",
			Args:    []string{"-c", "echo output; echo errors 1>&2"},
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		stream, err := alice.StreamJobLogs(
			ctx,
			&api.StreamJobLogsRequest{Id: startResp.Id},
		)
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		var stdout, stderr []byte

		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("expected not to get error: got '%v'", err)
			}

			stdout = append(stdout, chunk.Stdout...)
			stderr = append(stderr, chunk.Stderr...)
		}

		if string(stdout) != "output\n" {
			t.Errorf(
				"expected stdout: got '%s', want '%s'",
				string(stdout),
				"output\n",
			)
		}

		if string(stderr) != "errors\n" {
			t.Errorf(
				"expected stderr: got '%s', want '%s'",
				string(stderr),
				"errors\n",
			)
		}

		queryResp := waitForTerminalState(t, alice, startResp.Id)

		if queryResp.State != api.JobState_JOB_STATE_COMPLETED {
			t.Errorf(
				"expected state: got '%s', want '%s'",
				queryResp.State,
				api.JobState_JOB_STATE_COMPLETED,
			)
		}

		if queryResp.ExitCode != 0 {
			t.Errorf(
				"expected exit code: got '%d', want '0'",
				queryResp.ExitCode,
			)
		}
	})

	t.Run("Test concurrent followers see the full stream", func(t *testing.T) {
		startResp, err := alice.StartJob(ctx, &api.StartJobRequest{
			Program: "sh",
			Args:    []string{"-c", "echo early; sleep 0.3; echo late"},
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		collect := func(client api.JobServiceClient) (string, error) {
			stream, err := client.StreamJobLogs(
				ctx,
				&api.StreamJobLogsRequest{Id: startResp.Id},
			)
			if err != nil {
				return "", err
			}

			var out []byte
			for {
				chunk, err := stream.Recv()
				if err == io.EOF {
					return string(out), nil
				}
				if err != nil {
					return "", err
				}
				out = append(out, chunk.Stdout...)
			}
		}

		results := make(chan string, 2)
		errs := make(chan error, 2)

		for range 2 {
			go func() {
				out, err := collect(bob)
				if err != nil {
					errs <- err
					return
				}
				results <- out
			}()
		}

		for range 2 {
			select {
			case err := <-errs:
				t.Errorf("expected not to get error: got '%v'", err)
			case out := <-results:
				if out != "early\nlate\n" {
					t.Errorf(
						"expected output: got '%s', want '%s'",
						out,
						"early\nlate\n",
					)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("timed out waiting for stream to finish")
			}
		}
	})

	t.Run("Test stop requires ownership", func(t *testing.T) {
		startResp, err := alice.StartJob(ctx, &api.StartJobRequest{
			Program: "sleep",
			Args:    []string{"30"},
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		_, err = bob.StopJob(ctx, &api.StopJobRequest{Id: startResp.Id})

		st, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if st.Code() != codes.PermissionDenied {
			t.Errorf("expected PermissionDenied error: got '%v'", st.Code())
		}

		// Owner can still stop it.
		if _, err := alice.StopJob(
			ctx,
			&api.StopJobRequest{Id: startResp.Id},
		); err != nil {
			t.Errorf("expected not to get error: got '%v'", err)
		}
	})

	t.Run("Test other principals can query and stream", func(t *testing.T) {
		startResp, err := alice.StartJob(ctx, &api.StartJobRequest{
			Program: "echo",
			Args:    []string{"shared"},
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		waitForTerminalState(t, bob, startResp.Id)

		stream, err := bob.StreamJobLogs(
			ctx,
			&api.StreamJobLogsRequest{Id: startResp.Id},
		)
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		var out []byte
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("expected not to get error: got '%v'", err)
			}
			out = append(out, chunk.Stdout...)
		}

		if string(out) != "shared\n" {
			t.Errorf(
				"expected output: got '%s', want '%s'",
				string(out),
				"shared\n",
			)
		}
	})

	t.Run("Test unknown job id", func(t *testing.T) {
		_, err := alice.QueryJob(ctx, &api.QueryJobRequest{Id: 999999})

		st, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if st.Code() != codes.NotFound {
			t.Errorf("expected NotFound error: got '%v'", st.Code())
		}
	})

	t.Run("Test empty program is rejected", func(t *testing.T) {
		_, err := alice.StartJob(ctx, &api.StartJobRequest{Program: ""})

		st, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if st.Code() != codes.InvalidArgument {
			t.Errorf("expected InvalidArgument error: got '%v'", st.Code())
		}
	})

	t.Run("Test negative limits are rejected", func(t *testing.T) {
		_, err := alice.StartJob(ctx, &api.StartJobRequest{
			Program:        "sleep",
			Args:           []string{"1"},
			MemoryMaxBytes: -1,
		})

		st, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if st.Code() != codes.InvalidArgument {
			t.Errorf("expected InvalidArgument error: got '%v'", st.Code())
		}
	})

	t.Run("Test launch failure surfaces step detail", func(t *testing.T) {
		_, err := alice.StartJob(ctx, &api.StartJobRequest{
			Program: "definitely-not-a-real-program",
		})

		st, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if st.Code() != codes.Internal {
			t.Errorf("expected Internal error: got '%v'", st.Code())
		}

		if !strings.Contains(st.Message(), "spawn") {
			t.Errorf(
				"expected launch step in message: got '%s'",
				st.Message(),
			)
		}
	})

	t.Run("Test certificate without identity is rejected", func(t *testing.T) {
		anon := newTestClient(t, addr, "client-anon")

		_, err := anon.StartJob(ctx, &api.StartJobRequest{Program: "sleep"})

		st, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if st.Code() != codes.Unauthenticated {
			t.Errorf("expected Unauthenticated error: got '%v'", st.Code())
		}
	})
}
