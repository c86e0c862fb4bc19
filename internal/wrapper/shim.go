package wrapper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

// Inherited pipe fds, after stdin/stdout/stderr.
const (
	specPipeFD   = 3
	statusPipeFD = 4
)

// RunShim is the child side of a launch: it runs already inside the job's
// new namespaces (and cgroup), performs the ordered setup sequence, and
// replaces itself with the target command. It only ever returns on failure,
// after writing the failure report to the status pipe.
func RunShim() error {
	specPipe := os.NewFile(specPipeFD, "spec-pipe")
	statusPipe := os.NewFile(statusPipeFD, "status-pipe")

	if specPipe == nil || statusPipe == nil {
		return errors.New("handshake pipes not inherited")
	}

	err := runShim(specPipe, statusPipe)
	if err == nil {
		// Unreachable: a successful runShim never returns.
		return nil
	}

	step := StepSpec

	var le *LaunchError
	if errors.As(err, &le) {
		step = le.Step
		err = le.Err
	}

	statusPipe.Write(formatReport(step, err.Error()))
	statusPipe.Close()

	return err
}

func runShim(specPipe, statusPipe *os.File) error {
	// Success is signalled by EOF on the status pipe at exec time, so the
	// write end must not survive the exec.
	if _, err := unix.FcntlInt(
		statusPipe.Fd(),
		unix.F_SETFD,
		unix.FD_CLOEXEC,
	); err != nil {
		return &LaunchError{Step: StepSpec, Err: fmt.Errorf("set cloexec: %w", err)}
	}

	sp, err := readSpec(specPipe)
	if err != nil {
		return &LaunchError{Step: StepSpec, Err: err}
	}

	// Block until the parent has finished host-side setup: the cgroup
	// attachment happened at clone, but the veth peer only appears in this
	// namespace once the parent has moved it in.
	proceed := make([]byte, 1)
	if _, err := io.ReadFull(specPipe, proceed); err != nil {
		return &LaunchError{
			Step: StepSpec,
			Err:  fmt.Errorf("wait for proceed signal: %w", err),
		}
	}

	specPipe.Close()

	if err := setupRootfs(sp.BaseRootfs, sp.RootfsDir); err != nil {
		return &LaunchError{Step: StepMounts, Err: err}
	}

	if err := setupShimNetwork(sp); err != nil {
		return &LaunchError{Step: StepNetwork, Err: err}
	}

	path, err := lookProgram(sp.Program, sp.Env)
	if err != nil {
		return &LaunchError{Step: StepExec, Err: err}
	}

	argv := append([]string{sp.Program}, sp.Args...)

	if err := unix.Exec(path, argv, sp.Env); err != nil {
		return &LaunchError{
			Step: StepExec,
			Err:  fmt.Errorf("exec %s: %w", path, err),
		}
	}

	return nil
}

// readSpec reads the length-prefixed CBOR launch spec. The explicit length
// prefix keeps the decoder from buffering past the message and swallowing
// the proceed byte that follows it.
func readSpec(r io.Reader) (*shimSpec, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read spec length: %w", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read spec payload: %w", err)
	}

	sp := &shimSpec{}
	if err := cbor.Unmarshal(payload, sp); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}

	return sp, nil
}

// lookProgram resolves the target command against the job's PATH (falling
// back to the shim's own), after the rootfs pivot so resolution sees the
// job's filesystem view.
func lookProgram(program string, env []string) (string, error) {
	for _, kv := range env {
		if path, ok := strings.CutPrefix(kv, "PATH="); ok {
			os.Setenv("PATH", path)
			break
		}
	}

	path, err := exec.LookPath(program)
	if err != nil {
		return "", fmt.Errorf("resolve program: %w", err)
	}

	return path, nil
}
