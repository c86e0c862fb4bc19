package wrapper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

// ShimCommand is the argument the server binary is re-executed with to enter
// the shim entrypoint.
const ShimCommand = "shim"

var defaultEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
}

// ExitInfo describes how a job's process ended.
type ExitInfo struct {
	// ExitCode is the process exit code, or -1 when the process was killed
	// by a signal (Signal is set) or could not be observed (Message is set).
	ExitCode int
	Signal   string
	Message  string
}

// Handle is a successfully launched job process as seen from the host.
type Handle struct {
	pid int
	cmd *exec.Cmd
}

// Pid returns the shim's pid in the host namespace.
func (h *Handle) Pid() int {
	return h.pid
}

// Wait blocks until the process exits and reports how it ended. Must be
// called exactly once; it is the reaper's sole property.
func (h *Handle) Wait() ExitInfo {
	err := h.cmd.Wait()

	ps := h.cmd.ProcessState
	if ps == nil {
		return ExitInfo{ExitCode: -1, Message: fmt.Sprintf("wait: %v", err)}
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitInfo{ExitCode: -1, Signal: ws.Signal().String()}
	}

	return ExitInfo{ExitCode: ps.ExitCode()}
}

// SignalGroup delivers sig to the job's whole process group, so namespaced
// descendants die along with the shim's child.
func (h *Handle) SignalGroup(sig syscall.Signal) error {
	if err := unix.Kill(-h.pid, sig); err != nil {
		return fmt.Errorf("signal process group %d: %w", h.pid, err)
	}

	return nil
}

// Launch starts one job: it clones the server binary into new PID, mount,
// and network namespaces (directly inside its cgroup when a cgroup fd is
// given), performs host-side network plumbing, and blocks until the shim
// confirms the target command has been execed or reports which setup step
// failed.
//
// On failure everything already applied is unwound before returning: the
// child process group is killed and reaped and any veth pair is deleted.
// Cgroup and store record teardown belong to the caller, which created them.
func Launch(spec LaunchSpec, logger *slog.Logger) (*Handle, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}

	var td Teardown
	defer td.Run(logger)

	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Step: StepSpawn, Err: fmt.Errorf("spec pipe: %w", err)}
	}
	defer specW.Close()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		specR.Close()
		return nil, &LaunchError{Step: StepSpawn, Err: fmt.Errorf("status pipe: %w", err)}
	}
	defer statusR.Close()

	cmd := exec.Command("/proc/self/exe", ShimCommand)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = []*os.File{specR, statusW}

	attr := &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWNET,
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if spec.CgroupFD != nil {
		attr.UseCgroupFD = true
		attr.CgroupFD = int(spec.CgroupFD.Fd())
	}

	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		specR.Close()
		statusW.Close()
		return nil, &LaunchError{Step: StepSpawn, Err: err}
	}

	// The child holds its own copies now.
	specR.Close()
	statusW.Close()

	pid := cmd.Process.Pid

	td.Add("kill process group", func() error {
		unix.Kill(-pid, unix.SIGKILL)
		cmd.Wait()
		return nil
	})

	env := spec.Env
	if len(env) == 0 {
		env = defaultEnv
	}

	sp := shimSpec{
		Program:    spec.Program,
		Args:       spec.Args,
		Env:        env,
		BaseRootfs: spec.BaseRootfs,
		RootfsDir:  spec.RootfsDir,
	}

	if spec.Network != nil {
		peer, revert, err := setupHostNetwork(spec.Network, spec.JobID, pid)
		if revert != nil {
			td.Add("delete veth pair", revert)
		}

		if err != nil {
			return nil, &LaunchError{Step: StepNetwork, Err: err}
		}

		addr, gateway, err := jobAddrs(spec.Network.Subnet, spec.JobID)
		if err != nil {
			return nil, &LaunchError{Step: StepNetwork, Err: err}
		}

		sp.VethPeer = peer
		sp.Addr = addr
		sp.Gateway = gateway
	}

	if err := writeSpec(specW, &sp); err != nil {
		return nil, &LaunchError{Step: StepSpec, Err: err}
	}

	// Proceed byte: host-side setup is complete, the shim may continue.
	if _, err := specW.Write([]byte{1}); err != nil {
		return nil, &LaunchError{
			Step: StepSpec,
			Err:  fmt.Errorf("send proceed signal: %w", err),
		}
	}

	specW.Close()

	statusR.SetReadDeadline(time.Now().Add(timeout))

	report, err := io.ReadAll(statusR)

	switch {
	case err != nil:
		return nil, &LaunchError{
			Step: StepTimeout,
			Err: fmt.Errorf(
				"no launch confirmation within %s: %w",
				timeout,
				err,
			),
		}

	case len(report) > 0:
		step, msg := parseReport(report)
		return nil, &LaunchError{Step: step, Err: errors.New(msg)}
	}

	// EOF without a report: the exec happened.
	td.Disarm()

	return &Handle{pid: pid, cmd: cmd}, nil
}

func writeSpec(w io.Writer, sp *shimSpec) error {
	payload, err := cbor.Marshal(sp)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("write spec length: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write spec payload: %w", err)
	}

	return nil
}
