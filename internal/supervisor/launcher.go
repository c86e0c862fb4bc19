package supervisor

import (
	"log/slog"
	"syscall"

	"github.com/wardenrun/warden/internal/wrapper"
)

// Process is a launched job process as the supervisor sees it: just enough
// surface to reap it and to signal its group. The wrapper's Handle is the
// production implementation; tests substitute plain unisolated processes.
type Process interface {
	Pid() int
	Wait() wrapper.ExitInfo
	SignalGroup(sig syscall.Signal) error
}

// Launcher starts one job process from a launch spec, blocking until launch
// is confirmed or a setup step has failed.
type Launcher interface {
	Launch(spec wrapper.LaunchSpec) (Process, error)
}

// shimLauncher is the production Launcher: re-exec into namespaces via the
// wrapper shim.
type shimLauncher struct {
	logger *slog.Logger
}

func (l shimLauncher) Launch(spec wrapper.LaunchSpec) (Process, error) {
	handle, err := wrapper.Launch(spec, l.logger)
	if err != nil {
		return nil, err
	}

	return handle, nil
}
