package wrapper

import (
	"fmt"
	"os"
	"time"
)

// Setup step names used in failure reports.
const (
	StepCgroup  = "cgroup"
	StepRecord  = "record"
	StepSpawn   = "spawn"
	StepSpec    = "spec"
	StepMounts  = "mounts"
	StepNetwork = "network"
	StepExec    = "exec"
	StepTimeout = "timeout"
)

// DefaultLaunchTimeout bounds how long Launch waits for the shim to confirm
// that the target command has been execed.
const DefaultLaunchTimeout = 10 * time.Second

// LaunchError reports which setup step a failed launch broke at.
type LaunchError struct {
	Step string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed at %s: %v", e.Step, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NetworkConfig describes the host-side bridge the job's veth attaches to.
type NetworkConfig struct {
	// Bridge is the name of the host bridge, created on first use.
	Bridge string

	// Subnet in CIDR notation, e.g. "10.77.0.0/16". The first host address
	// is the bridge (and the job's default gateway); per-job addresses are
	// derived from the job id.
	Subnet string
}

// LaunchSpec is everything Launch needs to start one job.
type LaunchSpec struct {
	JobID   uint64
	Program string
	Args    []string
	Env     []string

	// BaseRootfs is the host directory the job's private root view is bound
	// from, typically "/". RootfsDir is the per-job mount point pivoted into.
	BaseRootfs string
	RootfsDir  string

	// Stdout and Stderr are inherited by the target command directly; the
	// OS writes job output, the server never touches it.
	Stdout *os.File
	Stderr *os.File

	// CgroupFD is the open cgroup directory the child is cloned into. Nil
	// skips cgroup attachment (only meaningful in tests).
	CgroupFD *os.File

	// Network enables veth/bridge networking; nil leaves the job with only
	// a loopback interface.
	Network *NetworkConfig

	Timeout time.Duration
}

// shimSpec is the wire form of the launch spec sent to the shim over the
// spec pipe. Parent-only fields (files, cgroup, timeout) stay behind.
type shimSpec struct {
	Program string   `cbor:"program"`
	Args    []string `cbor:"args,omitempty"`
	Env     []string `cbor:"env,omitempty"`

	BaseRootfs string `cbor:"base_rootfs"`
	RootfsDir  string `cbor:"rootfs_dir"`

	VethPeer string `cbor:"veth_peer,omitempty"`
	Addr     string `cbor:"addr,omitempty"`
	Gateway  string `cbor:"gateway,omitempty"`
}
