// Package cgroups manages per-job cgroup v2 directories: creation, CPU,
// memory, and I/O limit application, and teardown.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"

	// destroyWait bounds how long Destroy waits for the kernel to kill and
	// reap every process in the cgroup after writing cgroup.kill.
	destroyWait = 5 * time.Second
)

// ResourceLimits holds the per-job resource ceilings. Zero values mean "no
// limit" for that resource.
type ResourceLimits struct {
	CPUMaxPercent  int64
	MemoryMaxBytes int64
	IOMaxBPS       int64
}

// Cgroup is one job's cgroup v2 directory. The directory fd is held open so
// the child can be cloned directly into the cgroup, closing the window where
// an unconstrained process could burst before being attached.
type Cgroup struct {
	name string
	path string
	fd   *os.File
}

// Create makes a new cgroup under root with the given limits applied. On any
// failure the partially created directory is removed before returning.
func Create(root, name string, limits *ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, name),
	}

	if err := os.MkdirAll(cg.path, 0o755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if limits != nil {
		if err := cg.applyLimits(limits); err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	if isRealCgroupRoot(root) {
		fd, err := os.Open(cg.path)
		if err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("open cgroup dir: %w", err)
		}

		cg.fd = fd
	}

	return cg, nil
}

func (c *Cgroup) applyLimits(limits *ResourceLimits) error {
	if limits.CPUMaxPercent > 0 {
		if err := c.setCPULimit(limits.CPUMaxPercent); err != nil {
			return fmt.Errorf("set CPU max limit: %w", err)
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := c.setMemoryLimit(limits.MemoryMaxBytes); err != nil {
			return fmt.Errorf("set memory max limit: %w", err)
		}
	}

	if limits.IOMaxBPS > 0 {
		if err := c.setIOLimit(limits.IOMaxBPS); err != nil {
			return fmt.Errorf("set I/O max limit: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) setCPULimit(percent int64) error {
	quota := (percent * cpuPeriodMicros) / 100
	value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

	if err := os.WriteFile(
		filepath.Join(c.path, "cpu.max"),
		[]byte(value),
		0o644,
	); err != nil {
		return fmt.Errorf("write cpu.max: %w", err)
	}

	return nil
}

func (c *Cgroup) setMemoryLimit(bytes int64) error {
	if err := os.WriteFile(
		filepath.Join(c.path, "memory.max"),
		[]byte(strconv.FormatInt(bytes, 10)),
		0o644,
	); err != nil {
		return fmt.Errorf("write memory.max: %w", err)
	}

	return nil
}

func (c *Cgroup) setIOLimit(bps int64) error {
	deviceID, err := detectRootDevice()
	if err != nil {
		return fmt.Errorf("detect root device: %w", err)
	}

	value := fmt.Sprintf("%s rbps=%d wbps=%d", deviceID, bps, bps)

	if err := os.WriteFile(
		filepath.Join(c.path, "io.max"),
		[]byte(value),
		0o644,
	); err != nil {
		return fmt.Errorf("write io.max: %w", err)
	}

	return nil
}

// Kill writes to cgroup.kill, SIGKILLing every process in the cgroup.
func (c *Cgroup) Kill() error {
	if err := os.WriteFile(
		filepath.Join(c.path, "cgroup.kill"),
		[]byte("1"),
		0o644,
	); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("write cgroup.kill: %w", err)
	}

	return nil
}

// Destroy kills any remaining processes, waits for the cgroup to empty, and
// removes the directory. A cgroup directory cannot be removed while
// populated, hence the wait.
func (c *Cgroup) Destroy() error {
	// Ignore close errors; the directory removal is what matters.
	c.close()

	if err := c.Kill(); err != nil {
		return err
	}

	deadline := time.Now().Add(destroyWait)

	for {
		populated, err := c.isPopulated()
		if err != nil {
			return err
		}

		if !populated {
			break
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for empty cgroup: %s", c.path)
		}

		time.Sleep(50 * time.Millisecond)
	}

	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

func (c *Cgroup) isPopulated() (bool, error) {
	events, err := os.ReadFile(filepath.Join(c.path, "cgroup.events"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("read cgroup.events: %w", err)
	}

	for line := range strings.Lines(string(events)) {
		if strings.HasPrefix(line, "populated ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "populated ")) == "1", nil
		}
	}

	return false, nil
}

func (c *Cgroup) close() error {
	if c.fd != nil {
		err := c.fd.Close()

		c.fd = nil

		if err != nil {
			return fmt.Errorf("close cgroup fd: %w", err)
		}
	}

	return nil
}

// FD returns the open cgroup directory file, or nil when the cgroup was
// created under a fake root (as in tests).
func (c *Cgroup) FD() *os.File {
	return c.fd
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("detect root device in %s", procMountinfo)
}

func isRealCgroupRoot(root string) bool {
	return root == "/sys/fs/cgroup"
}

// ValidateRoot checks that root looks like a mounted cgroup v2 hierarchy.
func ValidateRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
