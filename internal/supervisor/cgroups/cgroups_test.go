package cgroups_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wardenrun/warden/internal/supervisor/cgroups"
)

// Tests run against a fake cgroup root in a temp dir so they don't require
// root or a writable cgroup v2 hierarchy. Against a fake root no directory
// fd is held, so FD() is nil and limit files are plain files.

func createTestCgroup(
	t *testing.T,
	limits *cgroups.ResourceLimits,
) *cgroups.Cgroup {
	t.Helper()

	root := t.TempDir()

	cg, err := cgroups.Create(root, "warden-job-1", limits)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return cg
}

func readLimitFile(t *testing.T, cg *cgroups.Cgroup, name string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(cg.Path(), name))
	if err != nil {
		t.Fatalf("expected to read %s: got '%v'", name, err)
	}

	return string(data)
}

func TestCreateCgroup(t *testing.T) {
	t.Parallel()

	t.Run("Test create with limits", func(t *testing.T) {
		t.Parallel()

		cg := createTestCgroup(t, &cgroups.ResourceLimits{
			CPUMaxPercent:  50,
			MemoryMaxBytes: 1048576,
		})

		if cg.Name() != "warden-job-1" {
			t.Errorf(
				"expected cgroup name: got '%s', want '%s'",
				cg.Name(),
				"warden-job-1",
			)
		}

		if got, want := readLimitFile(t, cg, "cpu.max"), "50000 100000"; got != want {
			t.Errorf("expected cpu.max: got '%s', want '%s'", got, want)
		}

		if got, want := readLimitFile(t, cg, "memory.max"), "1048576"; got != want {
			t.Errorf("expected memory.max: got '%s', want '%s'", got, want)
		}

		if cg.FD() != nil {
			t.Errorf("expected no fd to be held for fake cgroup root")
		}
	})

	t.Run("Test create without limits", func(t *testing.T) {
		t.Parallel()

		cg := createTestCgroup(t, nil)

		if _, err := os.Stat(cg.Path()); err != nil {
			t.Errorf("expected cgroup dir to exist: got '%v'", err)
		}

		if _, err := os.Stat(filepath.Join(cg.Path(), "cpu.max")); !os.IsNotExist(err) {
			t.Errorf("expected no cpu.max to be written: got '%v'", err)
		}
	})

	t.Run("Test zero limits are skipped", func(t *testing.T) {
		t.Parallel()

		cg := createTestCgroup(t, &cgroups.ResourceLimits{})

		if _, err := os.Stat(filepath.Join(cg.Path(), "memory.max")); !os.IsNotExist(err) {
			t.Errorf("expected no memory.max to be written: got '%v'", err)
		}
	})
}

func TestDestroyCgroup(t *testing.T) {
	t.Parallel()

	cg := createTestCgroup(t, &cgroups.ResourceLimits{CPUMaxPercent: 10})

	if err := cg.Destroy(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if _, err := os.Stat(cg.Path()); !os.IsNotExist(err) {
		t.Errorf("expected cgroup dir to be removed: got '%v'", err)
	}
}

func TestValidateRoot(t *testing.T) {
	t.Parallel()

	t.Run("Test invalid root", func(t *testing.T) {
		t.Parallel()

		if err := cgroups.ValidateRoot(t.TempDir()); err == nil {
			t.Errorf("expected error for root without cgroup.controllers")
		}
	})

	t.Run("Test valid root", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()

		if err := os.WriteFile(
			filepath.Join(root, "cgroup.controllers"),
			[]byte("cpu memory io"),
			0o644,
		); err != nil {
			t.Fatalf("expected to write cgroup.controllers: got '%v'", err)
		}

		if err := cgroups.ValidateRoot(root); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}
	})
}
