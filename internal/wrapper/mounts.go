package wrapper

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// setupRootfs establishes the job's private filesystem view. Runs inside the
// new mount namespace, in order:
//
//  1. Re-mount everything recursively private so nothing done here
//     propagates back to the host.
//  2. Bind the base rootfs onto the per-job mount point, read-only.
//  3. pivot_root into it. New root and put-old are the same directory, so
//     the old root ends up stacked on top of the new one and a lazy unmount
//     of "." drops the entire host tree without needing a put-old dir.
//  4. Mount a fresh /proc so process listings only see namespaced pids, and
//     a tmpfs /tmp so jobs get writable scratch space.
func setupRootfs(base, rootfs string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}

	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return fmt.Errorf("make rootfs dir: %w", err)
	}

	if err := unix.Mount(base, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind rootfs: %w", err)
	}

	// A bind mount ignores MS_RDONLY on creation and needs a remount.
	if err := unix.Mount(
		"",
		rootfs,
		"",
		unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY,
		"",
	); err != nil {
		return fmt.Errorf("remount rootfs read-only: %w", err)
	}

	if err := unix.Chdir(rootfs); err != nil {
		return fmt.Errorf("chdir to rootfs: %w", err)
	}

	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot root: %w", err)
	}

	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}

	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}

	if err := unix.Mount(
		"proc",
		"/proc",
		"proc",
		unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC,
		"",
	); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}

	if err := unix.Mount(
		"tmpfs",
		"/tmp",
		"tmpfs",
		unix.MS_NOSUID|unix.MS_NODEV,
		"",
	); err != nil {
		return fmt.Errorf("mount tmp: %w", err)
	}

	return nil
}
