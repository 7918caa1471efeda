// Package boot prepares the host environment before the guest init is
// spawned: device node directories, shared sockets, the loader symlink,
// kmsg rotation and orphan reaping.
package boot

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/rom"
	"golang.org/x/sys/unix"
)

// EnsureBootFiles prepares everything the guest expects before boot.
// Loader symlink failure is fatal (the guest cannot link its renderer);
// everything else is best effort. reapOrphans additionally kills
// pid-1-parented leftovers of a previous guest; callers that do not own
// the whole process tree (tests, embedded servers) pass false.
func EnsureBootFiles(layout rom.Layout, rootfsDir, loaderPath string, reapOrphans bool) error {
	devDir := filepath.Join(rootfsDir, "dev")
	ensureDir(filepath.Join(devDir, "input"))
	ensureDir(filepath.Join(devDir, "socket"))
	ensureDir(filepath.Join(devDir, "maps"))

	ensureDir(layout.SocketDir())

	if err := createLoaderSymlink(layout, loaderPath); err != nil {
		return err
	}

	if reapOrphans {
		KillOrphans()
	}

	rotateKmsg(layout)
	return nil
}

// SetupRootfsEnvironment creates the extended directory set a manually
// started container needs: socket and device directories that tar
// archives cannot carry.
func SetupRootfsEnvironment(rootfsDir string) {
	directories := []string{
		"dev/input",
		"dev/socket",
		"dev/maps",
		"dev/vbinder",
		"dev/vndbinder",
		"dev/hwbinder",
		"dev/graphics",
		"dev/shm",
		"data/system",
	}

	var created int
	for _, dir := range directories {
		path := filepath.Join(rootfsDir, dir)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			slog.Warn("rootfs_dir_create_failed", "path", path, "error", err)
			continue
		}
		created++
	}
	slog.Info("rootfs_environment_ready", "rootfs", rootfsDir, "created", created)
}

func createLoaderSymlink(layout rom.Layout, loaderPath string) error {
	link := layout.LoaderSymlink()
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove previous loader symlink")
	}
	if err := os.Symlink(loaderPath, link); err != nil {
		return errors.Wrap(err, "failed to create loader symlink")
	}
	slog.Info("loader_symlink_created", "link", link, "target", loaderPath)
	return nil
}

// rotateKmsg moves the previous guest kernel log to last_kmsg so boot
// failures from the prior run stay inspectable, then starts a fresh
// capture file. A missing kmsg is fine.
func rotateKmsg(layout rom.Layout) {
	if err := os.Rename(layout.KmsgFile(), layout.LastKmsgFile()); err != nil && !os.IsNotExist(err) {
		slog.Warn("kmsg_rotation_failed", "error", err)
	}
	f, err := os.OpenFile(layout.KmsgFile(), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Warn("kmsg_create_failed", "error", err)
		return
	}
	f.Close()
}

// KillOrphans terminates processes re-parented to pid 1: leftovers of a
// previous guest that would otherwise leak sockets and input devices
// across reboots. The daemon itself and pid 1 are never touched.
func KillOrphans() {
	self := os.Getpid()

	procs, err := os.ReadDir("/proc")
	if err != nil {
		slog.Warn("orphan_scan_failed", "error", err)
		return
	}

	var killed int
	for _, entry := range procs {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 1 || pid == self {
			continue
		}
		if parentPid(pid) != 1 {
			continue
		}
		if err := unix.Kill(pid, unix.SIGKILL); err == nil {
			killed++
		}
	}
	if killed > 0 {
		slog.Info("orphans_killed", "count", killed)
	}
}

// parentPid reads PPid from /proc/<pid>/status. Returns -1 when the
// process vanished or the field is unreadable.
func parentPid(pid int) int {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return -1
	}
	for _, line := range strings.Split(string(data), "\n") {
		if ppid, ok := strings.CutPrefix(line, "PPid:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(ppid))
			if err != nil {
				return -1
			}
			return n
		}
	}
	return -1
}

func ensureDir(path string) {
	if err := os.MkdirAll(path, 0755); err != nil {
		slog.Warn("dir_create_failed", "path", path, "error", err)
	}
}
