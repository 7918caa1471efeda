package boot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/twoyi/twoyi-server/pkg/rom"
)

func TestEnsureBootFiles(t *testing.T) {
	dataDir := t.TempDir()
	layout := rom.Layout{DataDir: dataDir}
	rootfs := filepath.Join(dataDir, "rootfs")

	loader := filepath.Join(dataDir, "libloader.so")
	if err := os.WriteFile(loader, []byte("so"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := EnsureBootFiles(layout, rootfs, loader, false); err != nil {
		t.Fatalf("ensure boot files: %v", err)
	}

	for _, dir := range []string{
		filepath.Join(rootfs, "dev", "input"),
		filepath.Join(rootfs, "dev", "socket"),
		filepath.Join(rootfs, "dev", "maps"),
		layout.SocketDir(),
	} {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			t.Errorf("directory %s missing: %v", dir, err)
		}
	}

	target, err := os.Readlink(layout.LoaderSymlink())
	if err != nil {
		t.Fatalf("loader symlink missing: %v", err)
	}
	if target != loader {
		t.Errorf("loader symlink target = %q, want %q", target, loader)
	}
}

func TestEnsureBootFiles_ReplacesLoaderSymlink(t *testing.T) {
	dataDir := t.TempDir()
	layout := rom.Layout{DataDir: dataDir}

	if err := os.Symlink("/nonexistent/old-loader", layout.LoaderSymlink()); err != nil {
		t.Fatal(err)
	}

	loader := filepath.Join(dataDir, "libloader.so")
	if err := EnsureBootFiles(layout, filepath.Join(dataDir, "rootfs"), loader, false); err != nil {
		t.Fatalf("ensure boot files: %v", err)
	}

	if target, _ := os.Readlink(layout.LoaderSymlink()); target != loader {
		t.Errorf("stale symlink not replaced, target = %q", target)
	}
}

func TestKmsgRotation(t *testing.T) {
	dataDir := t.TempDir()
	layout := rom.Layout{DataDir: dataDir}

	if err := os.WriteFile(layout.KmsgFile(), []byte("X"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := filepath.Join(dataDir, "libloader.so")
	if err := EnsureBootFiles(layout, filepath.Join(dataDir, "rootfs"), loader, false); err != nil {
		t.Fatalf("ensure boot files: %v", err)
	}

	data, err := os.ReadFile(layout.LastKmsgFile())
	if err != nil {
		t.Fatalf("last_kmsg missing: %v", err)
	}
	if string(data) != "X" {
		t.Errorf("last_kmsg = %q, want %q", data, "X")
	}
	fi, err := os.Stat(layout.KmsgFile())
	if err != nil {
		t.Fatalf("fresh kmsg missing: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("fresh kmsg not empty: %d bytes", fi.Size())
	}
}

func TestSetupRootfsEnvironment(t *testing.T) {
	rootfs := t.TempDir()
	SetupRootfsEnvironment(rootfs)

	for _, dir := range []string{"dev/shm", "dev/graphics", "data/system", "dev/hwbinder"} {
		fi, err := os.Stat(filepath.Join(rootfs, dir))
		if err != nil || !fi.IsDir() {
			t.Errorf("directory %s missing: %v", dir, err)
		}
	}

	// Idempotent over an existing tree.
	SetupRootfsEnvironment(rootfs)
}

func TestParentPid(t *testing.T) {
	if got := parentPid(os.Getpid()); got != os.Getppid() {
		t.Errorf("parentPid(self) = %d, want %d", got, os.Getppid())
	}
	if got := parentPid(1 << 30); got != -1 {
		t.Errorf("parentPid(bogus) = %d, want -1", got)
	}
}
