package rom

import "path/filepath"

// Layout resolves the persisted state layout under the daemon's data
// directory:
//
//	<data>/rootfs[_<id>]          per-profile rootfs trees
//	<data>/loader64               symlink to the renderer loader
//	<data>/socket/                unix sockets shared with the guest
//	<data>/files/rootfs.tar.gz    staged bundled ROM
//	<data>/files/rootfs_3rd.tar.gz staged third-party ROM
//	<data>/kmsg, <data>/last_kmsg guest kernel log captures
type Layout struct {
	DataDir string
}

// BundledRomName is the file name of the staged factory ROM archive.
const BundledRomName = "rootfs.tar.gz"

// ThirdPartyRomName is the file name of the staged sideloaded ROM archive.
const ThirdPartyRomName = "rootfs_3rd.tar.gz"

// FilesDir returns the staging directory for ROM archives.
func (l Layout) FilesDir() string {
	return filepath.Join(l.DataDir, "files")
}

// BundledRom returns the path of the staged bundled ROM archive.
func (l Layout) BundledRom() string {
	return filepath.Join(l.FilesDir(), BundledRomName)
}

// ThirdPartyRom returns the path of the staged third-party ROM archive.
func (l Layout) ThirdPartyRom() string {
	return filepath.Join(l.FilesDir(), ThirdPartyRomName)
}

// SocketDir returns the unix socket directory shared with the guest.
func (l Layout) SocketDir() string {
	return filepath.Join(l.DataDir, "socket")
}

// BootDoneSocket returns the path of the boot-complete latch socket.
func (l Layout) BootDoneSocket() string {
	return filepath.Join(l.SocketDir(), "boot-done")
}

// LoaderSymlink returns the path of the loader64 symlink the guest
// dynamically links against.
func (l Layout) LoaderSymlink() string {
	return filepath.Join(l.DataDir, "loader64")
}

// KmsgFile returns the current guest kernel log capture.
func (l Layout) KmsgFile() string {
	return filepath.Join(l.DataDir, "kmsg")
}

// LastKmsgFile returns the rotated capture from the previous boot.
func (l Layout) LastKmsgFile() string {
	return filepath.Join(l.DataDir, "last_kmsg")
}

// VendorPropFile returns the vendor property file inside a rootfs.
func VendorPropFile(rootfsDir string) string {
	return filepath.Join(rootfsDir, "vendor", "default.prop")
}

// InitBinary returns the guest init path inside a rootfs. A rootfs is
// initialized iff this file exists as a regular file.
func InitBinary(rootfsDir string) string {
	return filepath.Join(rootfsDir, "init")
}
