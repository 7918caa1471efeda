package rom

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
)

// Manager materializes and repairs per-profile rootfs trees from staged
// ROM archives.
type Manager struct {
	Layout Layout
	KV     *kv.Namespace
	DPI    int

	// OnFailure receives extraction errors. Install never raises; the
	// next boot attempt re-evaluates. May be nil.
	OnFailure func(error)
}

// Install decides whether and from which archive to (re)materialize the
// rootfs, after unconditionally wiping the system and vendor partitions.
// Those partitions are fully owned by the installed ROM and must never
// survive a re-install.
func (m *Manager) Install(rootfsDir string, romExists, needsUpgrade, forceInstall, useThirdParty bool) {
	m.wipePartition(rootfsDir, "system")
	m.wipePartition(rootfsDir, "vendor")

	if !romExists {
		// first init
		m.extractBundled(rootfsDir)
		return
	}

	if forceInstall {
		if useThirdParty {
			if !m.extractThirdParty(rootfsDir) {
				return
			}
		} else {
			// factory reset
			if !m.extractBundled(rootfsDir) {
				return
			}
		}
		// Force install finished, reset the state.
		m.KV.SetBool(kv.KeyForceReinstall, false)
		return
	}

	if useThirdParty {
		slog.Warn("third_party_rom_requires_force_install")
		return
	}
	if needsUpgrade {
		slog.Info("upgrading_factory_rom", "rootfs", rootfsDir)
		m.extractBundled(rootfsDir)
	}
}

func (m *Manager) extractBundled(rootfsDir string) bool {
	if err := Extract(m.Layout.BundledRom(), rootfsDir); err != nil {
		m.reportFailure(errors.Wrap(err, "bundled rom extraction failed"))
		return false
	}
	return true
}

func (m *Manager) extractThirdParty(rootfsDir string) bool {
	archive := m.Layout.ThirdPartyRom()
	if _, err := os.Stat(archive); err != nil {
		m.reportFailure(errors.Wrap(err, "third-party rom archive missing"))
		return false
	}
	if err := Extract(archive, rootfsDir); err != nil {
		m.reportFailure(errors.Wrap(err, "third-party rom extraction failed"))
		return false
	}
	return true
}

func (m *Manager) reportFailure(err error) {
	slog.Error("rootfs_install_failed", "error", err)
	if m.OnFailure != nil {
		m.OnFailure(err)
	}
}

func (m *Manager) wipePartition(rootfsDir, partition string) {
	dir := filepath.Join(rootfsDir, partition)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("partition_wipe_failed", "path", dir, "error", err)
	}
}

// InitRootfs writes <rootfs>/vendor/default.prop with host locale,
// timezone and LCD density. Runs after every materialize and before
// every boot.
func (m *Manager) InitRootfs(rootfsDir string) error {
	language, country := hostLocale()
	timezone := hostTimezone()
	slog.Info("vendor_props", "language", language, "country", country, "timezone", timezone, "density", m.DPI)

	propFile := VendorPropFile(rootfsDir)
	if err := os.MkdirAll(filepath.Dir(propFile), 0755); err != nil {
		return errors.Wrap(err, "failed to create vendor directory")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "persist.sys.language=%s\n", language)
	fmt.Fprintf(&b, "persist.sys.country=%s\n", country)
	fmt.Fprintf(&b, "persist.sys.timezone=%s\n", timezone)
	fmt.Fprintf(&b, "ro.sf.lcd_density=%d\n", m.DPI)

	if err := os.WriteFile(propFile, []byte(b.String()), 0644); err != nil {
		return errors.Wrap(err, "failed to write vendor props")
	}
	return nil
}

// hostLocale derives language and country from the LC_ALL/LANG
// environment ("en_US.UTF-8"). Defaults to en/US.
func hostLocale() (language, country string) {
	language, country = "en", "US"

	locale := os.Getenv("LC_ALL")
	if locale == "" {
		locale = os.Getenv("LANG")
	}
	locale, _, _ = strings.Cut(locale, ".")
	lang, ctry, ok := strings.Cut(locale, "_")
	if lang != "" {
		language = lang
	}
	if ok && ctry != "" {
		country = ctry
	}
	return language, country
}

// hostTimezone resolves the host zone id: TZ, then the /etc/localtime
// symlink, then UTC.
func hostTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if link, err := os.Readlink("/etc/localtime"); err == nil {
		if _, zone, ok := strings.Cut(link, "zoneinfo/"); ok {
			return zone
		}
	}
	return "UTC"
}
