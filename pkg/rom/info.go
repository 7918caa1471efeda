package rom

import (
	"archive/tar"
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RomInfoFile is the metadata file name at the root of a ROM archive or
// an installed rootfs.
const RomInfoFile = "rom.ini"

const defaultInfo = "unknown"

// RomInfo is the metadata carried in rom.ini.
type RomInfo struct {
	Author  string
	Version string
	Desc    string
	MD5     string
	Code    int64
}

// Unknown is the sentinel returned when no valid metadata can be read.
// It never equals any parsed info.
var Unknown = RomInfo{Author: defaultInfo, Version: defaultInfo, Desc: defaultInfo}

// IsValid reports whether this info was actually parsed from a rom.ini.
func (r RomInfo) IsValid() bool {
	return r != Unknown
}

func (r RomInfo) String() string {
	return "RomInfo{author=" + r.Author + ", version=" + r.Version +
		", md5=" + r.MD5 + ", code=" + strconv.FormatInt(r.Code, 10) + "}"
}

// NeedsUpgrade reports whether the bundled ROM should replace the
// current one: true iff the current info is unknown or the bundled code
// is strictly newer.
func NeedsUpgrade(current, bundled RomInfo) bool {
	if !current.IsValid() {
		return true
	}
	return bundled.Code > current.Code
}

// InfoFromArchive scans archive entries until it finds rom.ini and
// parses it. Returns Unknown on any read or parse failure.
func InfoFromArchive(path string) RomInfo {
	tr, closer, err := openArchive(path)
	if err != nil {
		slog.Warn("rom_info_archive_open_failed", "archive", path, "error", err)
		return Unknown
	}
	defer closer.Close()

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Warn("rom_info_archive_read_failed", "archive", path, "error", err)
			return Unknown
		}
		if entryName(header.Name) == RomInfoFile && header.Typeflag == tar.TypeReg {
			return parseInfo(tr)
		}
	}
	return Unknown
}

// InfoFromDir reads <dir>/rom.ini. Returns Unknown on any failure.
func InfoFromDir(dir string) RomInfo {
	f, err := os.Open(filepath.Join(dir, RomInfoFile))
	if err != nil {
		return Unknown
	}
	defer f.Close()
	return parseInfo(f)
}

// parseInfo reads key=value lines. Missing string keys default to
// "unknown", md5 to the empty string and code to 0. A missing or
// malformed code key is not fatal; an unreadable stream is.
func parseInfo(r io.Reader) RomInfo {
	props := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("rom_info_parse_failed", "error", err)
		return Unknown
	}

	info := RomInfo{
		Author:  propOr(props, "author", defaultInfo),
		Version: propOr(props, "version", defaultInfo),
		Desc:    propOr(props, "desc", defaultInfo),
		MD5:     propOr(props, "md5", ""),
	}
	if code, err := strconv.ParseInt(props["code"], 10, 64); err == nil {
		info.Code = code
	}
	if info == Unknown {
		// A rom.ini carrying no recognized keys is indistinguishable
		// from the sentinel; treat it as such.
		return Unknown
	}
	return info
}

func propOr(props map[string]string, key, fallback string) string {
	if v, ok := props[key]; ok && v != "" {
		return v
	}
	return fallback
}
