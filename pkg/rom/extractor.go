package rom

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/twoyi/twoyi-server/pkg/errors"
)

// Extract unpacks a ROM archive into destDir, preserving entry kinds.
// Directories and links that fail to materialize are logged and skipped;
// a failed file payload write aborts with an error naming the entry.
// Extraction over an existing tree is idempotent: entries replace
// whatever is already there.
func Extract(archivePath, destDir string) error {
	slog.Info("extraction_started", "archive", archivePath, "dest", destDir)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create rootfs directory")
	}

	tr, closer, err := openArchive(archivePath)
	if err != nil {
		return err
	}
	defer closer.Close()

	var files, dirs, links int
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "tar read error")
		}

		name := entryName(header.Name)
		if name == "" {
			continue
		}
		if err := validateEntryPath(name); err != nil {
			if header.Typeflag == tar.TypeReg {
				return err
			}
			slog.Warn("entry_rejected", "name", header.Name, "error", err)
			continue
		}

		target := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				slog.Warn("dir_create_failed", "path", target, "error", err)
			} else {
				dirs++
			}

		case tar.TypeSymlink:
			// The link target is created literally; it resolves inside
			// the guest's own root, not against destDir.
			if err := replaceLink(target, func() error {
				return os.Symlink(header.Linkname, target)
			}); err != nil {
				slog.Warn("symlink_create_failed", "path", target, "target", header.Linkname, "error", err)
			} else {
				links++
			}

		case tar.TypeLink:
			linkSource := filepath.Join(destDir, entryName(header.Linkname))
			if err := replaceLink(target, func() error {
				return os.Link(linkSource, target)
			}); err != nil {
				slog.Warn("hardlink_create_failed", "path", target, "target", linkSource, "error", err)
			} else {
				links++
			}

		case tar.TypeReg:
			if err := writeFileEntry(tr, target, header.Mode); err != nil {
				return errors.Wrap(err, fmt.Sprintf("failed to write %s", name))
			}
			files++
		}
	}

	slog.Info("extraction_complete", "archive", archivePath, "files", files, "dirs", dirs, "links", links)
	return nil
}

// replaceLink ensures the parent directory exists, removes any previous
// entry at the link path, then runs create.
func replaceLink(target string, create func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return create()
}

// writeFileEntry streams a regular file entry to disk. The executable
// bit is widened to everyone when the archive mode carries any exec bit.
func writeFileEntry(r io.Reader, target string, mode int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	perm := os.FileMode(0644)
	if mode&0111 != 0 {
		perm = 0755
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// O_CREATE only applies perm to new files; re-extraction over an
	// existing tree must still end with the archive's exec bit.
	return os.Chmod(target, perm)
}

// validateEntryPath rejects archive entries that would escape the
// destination directory.
func validateEntryPath(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("absolute path not allowed: %s", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %s", name)
	}
	return nil
}
