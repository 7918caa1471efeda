package rom

import (
	"archive/tar"
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/ulikunitz/xz"
)

// openArchive opens a ROM archive and returns a tar reader over its
// decompressed stream. The compression format is inferred from the file
// name suffix only: .tar.gz/.tgz gzip, .tar.xz/.txz xz, anything else is
// treated as a plain tarball. The returned closer releases the underlying
// file.
func openArchive(path string) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open archive")
	}

	br := bufio.NewReaderSize(f, 1<<20)

	var r io.Reader
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, errors.Wrap(err, "failed to open gzip stream")
		}
		r = gz
	case strings.HasSuffix(path, ".tar.xz"), strings.HasSuffix(path, ".txz"):
		xr, err := xz.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, errors.Wrap(err, "failed to open xz stream")
		}
		r = xr
	default:
		r = br
	}

	return tar.NewReader(r), f, nil
}

// entryName strips a leading "./" from a tar entry name. Empty results
// are skipped by callers.
func entryName(name string) string {
	return strings.TrimPrefix(name, "./")
}
