package commands

import (
	"os"
	"path/filepath"

	"github.com/twoyi/twoyi-server/pkg/errors"
)

// ensureDirectories creates the data and workflow directories commands
// depend on.
func ensureDirectories(dataDir, fsmDBPath string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "files"), 0755); err != nil {
		return errors.Wrap(err, "failed to create staging directory")
	}
	if fsmDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(fsmDBPath), 0755); err != nil {
			return errors.Wrap(err, "failed to create workflow directory")
		}
	}
	return nil
}
