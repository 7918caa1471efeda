package commands

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/twoyi/twoyi-server/internal/config"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/profile"
	"github.com/twoyi/twoyi-server/pkg/rom"
)

var extractDest string

var extractCmd = &cobra.Command{
	Use:   "extract <archive>",
	Short: "Extract a ROM archive into a rootfs directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func init() {
	extractCmd.Flags().StringVar(&extractDest, "dest", "", "Destination directory (default: active profile rootfs)")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	archive := args[0]

	dest := extractDest
	if dest == "" {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		store, err := kv.Open(filepath.Join(cfg.DataDir, "app_kv.db"))
		if err != nil {
			return errors.Wrap(err, "kv store init failed")
		}
		defer store.Close()
		profiles := profile.NewStore(store.Namespace(kv.AppNamespace), cfg.DataDir)
		dest = profiles.RootfsDir(profiles.Active())
	}

	if err := rom.Extract(archive, dest); err != nil {
		return errors.Wrap(err, "extraction failed")
	}

	info := rom.InfoFromDir(dest)
	slog.Info("extract_done", "dest", dest, "rom", info.String())
	return nil
}
