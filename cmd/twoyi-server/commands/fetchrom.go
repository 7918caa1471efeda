package commands

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/twoyi/twoyi-server/internal/config"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/rom"
	"github.com/twoyi/twoyi-server/pkg/storage"
)

var (
	fetchThirdParty bool
	fetchSHA256     string
)

var fetchRomCmd = &cobra.Command{
	Use:   "fetch-rom <key>",
	Short: "Download a ROM archive into the staging directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetchRom,
}

func init() {
	fetchRomCmd.Flags().BoolVar(&fetchThirdParty, "third-party", false, "Stage as the sideloaded third-party ROM")
	fetchRomCmd.Flags().StringVar(&fetchSHA256, "sha256", "", "Expected archive digest")
	rootCmd.AddCommand(fetchRomCmd)
}

func runFetchRom(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	key := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	layout := rom.Layout{DataDir: cfg.DataDir}
	dest := layout.BundledRom()
	if fetchThirdParty {
		dest = layout.ThirdPartyRom()
	}

	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "storage client failed")
	}

	result, err := client.FetchRom(ctx, key, dest, fetchSHA256)
	if err != nil {
		return errors.Wrap(err, "rom fetch failed")
	}

	info := rom.InfoFromArchive(result.LocalPath)
	if !info.IsValid() {
		slog.Warn("staged_rom_missing_metadata", "path", result.LocalPath)
	}

	// A freshly staged archive must be installed on the next boot.
	store, err := kv.Open(filepath.Join(cfg.DataDir, "app_kv.db"))
	if err != nil {
		return errors.Wrap(err, "kv store init failed")
	}
	defer store.Close()
	appKV := store.Namespace(kv.AppNamespace)
	appKV.SetBool(kv.KeyForceReinstall, true)
	appKV.SetBool(kv.KeyUseThirdPartyRom, fetchThirdParty)

	slog.Info("rom_staged",
		"path", result.LocalPath,
		"sha256", result.SHA256,
		"rom", info.String(),
		"third_party", fetchThirdParty,
	)
	return nil
}
