package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
	"github.com/twoyi/twoyi-server/internal/config"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/profile"
	"github.com/twoyi/twoyi-server/pkg/rom"
)

var (
	installProfileID  string
	installThirdParty bool
)

var installRomCmd = &cobra.Command{
	Use:   "install-rom <archive>",
	Short: "Install a ROM archive into a profile's rootfs",
	Long: `Runs the durable install workflow: stage the archive, wipe the
system and vendor partitions, extract, and re-seed vendor properties.
Each run starts a new workflow; an interrupted install is not resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstallRom,
}

func init() {
	installRomCmd.Flags().StringVar(&installProfileID, "profile", "", "Target profile id (default: active)")
	installRomCmd.Flags().BoolVar(&installThirdParty, "third-party", false, "Stage as the sideloaded third-party ROM")
	rootCmd.AddCommand(installRomCmd)
}

func runInstallRom(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	archive := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg.DataDir, cfg.FSMDBPath); err != nil {
		return err
	}

	store, err := kv.Open(filepath.Join(cfg.DataDir, "app_kv.db"))
	if err != nil {
		return errors.Wrap(err, "kv store init failed")
	}
	defer store.Close()
	appKV := store.Namespace(kv.AppNamespace)

	profiles := profile.NewStore(appKV, cfg.DataDir)
	target := profiles.Active()
	if installProfileID != "" {
		p, ok := profiles.ByID(installProfileID)
		if !ok {
			return fmt.Errorf("unknown profile %q", installProfileID)
		}
		target = p
	}
	rootfsDir := profiles.RootfsDir(target)

	layout := rom.Layout{DataDir: cfg.DataDir}
	installer := &rom.Manager{Layout: layout, KV: appKV, DPI: cfg.DPI}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	pipeline := rom.NewPipeline(installer, cfg.FSMMaxRetries)
	start, _, err := pipeline.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &rom.InstallRequest{
		RootfsDir:   rootfsDir,
		ArchivePath: archive,
		ThirdParty:  installThirdParty,
	}
	resp := &rom.InstallResponse{}

	version, err := start(ctx, archive, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("install_started", "version", version, "profile", target.Name, "rootfs", rootfsDir)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "install workflow failed")
	}

	slog.Info("install_completed",
		"status", resp.Status,
		"rom_code", resp.ArchiveCode,
		"previous_code", resp.CurrentCode,
	)
	return nil
}
