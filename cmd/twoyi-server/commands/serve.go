package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/twoyi/twoyi-server/internal/config"
	"github.com/twoyi/twoyi-server/pkg/boot"
	"github.com/twoyi/twoyi-server/pkg/container"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/profile"
	"github.com/twoyi/twoyi-server/pkg/rom"
	"github.com/twoyi/twoyi-server/pkg/server"
	"golang.org/x/sys/unix"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if cfg.Verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("twoyi_server_starting",
		"listen", cfg.Listen,
		"geometry", fmt.Sprintf("%dx%d@%ddpi", cfg.Width, cfg.Height, cfg.DPI),
		"data_dir", cfg.DataDir,
		"setup_mode", cfg.Setup,
	)

	store, err := kv.Open(filepath.Join(cfg.DataDir, "app_kv.db"))
	if err != nil {
		return errors.Wrap(err, "kv store init failed")
	}
	defer store.Close()
	appKV := store.Namespace(kv.AppNamespace)

	layout := rom.Layout{DataDir: cfg.DataDir}
	profiles := profile.NewStore(appKV, cfg.DataDir)
	installer := &rom.Manager{Layout: layout, KV: appKV, DPI: cfg.DPI}
	sup := container.New()

	srv := server.New(server.Config{
		Listen:         cfg.Listen,
		Width:          cfg.Width,
		Height:         cfg.Height,
		DPI:            cfg.DPI,
		RootfsOverride: cfg.Rootfs,
		Loader:         cfg.Loader,
		Launcher:       cfg.Launcher,
		Setup:          cfg.Setup,
		Stream:         cfg.Stream,
		ReapOrphans:    true,
		Verbose:        cfg.Verbose,
		BootTimeout:    time.Duration(cfg.BootTimeoutSec) * time.Second,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSec) * time.Second,
	}, layout, profiles, installer, appKV, sup)

	rootfsDir := srv.ActiveRootfsDir()

	if cfg.ExtractRootfs != "" {
		slog.Info("pre_extract", "archive", cfg.ExtractRootfs, "rootfs", rootfsDir)
		if err := rom.Extract(cfg.ExtractRootfs, rootfsDir); err != nil {
			return errors.Wrap(err, "rootfs extraction failed")
		}
	}

	initPath := filepath.Join(rootfsDir, "init")
	if _, err := os.Stat(initPath); err != nil {
		if cfg.Setup {
			slog.Warn("rootfs_not_initialized", "rootfs", rootfsDir)
		} else if _, serr := os.Stat(layout.BundledRom()); serr != nil {
			return errors.Wrap(err, "rootfs not initialized and no staged rom archive")
		}
	}

	if cfg.Setup {
		boot.SetupRootfsEnvironment(rootfsDir)
		slog.Info("setup_mode", "hint", "start the container manually: cd "+rootfsDir+" && ./init")
	} else {
		// Boot in the background; the control plane is reachable while
		// the guest comes up and clients observe the state transitions.
		go func() {
			if err := srv.StartContainer(); err != nil {
				slog.Error("auto_start_failed", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	go func() {
		s := <-sig
		slog.Info("shutdown_signal", "signal", s.String())
		srv.Close()
	}()

	return srv.Run()
}
