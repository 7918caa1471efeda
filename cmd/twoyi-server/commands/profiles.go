package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/twoyi/twoyi-server/internal/config"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List container profiles and their rootfs state",
	RunE:  runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles(cmd *cobra.Command, args []string) error {
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
	active := profiles.Active()

	fmt.Printf("%-20s %-38s %-8s %-6s %-12s %-6s\n", "NAME", "ID", "MODE", "PORT", "LAST USED", "ROOTFS")
	fmt.Println("--------------------------------------------------------------------------------------------")

	for _, p := range profiles.SortedByLastUsed() {
		marker := ""
		if p.ID == active.ID {
			marker = " *"
		}
		initialized := "-"
		if profiles.Initialized(p) {
			initialized = "ready"
		}
		lastUsed := time.UnixMilli(p.LastUsedAt).Format("2006-01-02")
		fmt.Printf("%-20s %-38s %-8s %-6s %-12s %-6s%s\n",
			p.Name, p.ID, p.Mode, p.ControlPort, lastUsed, initialized, marker)
	}

	return nil
}
