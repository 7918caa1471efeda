package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "twoyi-server",
	Short: "twoyi container server",
	Long: `twoyi-server hosts a guest Android userspace as an unprivileged
process tree and exposes it over the network for remote rendering and
input.

A control client connects over TCP, receives a JSON status banner, and
issues line-delimited JSON commands: container lifecycle, status, touch
and key events.`,
	RunE: runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "/data/data/io.twoyi", "Daemon data directory")
	rootCmd.PersistentFlags().String("s3-bucket", "twoyi-roms", "ROM archive bucket")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "ROM archive bucket region")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "Install workflow BoltDB path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")

	rootCmd.Flags().StringP("rootfs", "r", "", "Guest rootfs directory (default: active profile)")
	rootCmd.Flags().StringP("listen", "b", "0.0.0.0:9876", "Control-plane bind endpoint")
	rootCmd.Flags().IntP("width", "W", 720, "Screen width")
	rootCmd.Flags().IntP("height", "H", 1280, "Screen height")
	rootCmd.Flags().IntP("dpi", "d", 320, "Screen DPI")
	rootCmd.Flags().StringP("loader", "l", "", "Renderer loader library path")
	rootCmd.Flags().String("launcher", "", "Binding launcher binary (default: run guest init directly)")
	rootCmd.Flags().String("extract-rootfs", "", "Archive to materialize into the rootfs before starting")
	rootCmd.Flags().BoolP("setup", "s", false, "Setup mode: serve without launching the container")
	rootCmd.Flags().Bool("stream", true, "Attach the screen streamer to client sessions")

	viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.BindPFlag("rootfs", rootCmd.Flags().Lookup("rootfs"))
	viper.BindPFlag("listen", rootCmd.Flags().Lookup("listen"))
	viper.BindPFlag("width", rootCmd.Flags().Lookup("width"))
	viper.BindPFlag("height", rootCmd.Flags().Lookup("height"))
	viper.BindPFlag("dpi", rootCmd.Flags().Lookup("dpi"))
	viper.BindPFlag("loader", rootCmd.Flags().Lookup("loader"))
	viper.BindPFlag("launcher", rootCmd.Flags().Lookup("launcher"))
	viper.BindPFlag("extract-rootfs", rootCmd.Flags().Lookup("extract-rootfs"))
	viper.BindPFlag("setup", rootCmd.Flags().Lookup("setup"))
	viper.BindPFlag("stream", rootCmd.Flags().Lookup("stream"))
}
