package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	ListenAddr string
}

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Supervise the local backend process",
		Long: "sidecar is the reference embedding of the backend process supervisor:\n" +
			"it provisions the runtime environment, launches the backend, awaits\n" +
			"readiness, and exposes a local status endpoint while it runs.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&gf.ListenAddr, "listen", "127.0.0.1:7070", "status endpoint listen address")
	root.AddCommand(newRunCmd(gf))
	root.AddCommand(newStatusCmd(gf))
	return root
}
