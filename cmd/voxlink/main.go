package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "voxlink",
		Short:         "Headless Voxta client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "voxlink.yaml", "path to the YAML config file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newTokenCmd(&configPath))
	return root
}
