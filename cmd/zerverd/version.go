package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...";
// the zero value prints as "dev".
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the zerverd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("zerverd", version)
			return nil
		},
	}
}
