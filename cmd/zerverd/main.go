// Command zerverd runs the Zerver request engine as a standalone HTTP
// daemon: load config, wire the reactor pools and effect backends, bind
// the router, and serve until a shutdown signal arrives.
package main

import (
	"fmt"
	"os"

	"github.com/monstercameron/zerver/internal/config"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "zerverd",
		Short: "Zerver request engine daemon",
		Long:  "Run the Zerver effect-oriented request engine as an HTTP daemon",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file (defaults to built-in defaults + env overrides)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
