// Package main is the plugin repository server. It serves the QGIS plugin
// feed and manages the users and roles of the repository.
package main

import (
	"cmp"
	"fmt"
	"os"

	"github.com/atinyakov/PluginRepo/internal/config"
	"github.com/atinyakov/PluginRepo/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// opts and log are resolved by the root command before any subcommand runs.
var (
	opts *config.Options
	log  = logger.New()
)

var rootCmd = &cobra.Command{
	Use:           "pluginrepo",
	Short:         "QGIS plugin repository server",
	Version:       fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		o, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		opts = o
		return log.InitWithOptions(o.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Log.Sync()
	},
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(roleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Log.Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
