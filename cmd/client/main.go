// Package main is the command line client of the plugin repository. It
// uploads plugin archives and administers published plugins.
package main

import (
	"cmp"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/atinyakov/PluginRepo/internal/client"
	"github.com/atinyakov/PluginRepo/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// settings resolves flags and GBD_ environment variables, e.g. GBD_SERVER.
var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:           "pluginrepo-client",
	Short:         "Upload and manage plugins on a QGIS plugin repository",
	Version:       fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	password := settings.GetString("password")
	if settings.GetString("user") != "" && password == "" {
		p, err := client.Prompt(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
		if err != nil {
			return nil, err
		}
		password = p
	}
	return client.New(client.Options{
		BaseURL:  settings.GetString("server"),
		User:     settings.GetString("user"),
		Password: password,
		CAFile:   settings.GetString("ca_file"),
		Insecure: settings.GetBool("insecure"),
		Timeout:  settings.GetDuration("timeout"),
	})
}

var uploadCmd = &cobra.Command{
	Use:   "upload <plugin.zip>...",
	Short: "Upload plugin archives",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var failed int
		for _, path := range args {
			res, err := c.Upload(cmd.Context(), path)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				continue
			}
			action := "updated"
			if res.Created {
				action = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s %s (id %d)\n", path, action, res.FileName, res.Version, res.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args))
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the plugins visible to the current user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		qgis, _ := cmd.Flags().GetString("qgis")
		entries, err := c.Feed(cmd.Context(), qgis)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tVERSION\tQGIS\tPUBLIC\tDOWNLOADS\tFILE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s-%s\t%s\t%d\t%s\n",
				e.ID, e.Name, e.Version, e.QGISMinimum, e.QGISMaximum, e.Public, e.Downloads, e.FileName)
		}
		return tw.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		return c.Delete(cmd.Context(), id)
	},
}

var accessCmd = &cobra.Command{
	Use:   "access <id>",
	Short: "Set the visibility of a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		public, _ := cmd.Flags().GetBool("public")
		roles, _ := cmd.Flags().GetInt64Slice("role")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		return c.SetAccess(cmd.Context(), id, public, roles)
	},
}

var voteCmd = &cobra.Command{
	Use:   "vote <id> <1-5>",
	Short: "Rate a plugin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		vote, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid vote %q", args[1])
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		return c.Vote(cmd.Context(), id, vote)
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid plugin id %q", s)
	}
	return id, nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("server", "s", "http://localhost:8080", "repository base URL")
	pf.StringP("user", "u", "", "user name for basic auth")
	pf.StringP("password", "p", "", "password (prompted when a user is set)")
	pf.String("ca-file", "", "PEM CA bundle trusted for HTTPS")
	pf.Bool("insecure", false, "skip server certificate verification")
	pf.Duration("timeout", client.DefaultTimeout, "request timeout")

	settings.SetEnvPrefix(config.EnvPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, name := range []string{"server", "user", "password", "ca-file", "insecure", "timeout"} {
		_ = settings.BindPFlag(strings.ReplaceAll(name, "-", "_"), pf.Lookup(name))
	}

	listCmd.Flags().String("qgis", "", "only plugins compatible with this QGIS version")
	accessCmd.Flags().Bool("public", false, "make the plugin visible to everyone")
	accessCmd.Flags().Int64Slice("role", nil, "role id allowed to see the plugin, may be repeated")

	rootCmd.AddCommand(uploadCmd, listCmd, deleteCmd, accessCmd, voteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
