package main

import (
	"fmt"

	"github.com/atinyakov/PluginRepo/internal/client"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage repository users",
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage repository roles",
}

var (
	flagPassword  string
	flagSuperuser bool
	flagRoles     []string
)

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := flagPassword
		if password == "" {
			p, err := client.Prompt(cmd.InOrStdin(), cmd.OutOrStdout(), "Password: ")
			if err != nil {
				return err
			}
			password = p
		}

		auth, conn, err := openAuthService()
		if err != nil {
			return err
		}
		defer conn.Close()

		u, err := auth.CreateUser(cmd.Context(), args[0], password, flagSuperuser, flagRoles)
		if err != nil {
			return fmt.Errorf("add user %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", u.Name, u.ID)
		return nil
	},
}

var roleAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, conn, err := openAuthService()
		if err != nil {
			return err
		}
		defer conn.Close()

		r, err := auth.CreateRole(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("add role %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created role %s (id %d)\n", r.Name, r.ID)
		return nil
	},
}

func init() {
	userAddCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "password (prompted when empty)")
	userAddCmd.Flags().BoolVar(&flagSuperuser, "superuser", false, "grant superuser rights")
	userAddCmd.Flags().StringSliceVarP(&flagRoles, "role", "r", nil, "role name, may be repeated")

	userCmd.AddCommand(userAddCmd)
	roleCmd.AddCommand(roleAddCmd)
}
