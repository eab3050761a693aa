package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atinyakov/PluginRepo/internal/certgen"
	"github.com/spf13/cobra"
)

var (
	flagCertDir  string
	flagHosts    []string
	flagValidity time.Duration
)

// certCmd writes ca.crt, ca.key, server.crt and server.key into a directory.
// An existing CA in that directory is reused so clients keep trusting it.
var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a private CA and a server certificate for HTTPS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(flagCertDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", flagCertDir, err)
		}
		caCert := filepath.Join(flagCertDir, "ca.crt")
		caKey := filepath.Join(flagCertDir, "ca.key")

		ca, err := certgen.Load(caCert, caKey)
		if errors.Is(err, os.ErrNotExist) {
			ca, err = certgen.NewCA("Plugin Repository CA", 10*365*24*time.Hour)
			if err == nil {
				err = ca.WriteFiles(caCert, caKey)
			}
		}
		if err != nil {
			return err
		}

		srv, err := certgen.NewServerCert(flagHosts, ca, flagValidity)
		if err != nil {
			return err
		}
		srvCert := filepath.Join(flagCertDir, "server.crt")
		srvKey := filepath.Join(flagCertDir, "server.key")
		if err := srv.WriteFiles(srvCert, srvKey); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "server certificate for %v written to %s\n", flagHosts, flagCertDir)
		fmt.Fprintf(out, "serve with --tls-cert %s --tls-key %s\n", srvCert, srvKey)
		fmt.Fprintf(out, "clients trust it with --ca-file %s\n", caCert)
		return nil
	},
}

func init() {
	certCmd.Flags().StringVar(&flagCertDir, "dir", "certs", "output directory")
	certCmd.Flags().StringSliceVar(&flagHosts, "host", []string{"localhost", "127.0.0.1"}, "DNS name or IP of the server, may be repeated")
	certCmd.Flags().DurationVar(&flagValidity, "validity", 365*24*time.Hour, "server certificate validity")

	rootCmd.AddCommand(certCmd)
}
