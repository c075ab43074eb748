package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Install a metrics agent on remote Linux and Windows hosts",
	Long: `provisioner installs a Prometheus exporter (node_exporter on Linux, windows_exporter on Windows)
on a remote host, trying every transport the host may offer:

- Linux: SSH
- Windows: RPC exec (SMB 445), then remote management (WinRM 5985/5986), then OpenSSH

Every step is checked before the host is changed (connectivity, OS, free disk space). A failed
installation is rolled back.

Run a single installation:

provisioner install admin@10.0.0.5 --os windows --profile recommended

Or serve the HTTP API:

provisioner serve --config config.yaml
`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd, installCmd, probeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
