package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmslite/agentprov/internal/netdiag"
)

var ProbeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe hostname port",
	Short: "Check whether a TCP port is reachable",
	Long: `Check whether a TCP port is reachable and classify the failure (dns, timeout, refused, network).

Useful before an installation: 22 for SSH, 445 for RPC exec, 5985/5986 for remote management.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[1])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number: %s", args[1])
		}

		res := netdiag.Probe(cmd.Context(), args[0], port, ProbeTimeout)
		fmt.Fprintf(cmd.OutOrStdout(), "%s:%d %s (%s) %s\n", res.Host, res.Port, res.Status, res.Category, res.Message)
		if !res.OK() {
			return fmt.Errorf("%s:%d is not reachable", res.Host, res.Port)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().DurationVar(&ProbeTimeout, "timeout", 5*time.Second, "connection timeout")
}
