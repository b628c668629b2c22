package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/matheuscscp/net-stack/stack"

	"github.com/spf13/cobra"
)

var (
	arpWait time.Duration

	arpCmd = &cobra.Command{
		Use:   "arp <yaml-config-file> <ip>",
		Short: "Resolve an IP address with ARP and print the ARP table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := net.ParseIP(args[1]).To4()
			if ip == nil {
				return fmt.Errorf("%q is not a valid ipv4 address", args[1])
			}

			ctx, cancel := contextWithCancelOnInterrupt(context.Background())
			defer cancel()

			s, err := stack.NewFromConfigFile(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ARP().SendRequest(ctx, ip); err != nil {
				return err
			}
			if err := runFor(ctx, s, arpWait); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), s.ARP().String())
			return nil
		},
	}
)

func init() {
	arpCmd.Flags().DurationVar(&arpWait, "wait", time.Second, "how long to wait for ARP replies")
	rootCmd.AddCommand(arpCmd)
}
