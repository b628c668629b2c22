package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/matheuscscp/net-stack/observability"
	"github.com/matheuscscp/net-stack/stack"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	udpSendSrcPort uint16
	udpSendWait    time.Duration

	udpSendCmd = &cobra.Command{
		Use:   "udp-send <yaml-config-file> <ip:port> <message>",
		Short: "Send a UDP datagram from a stack",
		Long: "Send a UDP datagram from a stack. The stack keeps polling the wire for " +
			"a while so that ARP resolution can complete and the datagram can be flushed.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := netip.ParseAddrPort(args[1])
			if err != nil {
				return fmt.Errorf("error parsing dst address: %w", err)
			}

			ctx, cancel := contextWithCancelOnInterrupt(context.Background())
			defer cancel()

			s, err := stack.NewFromConfigFile(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.UDP().SendTo(ctx, []byte(args[2]), udpSendSrcPort, dst); err != nil {
				return err
			}
			logrus.
				WithField(observability.StackName, s.Config().StackName).
				WithField("dst", dst.String()).
				WithField("src_port", udpSendSrcPort).
				Info("udp datagram sent")

			return runFor(ctx, s, udpSendWait)
		},
	}
)

func init() {
	udpSendCmd.Flags().Uint16Var(&udpSendSrcPort, "src-port", 65535, "src port of the datagram")
	udpSendCmd.Flags().DurationVar(&udpSendWait, "wait", 2*time.Second, "how long to keep polling the wire after sending")
	rootCmd.AddCommand(udpSendCmd)
}

// runFor runs s until d elapses or ctx is done.
func runFor(ctx context.Context, s *stack.Stack, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.Run(ctx)
}
