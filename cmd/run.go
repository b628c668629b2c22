package cmd

import (
	"context"

	"github.com/matheuscscp/net-stack/observability"
	"github.com/matheuscscp/net-stack/stack"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <yaml-config-file>",
	Short: "Run a stack until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := contextWithCancelOnInterrupt(context.Background())
		defer cancel()

		s, err := stack.NewFromConfigFile(ctx, args[0])
		if err != nil {
			return err
		}
		defer s.Close()
		conf := s.Config()
		l := logrus.WithField(observability.StackName, conf.StackName)

		// serve metrics
		if conf.MetricsAddr != "" {
			wait, err := observability.ServeMetrics(ctx, conf.MetricsAddr)
			if err != nil {
				return err
			}
			defer wait()
		}

		// open echo ports
		for _, port := range conf.UDPEcho {
			s.OpenUDPEcho(port)
			l.
				WithField("port", port).
				Info("udp echo port open")
		}

		l.Info("stack running")
		if err := s.Run(ctx); err != nil {
			return err
		}
		l.Info("stack stopped")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
