package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/sms-dispatch/internal/config"
)

func newProvidersCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Check connectivity of every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			setupLogger(cfg.Log)

			reg, err := buildRegistry(cfg.Providers)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tDEFAULT\tHEALTHY\tLATENCY\tERROR")

			unhealthy := 0
			for _, name := range reg.Names() {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				h, err := reg.Test(ctx, name)
				cancel()
				if err != nil {
					return err
				}
				if !h.Healthy {
					unhealthy++
				}
				fmt.Fprintf(tw, "%s\t%v\t%v\t%dms\t%s\n", name, name == reg.Default(), h.Healthy, h.LatencyMs, h.Error)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d provider(s) unhealthy", unhealthy)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-provider check timeout")
	return cmd
}
