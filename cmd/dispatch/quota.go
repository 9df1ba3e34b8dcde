package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/sms-dispatch/internal/config"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/quota"
)

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and manage tenant quotas",
	}
	cmd.AddCommand(newQuotaResetCmd())
	return cmd
}

func newQuotaResetCmd() *cobra.Command {
	var tenantID, resetType string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset usage counters for one tenant, or all tenants when --tenant is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := model.ResetType(resetType)
			if !rt.Valid() {
				return fmt.Errorf("--type must be daily, monthly or both, got %q", resetType)
			}

			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			setupLogger(cfg.Log)
			if cfg.Store.Backend == config.BackendMemory {
				slog.Warn("memory backend: the reset only affects this process")
			}

			st, err := openStores(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			mgr := quota.NewManager(st.tenants)
			out := cmd.OutOrStdout()

			if tenantID == "" {
				n, err := mgr.ResetAll(cmd.Context(), rt)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "reset %s usage for %d tenants\n", rt, n)
				return nil
			}

			snap, err := mgr.ResetUsage(cmd.Context(), tenantID, rt)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "reset %s usage for %s (daily %d, monthly %d)\n",
				rt, tenantID, snap.DailyCount, snap.MonthlyCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&resetType, "type", string(model.ResetBoth), "daily, monthly or both")
	return cmd
}
