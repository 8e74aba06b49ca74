package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and connect to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		fmt.Fprintf(cmd.OutOrStdout(), "backend %s at %s: ok\n", cfg.Store.Backend, cfg.Store.ServerString)
		if a.nats != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "cluster bus %s: connected=%t\n", a.bus.Subject(), a.nats.Connected())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
