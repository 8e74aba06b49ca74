package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "sessiond serves HTTP sessions persisted in a key-value store",
	Long: `sessiond keeps web sessions in memcached, Redis or PostgreSQL so that they
survive restarts and are shared by every node of a cluster.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")
}
