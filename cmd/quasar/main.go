package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Distributed memcached-protocol caching gateway",
		Long:  "quasar fronts a fleet of memcached-protocol backends with consistent hashing, replication, and fleet membership admin commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "f", "f", "", "Path to config file")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
