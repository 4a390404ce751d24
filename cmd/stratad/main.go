package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/strata/internal/cli/admin"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "stratad",
		Short:        "Strata daemon and admin CLI",
		Long:         "Strata daemon for serving tiered retrieval and RAG, plus operator commands for sweeps, cache invalidation and migrations",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.SweepCmd())
	rootCmd.AddCommand(admin.InvalidateCmd())
	rootCmd.AddCommand(admin.MigrateCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
