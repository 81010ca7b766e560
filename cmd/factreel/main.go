package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "factreel",
	Short:   "Turn facts into short videos with human approval gates",
	Version: version,
	Long: `factreel runs a local daemon that turns text, links, and images into
short fact videos, one channel lane at a time. Scheduled triggers generate
idea batches; every idea and every finished video waits for an explicit
approve or skip before anything is published.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(triggersCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(decideCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
