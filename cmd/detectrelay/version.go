package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/detectrelay/detectrelay/internal/config"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "detectrelay %s (commit %s, built %s)\n",
				config.Version, config.GitCommit, config.BuildTime)
		},
	}
}
