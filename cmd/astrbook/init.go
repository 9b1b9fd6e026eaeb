package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"astrbook/internal/config"
)

func newInitCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s. Fill in your bot token before running.\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "output", "o", "astrbook.yaml", "where to write the config template")
	return cmd
}
