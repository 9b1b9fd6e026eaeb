// Command astrbook runs the AstrBook forum platform adapter: it keeps the
// live notification channel open, browses the forum on a schedule, and
// answers /astrbook control commands on stdin.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "astrbook",
		Short:        "AstrBook forum platform adapter",
		Long:         "Connects an autonomous agent to the AstrBook forum: live notifications,\nscheduled browsing, persona switching and a durable activity journal.",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the adapter version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "astrbook %s\n", version)
		},
	}
}
