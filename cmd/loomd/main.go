// Command loomd runs the branching conversation agent.
//
// Usage:
//
//	loomd serve                 run the agent until SIGINT/SIGTERM
//	loomd tree --character ID   print a character's tree as JSON
//
// Configuration comes from the environment; see internal/config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "loomd",
	Short:         "Branching conversation agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, treeCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
