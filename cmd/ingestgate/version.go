package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clipforge/ingestgate/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("ingestgate %s\n", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
