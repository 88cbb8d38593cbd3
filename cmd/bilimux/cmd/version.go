package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bilimux/bilimux/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		detailed, _ := cmd.Flags().GetBool("detailed")
		jsonOut, _ := cmd.Flags().GetBool("json")

		switch {
		case jsonOut:
			fmt.Println(version.JSON())
		case detailed:
			fmt.Println(version.String())
		default:
			fmt.Println(version.Short())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("detailed", false, "Print detailed build information")
	versionCmd.Flags().Bool("json", false, "Print version information as JSON")
}
