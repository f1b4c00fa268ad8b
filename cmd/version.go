package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "isodb 0.1.0"

func init() {
	isodbCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Isodb",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(Version)
			},
		})
}
