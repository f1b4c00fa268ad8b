package cmd

import (
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	isodbCmd.AddCommand(
		&cobra.Command{
			Use:   "config",
			Short: "Print the config variables and where their values came from",
			Run: func(cmd *cobra.Command, args []string) {
				printConfig(os.Stdout)
			},
		})
}

func printConfig(w io.Writer) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"name", "by", "value"})
	for _, val := range cfg.Values() {
		tw.Append([]string{val.Name, val.By, val.Value})
	}
	tw.Render()
}
