package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/leftmike/isodb/repl"
)

func init() {
	isodbCmd.AddCommand(
		&cobra.Command{
			Use:   "console",
			Short: "Run an interactive console with concurrent sessions",
			RunE:  consoleRun,
		})
}

func consoleRun(cmd *cobra.Command, args []string) error {
	il, err := defaultLevel()
	if err != nil {
		return err
	}
	mgr, st, err := newManager()
	if err != nil {
		return err
	}
	defer st.Close()

	return repl.Interact(context.Background(), mgr, il)
}
