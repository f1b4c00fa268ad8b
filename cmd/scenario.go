package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/isodb/flags"
	"github.com/leftmike/isodb/scenario"
)

var (
	scenarioCmd = &cobra.Command{
		Use:   "scenario [name ...]",
		Short: "Run isolation scenarios at every isolation level",
		Long: "Run the named scenarios, or all of them, at every isolation level and print " +
			"what each one observed. Scenarios: " + strings.Join(scenario.Scenarios(), ", "),
		RunE: scenarioRun,
	}

	hold = scenario.DefaultHold
)

func init() {
	fs := scenarioCmd.Flags()
	fs.DurationVar(&hold, "hold", hold,
		"how long the first transaction of a scenario holds before finishing")
	cfg.Flag(fs, "hold")

	isodbCmd.AddCommand(scenarioCmd)
}

func printResults(w io.Writer, results []scenario.Result) int {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"scenario", "level", "observed", "waited", "expected"})

	var mismatches int
	for _, res := range results {
		var obs []string
		for _, o := range res.Observations {
			obs = append(obs, o.String())
		}
		matches := res.Matches()
		if !matches {
			mismatches += 1
		}
		tw.Append([]string{
			res.Scenario,
			res.Level.String(),
			strings.Join(obs, " "),
			fmt.Sprintf("%v", res.Waited),
			fmt.Sprintf("%v", matches),
		})
	}
	tw.Render()
	return mismatches
}

func scenarioRun(cmd *cobra.Command, args []string) error {
	for _, name := range args {
		if _, ok := scenario.Lookup(name); !ok {
			return fmt.Errorf("isodb: unknown scenario: %s; expected one of %s", name,
				strings.Join(scenario.Scenarios(), ", "))
		}
	}

	mgr, st, err := newManager()
	if err != nil {
		return err
	}
	defer st.Close()

	results, err := scenario.RunMatrix(context.Background(), mgr, args,
		scenario.Options{Hold: hold})
	if err != nil {
		return err
	}

	mismatches := printResults(os.Stdout, results)
	if mismatches > 0 && flgs.GetFlag(flags.CheckScenarios) {
		return fmt.Errorf("isodb: %d of %d results not as expected", mismatches, len(results))
	}
	return nil
}
