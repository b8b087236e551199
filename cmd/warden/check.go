package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/report"
)

var checkJSON bool

var checkCmd = &cobra.Command{
	Use:   "check [flags] -- <command line>",
	Short: "Report whether a command would be allowed, without running it",
	Long: `Run every validation step for a command line and print the decision:
the matched policy, resolved working directory, effective limits, fenced
paths and detected virtual environment. Nothing is spawned.

Exits 2 when the command would be denied.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	addExecFlags(checkCmd)
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print the decision as JSON")
}

func runCheck(_ *cobra.Command, args []string) error {
	sc, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	req, err := execRequest(sc, args)
	if err != nil {
		return err
	}
	d := sc.Runner.Check(context.Background(), req)

	if checkJSON {
		data, err := json.MarshalIndent(report.BuildDecision(d), "", "  ")
		if err != nil {
			return fmt.Errorf("encoding decision: %w", err)
		}
		fmt.Println(string(data))
	} else {
		text, err := report.RenderDecision(d)
		if err != nil {
			return fmt.Errorf("rendering decision: %w", err)
		}
		fmt.Print(text)
	}

	if !d.Allowed {
		return &exitError{code: ExitPolicyDenied}
	}
	return nil
}
