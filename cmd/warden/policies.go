package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/warden/internal/policy"
	"github.com/jkaninda/warden/internal/validator"
)

var policiesFormat string

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Inspect and validate program policies",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the loaded program policies",
	Args:  cobra.NoArgs,
	RunE:  runPoliciesList,
}

var policiesLintCmd = &cobra.Command{
	Use:   "lint <file>...",
	Short: "Validate policy files without loading them into a running server",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPoliciesLint,
}

var policiesDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the built-in policies as YAML",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Print(string(policy.DefaultsYAML()))
	},
}

func init() {
	policiesListCmd.Flags().StringVarP(&policiesFormat, "output", "o", "table", "output format: table, json or yaml")
	policiesCmd.AddCommand(policiesListCmd, policiesLintCmd, policiesDefaultsCmd)
}

func runPoliciesList(_ *cobra.Command, _ []string) error {
	cfg, _, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	store, err := loadPolicies(cfg)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	summaries := store.Summaries()

	switch policiesFormat {
	case "json":
		data, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(summaries)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROGRAM\tVALIDATOR\tTIMEOUT\tMAX OUTPUT\tVENV\tFLAGS")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%gs\t%d\t%t\t%s\n",
				s.Name, s.Validator, s.DefaultTimeoutSeconds, s.MaxOutputBytes, s.DetectVenv,
				strings.Join(s.AllowedFlags, " "))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q", policiesFormat)
	}
	return nil
}

// runPoliciesLint parses each file and checks that every policy names a
// registered validator. All files are checked before failing.
func runPoliciesLint(_ *cobra.Command, args []string) error {
	registry := validator.DefaultRegistry()
	failed := 0
	for _, path := range args {
		store, err := policy.Load(path)
		if err == nil {
			err = registry.Verify(store)
		}
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: ok (%d policies)\n", path, store.Len())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d policy files invalid", failed, len(args))
	}
	return nil
}
