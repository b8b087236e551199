package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/datadir"
	"github.com/jkaninda/warden/internal/policy"
)

var initDataDir string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory with a starter config and policy file",
	Long: `Create the warden data directory (default ~/.warden) containing
config.yaml and policies.yaml. Existing files are left untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "", "data directory (default ~/.warden or WARDEN_DATA_DIR)")
}

const starterConfig = `# Warden configuration. Environment variables (WARDEN_*) override these values.
workspace: ""          # root every command is fenced to; empty = current directory
policies_file: %q

executor:
  kill_grace_ms: 2000
  drain_timeout_ms: 2000
  report_max_bytes: 65536

venv:
  cache_ttl_seconds: 300

logging:
  level: info
  format: text
  file: %q

storage:
  driver: sqlite

gateways:
  http:
    listen_addr: ":8080"
    max_concurrent: 4
    rate_limit:
      requests_per_minute: 60
      burst_size: 10
  mcp:
    per_program_tools: true
`

func runInit(_ *cobra.Command, _ []string) error {
	root := initDataDir
	if root == "" {
		root = config.Default().ResolvedDataDir()
	}
	dir, err := datadir.New(root)
	if err != nil {
		return err
	}
	if err := dir.EnsureAll(); err != nil {
		return err
	}

	files := []struct {
		path string
		data []byte
	}{
		{dir.ConfigPath(), fmt.Appendf(nil, starterConfig, dir.PoliciesPath(), filepath.Join(dir.LogsDir(), "warden.log"))},
		{dir.PoliciesPath(), policy.DefaultsYAML()},
	}
	for _, f := range files {
		wrote, err := dir.WriteIfAbsent(f.path, f.data, 0o640)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Printf("created %s\n", f.path)
		} else {
			fmt.Printf("exists  %s (left unchanged)\n", f.path)
		}
	}
	return nil
}
