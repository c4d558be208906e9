// Package cmd implements the sweepctl operator commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sweepdesk.io/internal/config"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	outputFormat string
	configPath   string
)

var rootCmd = &cobra.Command{
	Use:   "sweepctl",
	Short: "Operator CLI for the sweepdesk identity core",
	Long: `sweepctl inspects the permission catalog and manages sessions
of a sweepdesk deployment. Commands that touch sessions read the same
SWEEPDESK_* settings as the API server and require a postgres DSN.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SWEEPDESK_CONFIG"), "Path to a YAML config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.PGDSN == "" {
		return config.Config{}, fmt.Errorf("SWEEPDESK_PG_DSN is required for this command")
	}
	return cfg, nil
}

// formatOutput writes data as json or yaml and reports whether it did.
func formatOutput(w io.Writer, data any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", outputFormat)
	}
}
