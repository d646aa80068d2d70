// Command trustcore-cli operates on a trust core deployment over a direct
// database connection: chain verification, ledger queries, signer registry
// management and multisig governance.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Build-time variables set via ldflags.
var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

var (
	flagDB           string
	flagFmt          string
	flagSignerID     string
	flagRatifyWindow time.Duration
)

func versionString() string {
	if commit != "" && buildDate != "" {
		return fmt.Sprintf("trustcore version %s (commit: %s, built: %s)", version, commit, buildDate)
	}
	return fmt.Sprintf("trustcore version %s-dev", version)
}

type configFile struct {
	DB       string `yaml:"db"`
	SignerID string `yaml:"signer_id"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "trustcore",
		Short:   "Trust core CLI — tamper-evident audit ledger operations",
		Version: versionString(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			resolveConfig()
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Postgres connection string (env: TRUSTCORE_DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagFmt, "format", "json", "Output format: json|table|quiet")
	rootCmd.PersistentFlags().StringVar(&flagSignerID, "signer-id", "trustcore-cli", "Signing identity for mutating commands (env: TRUSTCORE_SIGNER_ID)")
	rootCmd.PersistentFlags().DurationVar(&flagRatifyWindow, "ratify-window", 0, "How long a break-glass override may await retroactive approvals, 0 for the 72h default (env: TRUSTCORE_RATIFY_WINDOW)")

	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newEventCmd())
	rootCmd.AddCommand(newProposalCmd())
	rootCmd.AddCommand(newSignerCmd())
	rootCmd.AddCommand(newManifestCmd())
	rootCmd.AddCommand(newKeygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfig() {
	// Flag takes precedence, then env, then config file.
	if flagDB == "" {
		flagDB = os.Getenv("TRUSTCORE_DATABASE_URL")
	}
	if flagSignerID == "trustcore-cli" {
		if v := os.Getenv("TRUSTCORE_SIGNER_ID"); v != "" {
			flagSignerID = v
		}
	}
	if flagRatifyWindow == 0 {
		if v := os.Getenv("TRUSTCORE_RATIFY_WINDOW"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				flagRatifyWindow = d
			}
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	cfgPath := filepath.Join(home, ".trustcore", "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return
	}
	if flagDB == "" && cfg.DB != "" {
		flagDB = cfg.DB
	}
	if flagSignerID == "trustcore-cli" && cfg.SignerID != "" {
		flagSignerID = cfg.SignerID
	}
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}
