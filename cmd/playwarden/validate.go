package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/playwarden/internal/config"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Playwarden configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump the effective configuration after applying defaults")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		red := color.New(color.FgRed, color.Bold)
		red.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Fprintf(os.Stdout, "Configuration is valid: %s\n", configPath)

	if validateDump {
		fmt.Fprintln(os.Stdout)
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(cfg); err != nil {
			return fmt.Errorf("failed to dump configuration: %w", err)
		}
	}

	return nil
}
