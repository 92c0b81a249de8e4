package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"img-harvester/pkg/config"
)

var errInvalidConfig = errors.New("configuration invalid")

// NewValidateCmd creates the validate command.
func NewValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration the same way harvest does (file, then environment)
and report warnings and errors without fetching anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if code := doValidate(opts.configFile, cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				return errInvalidConfig
			}
			return nil
		},
	}
}

// doValidate loads and validates the configuration, returning an exit code
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, source, envWarnings, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if source == "" {
		fmt.Fprintln(stdout, "No config file found, using defaults")
	} else {
		fmt.Fprintf(stdout, "Config file: %s\n", source)
	}
	for _, w := range envWarnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: workers %d/%d, timeout %v, output %s\n",
		appCfg.NumLinkWorkers, appCfg.NumImageWorkers, appCfg.HTTPClientSettings.Timeout, appCfg.Defaults.OutputDir)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}
