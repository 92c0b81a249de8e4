package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"img-harvester/pkg/config"
)

// globalOptions are the persistent flags shared by every subcommand
type globalOptions struct {
	configFile string
	logLevel   string
}

// NewRootCmd creates the root command for img-harvester.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "img-harvester",
		Short: "Download the images of a page and of the pages it links to",
		Long: `img-harvester fetches a root web page, saves every image embedded in it,
then follows the page's links one hop deep. Links pointing straight at an image
are saved as-is; linked HTML pages are scanned and their images saved too.

Configuration is read from --config, or from ` + config.DefaultConfigPath() + `
when present, and may be overridden with ` + config.EnvPrefix + `* environment variables.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to YAML config file (default "+config.DefaultConfigPath()+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(NewHarvestCmd(opts))
	cmd.AddCommand(NewValidateCmd(opts))
	cmd.AddCommand(NewVersionCmd())

	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setupLogger builds the process logger; progress lines go to out
func setupLogger(logLevelStr string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Debugf("Setting log level to: %s", level.String())
	}

	return log
}
