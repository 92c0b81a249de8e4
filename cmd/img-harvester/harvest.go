package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"img-harvester/pkg/config"
	"img-harvester/pkg/fetch"
	"img-harvester/pkg/harvest"
	"img-harvester/pkg/models"
	"img-harvester/pkg/parse"
	"img-harvester/pkg/process"
	"img-harvester/pkg/storage"
	"img-harvester/pkg/utils"
)

// harvestOptions holds the harvest command flags
type harvestOptions struct {
	outputDir      string
	sameOrigin     bool
	maxLinks       int
	dated          bool
	linkWorkers    int
	imageWorkers   int
	manifest       bool
	stateDir       string
	ledger         bool
	writeLedgerLog bool
}

// NewHarvestCmd creates the harvest command.
func NewHarvestCmd(global *globalOptions) *cobra.Command {
	return newHarvestCmd(global, &harvestOptions{})
}

func newHarvestCmd(global *globalOptions, opts *harvestOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest <root-url>",
		Short: "Harvest images from a page and its linked pages",
		Long: `Fetch <root-url>, save its images as root_<i>_<name>, then visit its links.
A link to an image is saved as link_<L>_direct_<name>; a linked page has its
images saved as <L>_<j>_<name>. Individual failures are reported and skipped;
only an unreachable root page or an unusable output directory stop the run.

The output directory is printed on success.`,
		Example: `  # Harvest into ./pics/images_<timestamp>
  img-harvester harvest https://example.com/gallery -o ./pics

  # Follow at most 5 links, including other hosts, without a dated subfolder
  img-harvester harvest https://example.com -o ./pics --max-links 5 --same-origin=false --dated=false

  # Record outcomes in the ledger and dump it afterwards
  img-harvester harvest https://example.com -o ./pics --ledger --write-ledger-log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvest(cmd, args[0], global, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.outputDir, "output", "o", "", "Output root directory (default from config, else "+config.DefaultOutputDir+")")
	flags.BoolVar(&opts.sameOrigin, "same-origin", true, "Only follow links on the root page's host")
	flags.IntVar(&opts.maxLinks, "max-links", 0, "Maximum number of links to process (0 = unbounded)")
	flags.BoolVar(&opts.dated, "dated", true, "Write into a fresh images_<timestamp> subfolder")
	flags.IntVar(&opts.linkWorkers, "link-workers", 0, "Links processed concurrently (default from config, else 1)")
	flags.IntVar(&opts.imageWorkers, "image-workers", 0, "Images per page downloaded concurrently (default from config, else 1)")
	flags.BoolVar(&opts.manifest, "manifest", false, "Write a YAML manifest of the run into the output directory")
	flags.StringVar(&opts.stateDir, "state-dir", "", "Directory holding the harvest ledger (default from config, else "+config.DefaultStateDir+")")
	flags.BoolVar(&opts.ledger, "ledger", false, "Record per-URL outcomes in the harvest ledger")
	flags.BoolVar(&opts.writeLedgerLog, "write-ledger-log", false, "Write every URL recorded in the ledger to a text file after the run")

	return cmd
}

// applyFlags overrides config values with the flags the user actually set
func applyFlags(cmd *cobra.Command, appCfg *config.AppConfig, opts *harvestOptions) {
	flags := cmd.Flags()
	if flags.Changed("output") {
		appCfg.Defaults.OutputDir = opts.outputDir
	}
	if flags.Changed("same-origin") {
		appCfg.Defaults.SameOriginOnly = &opts.sameOrigin
	}
	if flags.Changed("dated") {
		appCfg.Defaults.DatedSubfolder = &opts.dated
	}
	if flags.Changed("max-links") {
		appCfg.Defaults.MaxLinks = opts.maxLinks
	}
	if opts.linkWorkers > 0 {
		appCfg.NumLinkWorkers = opts.linkWorkers
	}
	if opts.imageWorkers > 0 {
		appCfg.NumImageWorkers = opts.imageWorkers
	}
	if opts.manifest {
		appCfg.EnableManifest = true
	}
	if opts.stateDir != "" {
		appCfg.StateDir = opts.stateDir
	}
	if opts.ledger || opts.writeLedgerLog {
		appCfg.EnableLedger = true
	}
}

// buildRequest turns the effective configuration into a harvest request
func buildRequest(rootURL string, appCfg *config.AppConfig) models.HarvestRequest {
	return models.HarvestRequest{
		RootURL:        rootURL,
		OutputRoot:     appCfg.Defaults.OutputDir,
		SameOriginOnly: config.GetEffectiveSameOriginOnly(*appCfg),
		MaxLinks:       appCfg.Defaults.MaxLinks,
		DatedSubfolder: config.GetEffectiveDatedSubfolder(*appCfg),
	}
}

func runHarvest(cmd *cobra.Command, rootURL string, global *globalOptions, opts *harvestOptions) error {
	stdout := cmd.OutOrStdout()
	log := setupLogger(global.logLevel, stdout)

	// Validate would silently clamp a negative bound to unbounded
	if cmd.Flags().Changed("max-links") && opts.maxLinks < 0 {
		return fmt.Errorf("%w: --max-links cannot be negative (got %d)", utils.ErrConfigValidation, opts.maxLinks)
	}

	appCfg, err := loadAndValidateConfig(cmd, global.configFile, opts, log)
	if err != nil {
		return err
	}

	req := buildRequest(rootURL, appCfg)
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	parsedRoot, _ := url.Parse(req.RootURL)
	rootHost := parse.Origin(parsedRoot)

	// --- Context & signals ---
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Stopping harvest...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logEntry := log.WithField("root_host", rootHost)

	// --- Ledger (optional) ---
	var ledger storage.Ledger
	if appCfg.EnableLedger {
		badgerLedger, closeLedger, err := openLedger(ctx, appCfg, rootHost, logEntry)
		if err != nil {
			return err
		}
		defer closeLedger()
		ledger = badgerLedger
	}

	// --- Components ---
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, logEntry)
	fetcher := fetch.NewFetcher(httpClient, appCfg, logEntry)
	writer := process.NewImageWriter(appCfg, logEntry)
	harvester := harvest.NewHarvester(appCfg, fetcher, writer, ledger, logEntry)

	result, err := harvester.Run(ctx, req)

	if ledger != nil {
		if count, countErr := ledger.GetRecordCount(); countErr == nil {
			log.Infof("Harvest ledger holds %d URLs", count)
		}
		if opts.writeLedgerLog {
			writeLedgerLog(ctx, ledger, appCfg.StateDir, rootHost, log)
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Harvest cancelled.")
		}
		return err
	}

	fmt.Fprintln(stdout, result.OutputDir)
	return nil
}

// openLedger opens the per-host ledger and starts its GC loop.
// The returned close func stops GC and waits for it before closing the database.
func openLedger(ctx context.Context, appCfg *config.AppConfig, rootHost string, log *logrus.Entry) (*storage.BadgerLedger, func(), error) {
	badgerLedger, err := storage.NewBadgerLedger(appCfg.StateDir, rootHost, log)
	if err != nil {
		return nil, nil, utils.WrapErrorf(err, "open harvest ledger")
	}

	gcCtx, stopGC := context.WithCancel(ctx)
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		badgerLedger.RunGC(gcCtx, appCfg.LedgerGCInterval)
	}()

	closeLedger := func() {
		stopGC()
		<-gcDone
		if err := badgerLedger.Close(); err != nil {
			log.Warnf("Closing harvest ledger: %v", err)
		}
	}
	return badgerLedger, closeLedger, nil
}

// loadAndValidateConfig resolves file, environment and flags into one validated config
func loadAndValidateConfig(cmd *cobra.Command, configFile string, opts *harvestOptions, log *logrus.Logger) (*config.AppConfig, error) {
	appCfg, source, envWarnings, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if source != "" {
		log.Infof("Loaded configuration from %s", source)
	}
	for _, w := range envWarnings {
		log.Warn(w)
	}

	applyFlags(cmd, appCfg, opts)

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	logAppConfig(appCfg, log)
	return appCfg, nil
}

// writeLedgerLog dumps the ledger next to the database
func writeLedgerLog(ctx context.Context, ledger storage.Ledger, stateDir, rootHost string, log *logrus.Logger) {
	if ctx.Err() != nil {
		log.Warnf("Skipping ledger log due to context error: %v", ctx.Err())
		return
	}
	logPath := filepath.Join(stateDir, utils.SanitizeFilename(rootHost)+"-ledger.txt")
	if err := ledger.WriteLedgerLog(ctx, logPath); err != nil {
		log.Errorf("Error writing ledger log: %v", err)
	}
}

func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Debugf("Config: LinkWorkers:%d, ImageWorkers:%d, MaxImageSize:%d bytes, MaxPageSize:%d bytes",
		appCfg.NumLinkWorkers, appCfg.NumImageWorkers, appCfg.MaxImageSizeBytes, appCfg.MaxPageSizeBytes)
	log.Debugf("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
	log.Debugf("Config Outputs: Manifest:%t ('%s'), Ledger:%t (state dir '%s')",
		appCfg.EnableManifest, config.GetEffectiveManifestFilename(*appCfg), appCfg.EnableLedger, appCfg.StateDir)
}
