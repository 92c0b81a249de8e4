package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"img-harvester/pkg/utils"
)

const (
	DefaultUserAgent        = "img-harvester/1.0"
	DefaultManifestFilename = "harvest_manifest.yaml"
	DefaultStateDir         = "./harvest_state"
	DefaultOutputDir        = "./harvested_images"
	DefaultRequestTimeout   = 10 * time.Second
	DefaultMaxPageSizeBytes = 20 << 20
	DefaultLedgerGCInterval = 10 * time.Minute
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = DefaultUserAgent
	}

	// One worker each reproduces the fully sequential behavior
	if c.NumLinkWorkers < 0 {
		warnings = append(warnings, "num_link_workers should be > 0, defaulting to 1")
	}
	if c.NumLinkWorkers <= 0 {
		c.NumLinkWorkers = 1
	}
	if c.NumImageWorkers < 0 {
		warnings = append(warnings, "num_image_workers should be > 0, defaulting to 1")
	}
	if c.NumImageWorkers <= 0 {
		c.NumImageWorkers = 1
	}

	if c.MaxImageSizeBytes < 0 {
		warnings = append(warnings, "max_image_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxImageSizeBytes = 0
	}

	if c.MaxPageSizeBytes < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"max_page_size_bytes cannot be negative, defaulting to %d", DefaultMaxPageSizeBytes))
		c.MaxPageSizeBytes = 0
	}
	if c.MaxPageSizeBytes == 0 {
		c.MaxPageSizeBytes = DefaultMaxPageSizeBytes
	}

	if c.StateDir == "" {
		if c.EnableLedger {
			warnings = append(warnings, fmt.Sprintf("state_dir is empty, defaulting to '%s'", DefaultStateDir))
		}
		c.StateDir = DefaultStateDir
	}

	if c.LedgerGCInterval < 0 {
		warnings = append(warnings, fmt.Sprintf("ledger_gc_interval cannot be negative, defaulting to %v", DefaultLedgerGCInterval))
		c.LedgerGCInterval = 0
	}
	if c.LedgerGCInterval == 0 {
		c.LedgerGCInterval = DefaultLedgerGCInterval
	}

	if c.EnableManifest && c.ManifestFilename == "" {
		c.ManifestFilename = DefaultManifestFilename
	}
	if c.ManifestFilename != "" &&
		(strings.ContainsAny(c.ManifestFilename, `/\`) || filepath.Base(c.ManifestFilename) != c.ManifestFilename) {
		return warnings, fmt.Errorf("%w: manifest_filename '%s' must be a plain file name",
			utils.ErrConfigValidation, c.ManifestFilename)
	}

	if c.Defaults.MaxLinks < 0 {
		warnings = append(warnings, "defaults.max_links cannot be negative, setting to 0 (unbounded)")
		c.Defaults.MaxLinks = 0
	}
	if c.Defaults.OutputDir == "" {
		c.Defaults.OutputDir = DefaultOutputDir
	}

	c.validateHTTPClientSettings()

	if c.HTTPClientSettings.Timeout > time.Minute {
		warnings = append(warnings, fmt.Sprintf(
			"http_client_settings.timeout is %v; a single slow resource can hold a worker that long",
			c.HTTPClientSettings.Timeout))
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = DefaultRequestTimeout
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 4
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 10 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 10
	}
}
