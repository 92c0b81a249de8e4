package config

import "time"

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent   string           `yaml:"default_user_agent"`
	NumLinkWorkers     int              `yaml:"num_link_workers"`
	NumImageWorkers    int              `yaml:"num_image_workers"`
	MaxImageSizeBytes  int64            `yaml:"max_image_size_bytes,omitempty"` // 0 = unlimited
	MaxPageSizeBytes   int64            `yaml:"max_page_size_bytes,omitempty"`
	StateDir           string           `yaml:"state_dir"`
	EnableLedger       bool             `yaml:"enable_ledger,omitempty"`
	LedgerGCInterval   time.Duration    `yaml:"ledger_gc_interval,omitempty"`
	EnableManifest     bool             `yaml:"enable_manifest,omitempty"`
	ManifestFilename   string           `yaml:"manifest_filename,omitempty"`
	ProbeImages        *bool            `yaml:"probe_images,omitempty"` // Decode dimensions/EXIF for the manifest (nil = true)
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Defaults           HarvestDefaults  `yaml:"defaults,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Per-request ceiling
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`
}

// HarvestDefaults holds request defaults that CLI flags override
type HarvestDefaults struct {
	OutputDir      string `yaml:"output_dir,omitempty"`
	SameOriginOnly *bool  `yaml:"same_origin_only,omitempty"` // nil = true
	DatedSubfolder *bool  `yaml:"dated_subfolder,omitempty"`  // nil = true
	MaxLinks       int    `yaml:"max_links,omitempty"`        // 0 = unbounded
}

// GetEffectiveSameOriginOnly returns the configured flag, defaulting to true
func GetEffectiveSameOriginOnly(appCfg AppConfig) bool {
	if appCfg.Defaults.SameOriginOnly != nil {
		return *appCfg.Defaults.SameOriginOnly
	}
	return true
}

// GetEffectiveDatedSubfolder returns the configured flag, defaulting to true
func GetEffectiveDatedSubfolder(appCfg AppConfig) bool {
	if appCfg.Defaults.DatedSubfolder != nil {
		return *appCfg.Defaults.DatedSubfolder
	}
	return true
}

// GetEffectiveProbeImages returns whether saved images are decoded for metadata
func GetEffectiveProbeImages(appCfg AppConfig) bool {
	if appCfg.ProbeImages != nil {
		return *appCfg.ProbeImages
	}
	return true
}

// GetEffectiveManifestFilename returns the manifest filename, falling back to a hardcoded default
func GetEffectiveManifestFilename(appCfg AppConfig) string {
	if appCfg.ManifestFilename != "" {
		return appCfg.ManifestFilename
	}
	return DefaultManifestFilename
}
