package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	AppName   = "img-harvester"
	EnvPrefix = "IMGHARVEST_"
)

// DefaultConfigPath returns $XDG_CONFIG_HOME/img-harvester/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// LoadFile reads and parses a YAML config file. It does not validate.
func LoadFile(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Load resolves configuration in order: .env file, YAML file, IMGHARVEST_* environment.
// An explicit path must exist; without one the XDG default is used when present,
// otherwise an empty config. Returns the file actually read ("" if none) and
// warnings for unusable environment values.
func Load(path string) (cfg *AppConfig, source string, warnings []string, err error) {
	_ = godotenv.Load(".env") // Optional; never overrides variables already set

	switch {
	case path != "":
		source = path
	default:
		candidate := DefaultConfigPath()
		if _, statErr := os.Stat(candidate); statErr == nil {
			source = candidate
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return nil, "", nil, fmt.Errorf("read config: %w", statErr)
		}
	}

	if source != "" {
		cfg, err = LoadFile(source)
		if err != nil {
			return nil, source, nil, err
		}
	} else {
		cfg = &AppConfig{}
	}

	warnings = cfg.ApplyEnv(os.LookupEnv)
	return cfg, source, warnings, nil
}

// ApplyEnv overrides fields from IMGHARVEST_* variables found through lookup.
// Unparsable values are skipped and reported as warnings.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) (warnings []string) {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("ignoring %s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst **bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("ignoring %s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = &b
		}
	}

	if v, ok := get("USER_AGENT"); ok {
		c.DefaultUserAgent = v
	}
	if v, ok := get("OUTPUT_DIR"); ok {
		c.Defaults.OutputDir = v
	}
	if v, ok := get("STATE_DIR"); ok {
		c.StateDir = v
	}
	setInt("LINK_WORKERS", &c.NumLinkWorkers)
	setInt("IMAGE_WORKERS", &c.NumImageWorkers)
	setInt("MAX_LINKS", &c.Defaults.MaxLinks)
	setBool("SAME_ORIGIN", &c.Defaults.SameOriginOnly)
	setBool("DATED", &c.Defaults.DatedSubfolder)

	if v, ok := get("MAX_IMAGE_SIZE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ignoring %sMAX_IMAGE_SIZE_BYTES=%q: %v", EnvPrefix, v, err))
		} else {
			c.MaxImageSizeBytes = n
		}
	}
	if v, ok := get("TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ignoring %sTIMEOUT=%q: %v", EnvPrefix, v, err))
		} else {
			c.HTTPClientSettings.Timeout = d
		}
	}
	return warnings
}
