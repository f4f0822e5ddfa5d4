package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// fileOptions mirrors Options with pointer fields so an explicit zero in the
// file (timeout: 0, maxSessionsPerBrowser: 0) is distinguishable from an
// absent key.
type fileOptions struct {
	Timeout                              *int64  `yaml:"timeout"`
	Interval                             *int64  `yaml:"interval"`
	MaxInterval                          *int64  `yaml:"maxInterval"`
	SweepPeriod                          *int64  `yaml:"sweepPeriod"`
	LogLevel                             *string `yaml:"logLevel"`
	BrowserCookieName                    *string `yaml:"browserCookieName"`
	BrowserCookieHTTPOnly                *bool   `yaml:"browserCookieHttpOnly"`
	BrowserCookieSecure                  *bool   `yaml:"browserCookieSecure"`
	BrowserCookieSameSite                *string `yaml:"browserCookieSameSite"`
	MaxSessionsPerBrowser                *int    `yaml:"maxSessionsPerBrowser"`
	MultiSessionInterval                 *int64  `yaml:"multiSessionInterval"`
	DuplicateMetaConnectHTTPResponseCode *int    `yaml:"duplicateMetaConnectHttpResponseCode"`
}

// fileConfig is the full YAML layout: base options at the top level, with
// transport-scoped overrides under the literal "long-polling.json" key. The
// override layer wins field-wise, giving the general-to-specific prefix
// lookup ("", then "long-polling.json").
type fileConfig struct {
	fileOptions `yaml:",inline"`
	LongPolling *fileOptions `yaml:"long-polling.json"`
}

// Load reads options from a YAML file, expanding {{.ENV}} references first
// and validating the result. An empty path returns the defaults.
func Load(path string) (*Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	data = ExpandEnv(data)

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	merged := fc.fileOptions
	if fc.LongPolling != nil {
		if err := mergo.Merge(&merged, *fc.LongPolling, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge transport options: %w", err)
		}
	}
	merged.applyTo(opts)

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return opts, nil
}

// applyTo copies every set field onto opts.
func (f *fileOptions) applyTo(opts *Options) {
	if f.Timeout != nil {
		opts.Timeout = *f.Timeout
	}
	if f.Interval != nil {
		opts.Interval = *f.Interval
	}
	if f.MaxInterval != nil {
		opts.MaxInterval = *f.MaxInterval
	}
	if f.SweepPeriod != nil {
		opts.SweepPeriod = *f.SweepPeriod
	}
	if f.LogLevel != nil {
		opts.LogLevel = *f.LogLevel
	}
	if f.BrowserCookieName != nil {
		opts.BrowserCookieName = *f.BrowserCookieName
	}
	if f.BrowserCookieHTTPOnly != nil {
		opts.BrowserCookieHTTPOnly = *f.BrowserCookieHTTPOnly
	}
	if f.BrowserCookieSecure != nil {
		opts.BrowserCookieSecure = *f.BrowserCookieSecure
	}
	if f.BrowserCookieSameSite != nil {
		opts.BrowserCookieSameSite = *f.BrowserCookieSameSite
	}
	if f.MaxSessionsPerBrowser != nil {
		opts.MaxSessionsPerBrowser = *f.MaxSessionsPerBrowser
	}
	if f.MultiSessionInterval != nil {
		opts.MultiSessionInterval = *f.MultiSessionInterval
	}
	if f.DuplicateMetaConnectHTTPResponseCode != nil {
		opts.DuplicateMetaConnectHTTPResponseCode = *f.DuplicateMetaConnectHTTPResponseCode
	}
}
