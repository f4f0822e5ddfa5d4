// Package config holds the server options: meta-connect hold timing, sweep
// cadence, browser-cookie attributes, and the per-browser poll cap. Options
// load from a YAML file merged over the defaults, with transport-scoped
// overrides under the "long-polling.json" key.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Cookie and transport defaults.
const (
	DefaultBrowserCookieName = "BAYEUX_BROWSER"
	DefaultTimeout           = 30000
	DefaultInterval          = 0
	DefaultMaxInterval       = 10000
	DefaultSweepPeriod       = 997
	DefaultMultiSession      = 2000
)

// Options configures one broker and its long-polling transport. Durations
// are milliseconds, mirroring the advice values on the wire.
type Options struct {
	// Timeout is the maximum hold for a /meta/connect.
	Timeout int64 `yaml:"timeout"`
	// Interval is the advised pause between client connects.
	Interval int64 `yaml:"interval"`
	// MaxInterval is the grace period before the sweeper expires a session.
	MaxInterval int64 `yaml:"maxInterval"`
	// SweepPeriod is the sweeper tick.
	SweepPeriod int64 `yaml:"sweepPeriod"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
	// BrowserCookieName identifies the browser across sessions.
	BrowserCookieName string `yaml:"browserCookieName"`
	// BrowserCookieHTTPOnly, BrowserCookieSecure, and BrowserCookieSameSite
	// are the cookie attributes; SameSite is one of Strict, Lax, None, or
	// empty for unset.
	BrowserCookieHTTPOnly bool   `yaml:"browserCookieHttpOnly"`
	BrowserCookieSecure   bool   `yaml:"browserCookieSecure"`
	BrowserCookieSameSite string `yaml:"browserCookieSameSite"`
	// MaxSessionsPerBrowser caps concurrently held connects per browser:
	// -1 is unlimited, 0 forbids holding.
	MaxSessionsPerBrowser int `yaml:"maxSessionsPerBrowser"`
	// MultiSessionInterval is the retry hint sent when the browser cap is
	// hit; 0 or less tells the extra client to stop reconnecting.
	MultiSessionInterval int64 `yaml:"multiSessionInterval"`
	// DuplicateMetaConnectHTTPResponseCode is the status for a connect
	// preempted by a newer one.
	DuplicateMetaConnectHTTPResponseCode int `yaml:"duplicateMetaConnectHttpResponseCode"`
}

// Default returns the documented option defaults.
func Default() *Options {
	return &Options{
		Timeout:                              DefaultTimeout,
		Interval:                             DefaultInterval,
		MaxInterval:                          DefaultMaxInterval,
		SweepPeriod:                          DefaultSweepPeriod,
		LogLevel:                             "info",
		BrowserCookieName:                    DefaultBrowserCookieName,
		BrowserCookieHTTPOnly:                true,
		BrowserCookieSecure:                  false,
		BrowserCookieSameSite:                "",
		MaxSessionsPerBrowser:                1,
		MultiSessionInterval:                 DefaultMultiSession,
		DuplicateMetaConnectHTTPResponseCode: http.StatusInternalServerError,
	}
}

// Validate rejects option combinations the server cannot run with.
func (o *Options) Validate() error {
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %d", o.Timeout)
	}
	if o.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %d", o.Interval)
	}
	if o.MaxInterval < 0 {
		return fmt.Errorf("maxInterval must not be negative, got %d", o.MaxInterval)
	}
	if o.SweepPeriod <= 0 {
		return fmt.Errorf("sweepPeriod must be positive, got %d", o.SweepPeriod)
	}
	if o.MaxSessionsPerBrowser < -1 {
		return fmt.Errorf("maxSessionsPerBrowser must be -1, 0, or positive, got %d", o.MaxSessionsPerBrowser)
	}
	if o.BrowserCookieName == "" {
		return fmt.Errorf("browserCookieName must not be empty")
	}
	if code := o.DuplicateMetaConnectHTTPResponseCode; code < 100 || code > 599 {
		return fmt.Errorf("duplicateMetaConnectHttpResponseCode must be a valid HTTP status, got %d", code)
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel must be debug, info, warn, or error, got %q", o.LogLevel)
	}
	switch o.BrowserCookieSameSite {
	case "", "Strict", "Lax", "None":
	default:
		return fmt.Errorf("browserCookieSameSite must be Strict, Lax, or None, got %q", o.BrowserCookieSameSite)
	}
	return nil
}

// SlogLevel maps the logLevel option to a slog level.
func (o *Options) SlogLevel() slog.Level {
	switch o.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SameSite maps the browserCookieSameSite option to the http constant;
// unset maps to SameSiteDefaultMode.
func (o *Options) SameSite() http.SameSite {
	switch o.BrowserCookieSameSite {
	case "Strict":
		return http.SameSiteStrictMode
	case "Lax":
		return http.SameSiteLaxMode
	case "None":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

// SweepPeriodDuration returns the sweeper tick as a duration.
func (o *Options) SweepPeriodDuration() time.Duration {
	return time.Duration(o.SweepPeriod) * time.Millisecond
}

// TimeoutDuration returns the default hold timeout as a duration.
func (o *Options) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Millisecond
}
