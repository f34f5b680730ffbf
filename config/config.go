// Package config loads the carousel configuration from a .env file, an
// optional YAML file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/carousel/browser"
	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/rotation"
	"github.com/hazyhaar/carousel/target"
)

// Config is the full process configuration. Field tags name the environment
// variable and the YAML key.
type Config struct {
	DashboardURLs string `envconfig:"DASHBOARD_URLS" yaml:"dashboard_urls"`
	TargetIDs     string `envconfig:"TARGET_IDS" yaml:"target_ids"`

	CaptureEveryMin int           `envconfig:"CAPTURE_EVERY_MIN" yaml:"capture_every_min"`
	CaptureMode     string        `envconfig:"CAPTURE_MODE" yaml:"capture_mode"`
	BatchSize       int           `envconfig:"CAPTURE_BATCH_SIZE" yaml:"capture_batch_size"`
	SessionPolicy   string        `envconfig:"SESSION_POLICY" yaml:"session_policy"`
	PassPause       time.Duration `envconfig:"PASS_PAUSE" yaml:"pass_pause"`

	BrowserProfile string        `envconfig:"BROWSER_PROFILE" yaml:"browser_profile"`
	BrowserDriver  string        `envconfig:"BROWSER_DRIVER" yaml:"browser_driver"`
	ChromeBin      string        `envconfig:"CHROME_BIN" yaml:"chrome_bin"`
	ChromeRemote   string        `envconfig:"CHROME_REMOTE_URL" yaml:"chrome_remote_url"`
	Stealth        bool          `envconfig:"BROWSER_STEALTH" yaml:"browser_stealth"`
	RecycleAfter   time.Duration `envconfig:"BROWSER_RECYCLE_AFTER" yaml:"browser_recycle_after"`

	PageTimeout       time.Duration `envconfig:"PAGE_TIMEOUT" yaml:"page_timeout"`
	WaitUntil         string        `envconfig:"WAIT_UNTIL" yaml:"wait_until"`
	SettleDelay       time.Duration `envconfig:"SETTLE_DELAY" yaml:"settle_delay"`
	LoadingSelector   string        `envconfig:"LOADING_SELECTOR" yaml:"loading_selector"`
	LoadingExtension  time.Duration `envconfig:"LOADING_EXTENSION" yaml:"loading_extension"`
	ScreenshotTimeout time.Duration `envconfig:"SCREENSHOT_TIMEOUT" yaml:"screenshot_timeout"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" yaml:"max_attempts"`
	RetryBackoff      time.Duration `envconfig:"RETRY_BACKOFF" yaml:"retry_backoff"`

	ViewportWidth  int     `envconfig:"VIEWPORT_WIDTH" yaml:"viewport_width"`
	ViewportHeight int     `envconfig:"VIEWPORT_HEIGHT" yaml:"viewport_height"`
	ViewportScale  float64 `envconfig:"VIEWPORT_SCALE" yaml:"viewport_scale"`

	AuthHeaders      string `envconfig:"AUTH_HEADERS" yaml:"auth_headers"`
	AuthCookies      string `envconfig:"AUTH_COOKIES" yaml:"auth_cookies"`
	AuthCookieDomain string `envconfig:"AUTH_COOKIE_DOMAIN" yaml:"auth_cookie_domain"`
	AuthCookiePath   string `envconfig:"AUTH_COOKIE_PATH" yaml:"auth_cookie_path"`

	Port            int           `envconfig:"PORT" yaml:"port"`
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" yaml:"max_connections"`
	ShotsDir        string        `envconfig:"SHOTS_DIR" yaml:"shots_dir"`
	StaticDir       string        `envconfig:"STATIC_DIR" yaml:"static_dir"`
	StateFile       string        `envconfig:"STATE_FILE" yaml:"state_file"`
	HistoryDB       string        `envconfig:"HISTORY_DB" yaml:"history_db"`
	HistoryRetain   time.Duration `envconfig:"HISTORY_RETENTION" yaml:"history_retention"`
	CrashDir        string        `envconfig:"CRASH_DIR" yaml:"crash_dir"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`

	DiagnosticsHash string `envconfig:"DIAGNOSTICS_PASSWORD_HASH" yaml:"diagnostics_password_hash"`
	MCPEnabled      bool   `envconfig:"MCP_ENABLED" yaml:"mcp_enabled"`
	LogLevel        string `envconfig:"LOG_LEVEL" yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	opts := capture.DefaultOptions()
	return Config{
		TargetIDs:         string(target.IDPosition),
		CaptureEveryMin:   30,
		CaptureMode:       string(rotation.ModeRotate),
		BatchSize:         1,
		SessionPolicy:     string(browser.PerCapture),
		PassPause:         5 * time.Second,
		BrowserProfile:    string(browser.Constrained),
		BrowserDriver:     DriverRod,
		PageTimeout:       opts.PageTimeout,
		WaitUntil:         string(opts.WaitUntil),
		SettleDelay:       opts.SettleDelay,
		LoadingSelector:   opts.LoadingSelector,
		LoadingExtension:  opts.LoadingExtension,
		ScreenshotTimeout: opts.ScreenshotTimeout,
		MaxAttempts:       opts.MaxAttempts,
		RetryBackoff:      opts.Backoff,
		ViewportWidth:     opts.Viewport.Width,
		ViewportHeight:    opts.Viewport.Height,
		ViewportScale:     opts.Viewport.Scale,
		AuthCookiePath:    "/",
		Port:              3000,
		MaxConnections:    64,
		ShotsDir:          "public/shots",
		StaticDir:         "public",
		StateFile:         ".capture_state.json",
		HistoryDB:         "data/history.db",
		HistoryRetain:     7 * 24 * time.Hour,
		CrashDir:          ".",
		ShutdownTimeout:   10 * time.Second,
		MCPEnabled:        true,
		LogLevel:          "info",
	}
}

// Browser drivers.
const (
	DriverRod      = "rod"
	DriverChromedp = "chromedp"
)

// Load builds the configuration: defaults, then .env (a missing file is
// fine), then the YAML file named by CONFIG_FILE, then the environment.
// Unset keys keep the value of the previous layer, so an explicit zero
// such as LOADING_EXTENSION=0 or HISTORY_DB= is honoured.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}
	return cfg, nil
}

// LoadFile returns the defaults overlaid with the YAML file at path.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate reports every malformed setting, each wrapping target.ErrConfig.
// An empty URL list is not an error: the server runs degraded.
func (c Config) Validate() error {
	var errs []error
	check := func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, target.ErrConfig):
			errs = append(errs, err)
		default:
			errs = append(errs, fmt.Errorf("%w: %w", target.ErrConfig, err))
		}
	}
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{target.ErrConfig}, args...)...))
	}

	_, err := target.ParseIDMode(c.TargetIDs)
	check(err)
	_, err = rotation.ParseMode(c.CaptureMode)
	check(err)
	_, err = browser.ParseProfile(c.BrowserProfile)
	check(err)
	_, err = browser.ParseSessionPolicy(c.SessionPolicy)
	check(err)
	_, err = capture.ParseWaitUntil(c.WaitUntil)
	check(err)

	if c.BrowserDriver != DriverRod && c.BrowserDriver != DriverChromedp {
		bad("unknown browser driver %q", c.BrowserDriver)
	}
	if c.CaptureEveryMin <= 0 {
		bad("CAPTURE_EVERY_MIN must be positive, got %d", c.CaptureEveryMin)
	}
	if c.BatchSize < 1 {
		bad("CAPTURE_BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.MaxAttempts < 1 {
		bad("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 || c.ViewportScale <= 0 {
		bad("viewport must be positive, got %dx%d@%g", c.ViewportWidth, c.ViewportHeight, c.ViewportScale)
	}
	if c.Port <= 0 || c.Port > 65535 {
		bad("PORT out of range: %d", c.Port)
	}
	if c.PageTimeout <= 0 || c.ScreenshotTimeout <= 0 {
		bad("PAGE_TIMEOUT and SCREENSHOT_TIMEOUT must be positive")
	}
	_, err = c.SlogLevel()
	check(err)
	return errors.Join(errs...)
}

// Targets parses the URL list with the configured id mode.
func (c Config) Targets() []target.Target {
	mode, err := target.ParseIDMode(c.TargetIDs)
	if err != nil {
		mode = target.IDPosition
	}
	return target.ParseWith(c.DashboardURLs, mode)
}

// CaptureOptions converts the capture settings. Call Validate first.
func (c Config) CaptureOptions() capture.Options {
	wait, _ := capture.ParseWaitUntil(c.WaitUntil)
	return capture.Options{
		Viewport:          capture.Viewport{Width: c.ViewportWidth, Height: c.ViewportHeight, Scale: c.ViewportScale},
		WaitUntil:         wait,
		PageTimeout:       c.PageTimeout,
		SettleDelay:       c.SettleDelay,
		LoadingSelector:   c.LoadingSelector,
		LoadingExtension:  c.LoadingExtension,
		ScreenshotTimeout: c.ScreenshotTimeout,
		MaxAttempts:       c.MaxAttempts,
		Backoff:           c.RetryBackoff,
		Auth: capture.Auth{
			Headers: capture.ParseHeaders(c.AuthHeaders),
			Cookies: capture.ParseCookies(c.AuthCookies, c.AuthCookieDomain, c.AuthCookiePath),
		},
	}
}

// Rotation converts the scheduling settings. Call Validate first.
func (c Config) Rotation() rotation.Config {
	mode, _ := rotation.ParseMode(c.CaptureMode)
	policy, _ := browser.ParseSessionPolicy(c.SessionPolicy)
	return rotation.Config{
		Mode:          mode,
		Interval:      time.Duration(c.CaptureEveryMin) * time.Minute,
		BatchSize:     c.BatchSize,
		SessionPolicy: policy,
		PassPause:     c.PassPause,
		CrashDir:      c.CrashDir,
	}
}

// Profile returns the parsed browser profile.
func (c Config) Profile() browser.Profile {
	p, _ := browser.ParseProfile(c.BrowserProfile)
	return p
}

// SlogLevel maps LOG_LEVEL onto a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", target.ErrConfig, c.LogLevel)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }
