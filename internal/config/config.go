// Package config provides configuration management for detectrelay.
// Configuration is layered: built-in defaults, then an optional YAML or TOML
// file, then environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort        = 8787
	DefaultBindAddress = "127.0.0.1"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "auto"
	DefaultDataDir     = ".detectrelay"
	DefaultDetectorURL = "http://localhost:8000/api/v1"
	DefaultMaxUploadMB = 50

	// Environment variable names
	EnvConfigPath       = "DETECTRELAY_CONFIG"
	EnvPort             = "DETECTRELAY_PORT"
	EnvBindAddress      = "DETECTRELAY_BIND"
	EnvLogLevel         = "DETECTRELAY_LOG_LEVEL"
	EnvLogFormat        = "DETECTRELAY_LOG_FORMAT"
	EnvDataDir          = "DETECTRELAY_DATA_DIR"
	EnvUploadDir        = "DETECTRELAY_UPLOAD_DIR"
	EnvTempDir          = "DETECTRELAY_TEMP_DIR"
	EnvDetectorURL      = "DETECTRELAY_DETECTOR_URL"
	EnvDetectorTimeout  = "DETECTRELAY_DETECTOR_TIMEOUT"
	EnvMaxUploadMB      = "DETECTRELAY_MAX_UPLOAD_MB"
	EnvAllowedTypes     = "DETECTRELAY_ALLOWED_TYPES"
	EnvFFmpegPath       = "DETECTRELAY_FFMPEG"
	EnvFFprobePath      = "DETECTRELAY_FFPROBE"
	EnvTranscodeTimeout = "DETECTRELAY_TRANSCODE_TIMEOUT"
	EnvAllowedOrigins   = "DETECTRELAY_ALLOWED_ORIGINS"
	EnvHeadless         = "DETECTRELAY_HEADLESS"

	// Database filename
	DBFilename = "detectrelay.db"

	// Lock filename guarding the data directory
	LockFilename = "detectrelay.lock"

	DefaultDetectorTimeout  = 10 * time.Minute
	DefaultTranscodeTimeout = 30 * time.Minute
)

// DefaultAllowedTypes mirrors the MIME allowlist of the upload endpoints.
var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "video/mp4"}

// Span describes one progress sub-range of a pipeline stage.
// Period is only meaningful for simulated stages.
type Span struct {
	From   int
	To     int
	Done   int
	Period time.Duration
}

// ProgressPolicy holds the progress spans for one media kind.
type ProgressPolicy struct {
	Upload    Span
	Fetch     Span
	Transcode Span
}

// DefaultImagePolicy jumps straight to 50 after the upload; images have no
// simulated ranges and no transcode stage.
var DefaultImagePolicy = ProgressPolicy{
	Upload: Span{From: 0, To: 0, Done: 50},
	Fetch:  Span{From: 50, To: 50, Done: 50},
}

// DefaultVideoPolicy ticks through the upload and fetch stages and maps
// native encoder progress onto the remainder.
var DefaultVideoPolicy = ProgressPolicy{
	Upload:    Span{From: 0, To: 29, Done: 30, Period: time.Second},
	Fetch:     Span{From: 30, To: 60, Done: 61, Period: 1500 * time.Millisecond},
	Transcode: Span{From: 61, To: 100},
}

// Config defines the application configuration interface
type Config interface {
	Port() int
	BindAddress() string
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	LockPath() string
	UploadDir() string
	TempDir() string
	DetectorBaseURL() string
	DetectorTimeout() time.Duration
	MaxUploadBytes() int64
	AllowedTypes() []string
	FFmpegPath() string
	FFprobePath() string
	TranscodeTimeout() time.Duration
	AllowedOrigins() []string
	Headless() bool
	ImagePolicy() ProgressPolicy
	VideoPolicy() ProgressPolicy
}

// EnvConfig reads configuration from a config file and environment variables
type EnvConfig struct {
	port        int
	bindAddress string
	logLevel    string
	logFormat   string
	dataDir     string
	uploadDir   string
	tempDir     string

	detectorURL     string
	detectorTimeout time.Duration

	maxUploadMB  int
	allowedTypes []string

	ffmpegPath       string
	ffprobePath      string
	transcodeTimeout time.Duration

	allowedOrigins []string
	headless       bool

	imagePolicy ProgressPolicy
	videoPolicy ProgressPolicy

	source string
}

// New creates a new EnvConfig using the file named by DETECTRELAY_CONFIG, if any.
func New() (*EnvConfig, error) {
	return Load(os.Getenv(EnvConfigPath))
}

// Load creates a new EnvConfig with defaults, overridden by the file at path
// (when non-empty) and then by environment variables.
func Load(path string) (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:             DefaultPort,
		bindAddress:      DefaultBindAddress,
		logLevel:         DefaultLogLevel,
		logFormat:        DefaultLogFormat,
		dataDir:          defaultDataDir(),
		detectorURL:      DefaultDetectorURL,
		detectorTimeout:  DefaultDetectorTimeout,
		maxUploadMB:      DefaultMaxUploadMB,
		allowedTypes:     append([]string(nil), DefaultAllowedTypes...),
		ffmpegPath:       "ffmpeg",
		ffprobePath:      "ffprobe",
		transcodeTimeout: DefaultTranscodeTimeout,
		allowedOrigins:   []string{"*"},
		headless:         true,
		imagePolicy:      DefaultImagePolicy,
		videoPolicy:      DefaultVideoPolicy,
		source:           "built-in defaults",
	}

	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFile(fc); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
		cfg.source = path
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *EnvConfig) applyEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if v := os.Getenv(EnvBindAddress); v != "" {
		c.bindAddress = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.logLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.logFormat = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.dataDir = v
	}
	if v := os.Getenv(EnvUploadDir); v != "" {
		c.uploadDir = v
	}
	if v := os.Getenv(EnvTempDir); v != "" {
		c.tempDir = v
	}
	if v := os.Getenv(EnvDetectorURL); v != "" {
		c.detectorURL = v
	}
	if v := os.Getenv(EnvDetectorTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDetectorTimeout, err)
		}
		c.detectorTimeout = d
	}
	if v := os.Getenv(EnvMaxUploadMB); v != "" {
		mb, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxUploadMB, err)
		}
		c.maxUploadMB = mb
	}
	if v := os.Getenv(EnvAllowedTypes); v != "" {
		c.allowedTypes = splitList(v)
	}
	if v := os.Getenv(EnvFFmpegPath); v != "" {
		c.ffmpegPath = v
	}
	if v := os.Getenv(EnvFFprobePath); v != "" {
		c.ffprobePath = v
	}
	if v := os.Getenv(EnvTranscodeTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTranscodeTimeout, err)
		}
		c.transcodeTimeout = d
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.allowedOrigins = splitList(v)
	}
	if v := os.Getenv(EnvHeadless); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.headless = b
	}
	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: port must be between 1 and 65535", c.port)
	}
	u, err := url.Parse(c.detectorURL)
	if err != nil {
		return fmt.Errorf("invalid detector URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid detector URL %q: scheme must be http or https", c.detectorURL)
	}
	if c.maxUploadMB <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d MB", c.maxUploadMB)
	}
	if len(c.allowedTypes) == 0 {
		return fmt.Errorf("at least one allowed upload type is required")
	}
	if c.detectorTimeout <= 0 || c.transcodeTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if err := validatePolicy("image", c.imagePolicy, false); err != nil {
		return err
	}
	return validatePolicy("video", c.videoPolicy, true)
}

func validatePolicy(kind string, p ProgressPolicy, transcode bool) error {
	spans := []struct {
		name string
		span Span
	}{
		{"upload", p.Upload},
		{"fetch", p.Fetch},
	}
	if transcode {
		spans = append(spans, struct {
			name string
			span Span
		}{"transcode", p.Transcode})
	}
	for _, s := range spans {
		if s.span.From < 0 || s.span.To > 100 || s.span.From > s.span.To {
			return fmt.Errorf("%s %s progress span %d-%d is out of order or outside 0-100", kind, s.name, s.span.From, s.span.To)
		}
		if s.span.Done < 0 || s.span.Done > 100 {
			return fmt.Errorf("%s %s progress done value %d outside 0-100", kind, s.name, s.span.Done)
		}
		if s.span.Period < 0 {
			return fmt.Errorf("%s %s progress period must not be negative", kind, s.name)
		}
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// BindAddress returns the interface the HTTP server listens on
func (c *EnvConfig) BindAddress() string {
	return c.bindAddress
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFormat returns the log format (json, text, auto)
func (c *EnvConfig) LogFormat() string {
	return c.logFormat
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// LockPath returns the path of the single-instance lock file
func (c *EnvConfig) LockPath() string {
	return filepath.Join(c.dataDir, LockFilename)
}

// UploadDir returns where incoming uploads are spooled
func (c *EnvConfig) UploadDir() string {
	if c.uploadDir != "" {
		return c.uploadDir
	}
	return filepath.Join(c.dataDir, "uploads")
}

// TempDir returns where fetched and transcoded artifacts are written
func (c *EnvConfig) TempDir() string {
	if c.tempDir != "" {
		return c.tempDir
	}
	return filepath.Join(c.dataDir, "temp")
}

func (c *EnvConfig) DetectorBaseURL() string {
	return strings.TrimRight(c.detectorURL, "/")
}

func (c *EnvConfig) DetectorTimeout() time.Duration {
	return c.detectorTimeout
}

// MaxUploadBytes returns the upload size limit in bytes
func (c *EnvConfig) MaxUploadBytes() int64 {
	return int64(c.maxUploadMB) << 20
}

func (c *EnvConfig) AllowedTypes() []string {
	return c.allowedTypes
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) TranscodeTimeout() time.Duration {
	return c.transcodeTimeout
}

func (c *EnvConfig) AllowedOrigins() []string {
	return c.allowedOrigins
}

// Headless reports whether the system tray is disabled
func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) ImagePolicy() ProgressPolicy {
	return c.imagePolicy
}

func (c *EnvConfig) VideoPolicy() ProgressPolicy {
	return c.videoPolicy
}

// Source returns the config file that was loaded, or "built-in defaults".
func (c *EnvConfig) Source() string {
	return c.source
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
