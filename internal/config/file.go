package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of the optional config file. Durations are
// strings parsed with time.ParseDuration so YAML and TOML accept the same values.
type fileConfig struct {
	Server struct {
		Address string `yaml:"address" toml:"address"`
		Port    int    `yaml:"port" toml:"port"`
	} `yaml:"server" toml:"server"`

	Logging struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"logging" toml:"logging"`

	Storage struct {
		DataDir   string `yaml:"data_dir" toml:"data_dir"`
		UploadDir string `yaml:"upload_dir" toml:"upload_dir"`
		TempDir   string `yaml:"temp_dir" toml:"temp_dir"`
	} `yaml:"storage" toml:"storage"`

	Detector struct {
		BaseURL string `yaml:"base_url" toml:"base_url"`
		Timeout string `yaml:"timeout" toml:"timeout"`
	} `yaml:"detector" toml:"detector"`

	Upload struct {
		MaxSizeMB    int      `yaml:"max_size_mb" toml:"max_size_mb"`
		AllowedTypes []string `yaml:"allowed_types" toml:"allowed_types"`
	} `yaml:"upload" toml:"upload"`

	Transcode struct {
		FFmpeg  string `yaml:"ffmpeg" toml:"ffmpeg"`
		FFprobe string `yaml:"ffprobe" toml:"ffprobe"`
		Timeout string `yaml:"timeout" toml:"timeout"`
	} `yaml:"transcode" toml:"transcode"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	} `yaml:"cors" toml:"cors"`

	Headless *bool `yaml:"headless" toml:"headless"`

	Progress struct {
		Image filePolicy `yaml:"image" toml:"image"`
		Video filePolicy `yaml:"video" toml:"video"`
	} `yaml:"progress" toml:"progress"`
}

type filePolicy struct {
	Upload    *fileSpan `yaml:"upload" toml:"upload"`
	Fetch     *fileSpan `yaml:"fetch" toml:"fetch"`
	Transcode *fileSpan `yaml:"transcode" toml:"transcode"`
}

type fileSpan struct {
	From   int    `yaml:"from" toml:"from"`
	To     int    `yaml:"to" toml:"to"`
	Done   int    `yaml:"done" toml:"done"`
	Period string `yaml:"period" toml:"period"`
}

// readFile decodes a YAML or TOML config file, chosen by extension.
func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
	return &fc, nil
}

func (c *EnvConfig) applyFile(fc *fileConfig) error {
	if fc.Server.Address != "" {
		c.bindAddress = fc.Server.Address
	}
	if fc.Server.Port != 0 {
		c.port = fc.Server.Port
	}
	if fc.Logging.Level != "" {
		c.logLevel = fc.Logging.Level
	}
	if fc.Logging.Format != "" {
		c.logFormat = fc.Logging.Format
	}
	if fc.Storage.DataDir != "" {
		c.dataDir = fc.Storage.DataDir
	}
	if fc.Storage.UploadDir != "" {
		c.uploadDir = fc.Storage.UploadDir
	}
	if fc.Storage.TempDir != "" {
		c.tempDir = fc.Storage.TempDir
	}
	if fc.Detector.BaseURL != "" {
		c.detectorURL = fc.Detector.BaseURL
	}
	if err := parseDurationInto(fc.Detector.Timeout, "detector.timeout", &c.detectorTimeout); err != nil {
		return err
	}
	if fc.Upload.MaxSizeMB != 0 {
		c.maxUploadMB = fc.Upload.MaxSizeMB
	}
	if len(fc.Upload.AllowedTypes) > 0 {
		c.allowedTypes = fc.Upload.AllowedTypes
	}
	if fc.Transcode.FFmpeg != "" {
		c.ffmpegPath = fc.Transcode.FFmpeg
	}
	if fc.Transcode.FFprobe != "" {
		c.ffprobePath = fc.Transcode.FFprobe
	}
	if err := parseDurationInto(fc.Transcode.Timeout, "transcode.timeout", &c.transcodeTimeout); err != nil {
		return err
	}
	if len(fc.CORS.AllowedOrigins) > 0 {
		c.allowedOrigins = fc.CORS.AllowedOrigins
	}
	if fc.Headless != nil {
		c.headless = *fc.Headless
	}

	if err := fc.Progress.Image.apply("image", &c.imagePolicy); err != nil {
		return err
	}
	return fc.Progress.Video.apply("video", &c.videoPolicy)
}

func (fp filePolicy) apply(kind string, p *ProgressPolicy) error {
	for _, s := range []struct {
		name string
		src  *fileSpan
		dst  *Span
	}{
		{"upload", fp.Upload, &p.Upload},
		{"fetch", fp.Fetch, &p.Fetch},
		{"transcode", fp.Transcode, &p.Transcode},
	} {
		if s.src == nil {
			continue
		}
		span := Span{From: s.src.From, To: s.src.To, Done: s.src.Done}
		if err := parseDurationInto(s.src.Period, fmt.Sprintf("progress.%s.%s.period", kind, s.name), &span.Period); err != nil {
			return err
		}
		*s.dst = span
	}
	return nil
}

func parseDurationInto(s, field string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	*dst = d
	return nil
}
