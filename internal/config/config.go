package config

import (
	"fmt"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	AWS      AWSConfig
	Analysis AnalysisConfig
	Gateway  GatewayConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type AWSConfig struct {
	Region string
	// Bucket holds uploads and derived artifacts; the OCR service reads
	// submissions from it directly.
	Bucket string
}

type AnalysisConfig struct {
	OpenAIAPIKey string
	Model        string
}

type GatewayConfig struct {
	RateLimit int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Analysis: AnalysisConfig{
			Model: "gpt-4o-mini",
		},
		Gateway: GatewayConfig{
			RateLimit: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/scanline/config.json, then applies SCANLINE_* environment
// overrides. Secrets are environment-only and never touch the file.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.AWS.Bucket == "" {
		return Config{}, fmt.Errorf("missing required config: storage bucket. Set aws.bucket via `scanline config set` or SCANLINE_AWS_BUCKET")
	}
	if cfg.Analysis.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable SCANLINE_OPENAI_API_KEY")
	}

	return cfg, nil
}
