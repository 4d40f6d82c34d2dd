package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCANLINE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCANLINE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "aws.region", typ: kString, env: "SCANLINE_AWS_REGION",
		apply:   func(cfg *Config, v any) { cfg.AWS.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.Region },
	},
	{
		key: "aws.bucket", typ: kString, env: "SCANLINE_AWS_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.AWS.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.Bucket },
	},
	{
		key: "analysis.openai_api_key", typ: kString, env: "SCANLINE_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Analysis.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.OpenAIAPIKey },
	},
	{
		key: "analysis.model", typ: kString, env: "SCANLINE_ANALYSIS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.Model },
	},
	{
		key: "gateway.rate_limit", typ: kInt, env: "SCANLINE_GATEWAY_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Gateway.RateLimit },
	},
	{
		key: "log.level", typ: kString, env: "SCANLINE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
