package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "BIOENGINE"

// Load builds configuration from defaults, an optional config file, and
// environment overrides. Later overrides maps win over everything but the
// environment.
func Load(path string, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("bioengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bioengine")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("merging overrides: %w", err)
		}
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Annotation.RecoderURL == "" {
		cfg.Annotation.RecoderURL = cfg.Annotation.BaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.max_retries", 2)
	v.SetDefault("workers.retry_backoff", 5*time.Second)
	v.SetDefault("workers.default_timeout", 30*time.Minute)
	v.SetDefault("workers.alignment_timeout", 10*time.Minute)
	v.SetDefault("workers.variant_call_timeout", 20*time.Minute)
	v.SetDefault("workers.annotation_timeout", 15*time.Minute)

	v.SetDefault("annotation.base_url", "https://rest.ensembl.org")
	v.SetDefault("annotation.recoder_url", "")
	v.SetDefault("annotation.batch_size", 200)
	v.SetDefault("annotation.max_retries", 3)
	v.SetDefault("annotation.timeout", 30*time.Second)
	v.SetDefault("annotation.rate_limit", 10.0)
	v.SetDefault("annotation.fallback_enabled", true)

	v.SetDefault("tools.manifest", "")
	v.SetDefault("tools.work_dir", "")

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.reference_fetch_url", "")
	v.SetDefault("data.index_threshold", int64(50_000))
	v.SetDefault("data.snapshots", true)
}
