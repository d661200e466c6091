package fabula

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Session       SessionConfig       `mapstructure:"session"`
	Credentials   CredentialsConfig   `mapstructure:"credentials"`
	Conduit       ConduitConfig       `mapstructure:"conduit"`
	Probe         ProbeConfig         `mapstructure:"probe"`
	LogLevel      string              `mapstructure:"log_level"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type SessionConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	ModelID      string `mapstructure:"model_id"`
	Region       string `mapstructure:"region"`
	Voice        string `mapstructure:"voice"`
}

type CredentialsConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

type ConduitConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ProbeConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	MetricsPath   string `mapstructure:"metrics_path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactSecrets bool `mapstructure:"redact_secrets"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("session.model_id", "amazon.nova-2-sonic-v1:0")
	v.SetDefault("session.region", "us-east-1")
	v.SetDefault("session.voice", "matthew")
	v.SetDefault("conduit.provider", "bedrock")
	v.SetDefault("probe.timeout_ms", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_secrets", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Conduit.Provider) == "" {
		return fmt.Errorf("conduit.provider is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Conduit.Provider)) {
	case "bedrock":
		if strings.TrimSpace(c.Session.ModelID) == "" {
			return fmt.Errorf("session.model_id is required for the bedrock conduit")
		}
		if strings.TrimSpace(c.Session.Region) == "" {
			return fmt.Errorf("session.region is required for the bedrock conduit")
		}
	}
	if c.Probe.TimeoutMS < 0 {
		return fmt.Errorf("probe.timeout_ms must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Conduit.Settings = expandSettings(cfg.Conduit.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
