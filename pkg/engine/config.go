package engine

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cclavio/earshot/pkg/session"
)

type Config struct {
	Activation    ActivationConfig    `mapstructure:"activation"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Vision        VisionConfig        `mapstructure:"vision"`
	Session       SessionConfig       `mapstructure:"session"`
	Messages      MessagesConfig      `mapstructure:"messages"`
	Recognizer    RecognizerConfig    `mapstructure:"recognizer"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type ActivationConfig struct {
	Phrases []string `mapstructure:"phrases"`
}

type TurnConfig struct {
	SilenceTimeoutMS       int `mapstructure:"silence_timeout_ms"`
	MaxUtteranceMS         int `mapstructure:"max_utterance_ms"`
	FollowUpWindowMS       int `mapstructure:"follow_up_window_ms"`
	DuplicateWindowMS      int `mapstructure:"duplicate_window_ms"`
	ComprehensionThreshold int `mapstructure:"comprehension_threshold"`
}

type VisionConfig struct {
	CaptureTimeoutMS int    `mapstructure:"capture_timeout_ms"`
	PhotoDir         string `mapstructure:"photo_dir"`
}

type SessionConfig struct {
	DetachGraceMS int `mapstructure:"detach_grace_ms"`
}

type MessagesConfig struct {
	Acknowledgment     string `mapstructure:"acknowledgment"`
	RepeatPrompt       string `mapstructure:"repeat_prompt"`
	CaptureFailure     string `mapstructure:"capture_failure"`
	AgentError         string `mapstructure:"agent_error"`
	ComprehensionClose string `mapstructure:"comprehension_close"`
}

type RecognizerConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AgentConfig struct {
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	SampleRate    float64 `mapstructure:"sample_rate"`
	// MetricsJSONLPath appends every metrics event to a JSONL file when set.
	MetricsJSONLPath string `mapstructure:"metrics_jsonl_path"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("activation.phrases", []string{"hey earshot"})
	v.SetDefault("turn.silence_timeout_ms", 2000)
	v.SetDefault("turn.max_utterance_ms", 30000)
	v.SetDefault("turn.follow_up_window_ms", 10000)
	v.SetDefault("turn.duplicate_window_ms", 10000)
	v.SetDefault("turn.comprehension_threshold", 2)
	v.SetDefault("vision.capture_timeout_ms", 10000)
	v.SetDefault("vision.photo_dir", "")
	v.SetDefault("session.detach_grace_ms", 15000)
	v.SetDefault("agent.breaker_threshold", 3)
	v.SetDefault("agent.breaker_cooldown_ms", 30000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.metrics_jsonl_path", "")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Recognizer.Provider) == "" {
		return fmt.Errorf("recognizer.provider is required")
	}
	for _, p := range c.Activation.Phrases {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("activation.phrases must not contain empty entries")
		}
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be in [0, 1]")
	}
	return nil
}

// SessionConfigFor converts the flat millisecond knobs into the per-session
// config used by the turn-taking loop.
func (c *Config) SessionConfigFor() session.Config {
	return session.Config{
		SilenceTimeout:         time.Duration(c.Turn.SilenceTimeoutMS) * time.Millisecond,
		MaxUtterance:           time.Duration(c.Turn.MaxUtteranceMS) * time.Millisecond,
		FollowUpWindow:         time.Duration(c.Turn.FollowUpWindowMS) * time.Millisecond,
		DuplicateWindow:        time.Duration(c.Turn.DuplicateWindowMS) * time.Millisecond,
		ComprehensionThreshold: c.Turn.ComprehensionThreshold,
		Messages: session.Messages{
			Acknowledgment:     c.Messages.Acknowledgment,
			RepeatPrompt:       c.Messages.RepeatPrompt,
			CaptureFailure:     c.Messages.CaptureFailure,
			AgentError:         c.Messages.AgentError,
			ComprehensionClose: c.Messages.ComprehensionClose,
		},
	}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
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
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
