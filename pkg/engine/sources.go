package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/cclavio/earshot/pkg/configutil"
	"github.com/cclavio/earshot/pkg/recognizer"
	"github.com/cclavio/earshot/pkg/recognizer/deepgram"
	"github.com/cclavio/earshot/pkg/recognizer/mock"
	"github.com/cclavio/earshot/pkg/recognizer/ws"
)

type SourceFactory func(settings map[string]any) (recognizer.Source, error)

// SourceRegistry maps recognizer provider names to factories. Embedders can
// register their own providers before Engine construction.
type SourceRegistry struct {
	factories map[string]SourceFactory
}

func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{factories: make(map[string]SourceFactory)}
}

func (r *SourceRegistry) Register(name string, factory SourceFactory) {
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *SourceRegistry) Build(provider string, settings map[string]any) (recognizer.Source, error) {
	fn := r.factories[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("recognizer provider not registered: %s", provider)
	}
	return fn(settings)
}

// DefaultSourceRegistry returns a registry with the built-in providers.
func DefaultSourceRegistry() *SourceRegistry {
	r := NewSourceRegistry()
	r.Register("mock", buildMockSource)
	r.Register("ws", buildWSSource)
	r.Register("deepgram", buildDeepgramSource)
	return r
}

func buildMockSource(map[string]any) (recognizer.Source, error) {
	return mock.New(), nil
}

func buildWSSource(settings map[string]any) (recognizer.Source, error) {
	schema := configutil.Schema{
		Required: []string{"url"},
		Optional: []string{"ping_interval_ms", "reconnect_max", "reconnect_delay_ms"},
	}
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return nil, fmt.Errorf("ws recognizer settings: %w", err)
	}
	var decoded struct {
		URL              string `mapstructure:"url"`
		PingIntervalMS   int    `mapstructure:"ping_interval_ms"`
		ReconnectMax     int    `mapstructure:"reconnect_max"`
		ReconnectDelayMS int    `mapstructure:"reconnect_delay_ms"`
	}
	if err := configutil.DecodeSettings(settings, &decoded); err != nil {
		return nil, fmt.Errorf("ws recognizer settings: %w", err)
	}
	return ws.New(ws.Config{
		URL:            decoded.URL,
		PingInterval:   time.Duration(decoded.PingIntervalMS) * time.Millisecond,
		ReconnectMax:   decoded.ReconnectMax,
		ReconnectDelay: time.Duration(decoded.ReconnectDelayMS) * time.Millisecond,
	}), nil
}

func buildDeepgramSource(settings map[string]any) (recognizer.Source, error) {
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"session_id", "model", "language", "sample_rate", "encoding", "interim", "utterance_end_ms"},
	}
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return nil, fmt.Errorf("deepgram recognizer settings: %w", err)
	}
	var decoded struct {
		APIKey         string `mapstructure:"api_key"`
		SessionID      string `mapstructure:"session_id"`
		Model          string `mapstructure:"model"`
		Language       string `mapstructure:"language"`
		SampleRate     int    `mapstructure:"sample_rate"`
		Encoding       string `mapstructure:"encoding"`
		Interim        bool   `mapstructure:"interim"`
		UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	}
	if err := configutil.DecodeSettings(settings, &decoded); err != nil {
		return nil, fmt.Errorf("deepgram recognizer settings: %w", err)
	}
	if err := configutil.RequireString(decoded.APIKey, "recognizer.settings.api_key"); err != nil {
		return nil, err
	}
	return deepgram.New(deepgram.Config{
		APIKey:         decoded.APIKey,
		SessionID:      decoded.SessionID,
		Model:          decoded.Model,
		Language:       decoded.Language,
		SampleRate:     decoded.SampleRate,
		Encoding:       decoded.Encoding,
		Interim:        decoded.Interim,
		UtteranceEndMS: decoded.UtteranceEndMS,
	}), nil
}
