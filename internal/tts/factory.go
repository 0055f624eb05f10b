package tts

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/speech"
)

// Factory builds a fresh adapter for the configured provider.
type Factory func() (Adapter, error)

// NewFactory validates the TTS settings and returns a Factory for them.
func NewFactory(cfg config.Config, logger *zap.Logger) (Factory, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.TTSProvider)); name {
	case "cartesia":
		if cfg.CartesiaAPIKey == "" {
			return nil, speech.MissingCredential(name, "CARTESIA_API_KEY")
		}
		c := CartesiaConfig{
			APIKey:     cfg.CartesiaAPIKey,
			WSURL:      cfg.CartesiaWSURL,
			Version:    cfg.CartesiaVersion,
			VoiceID:    cfg.CartesiaVoiceID,
			ModelID:    cfg.CartesiaModelID,
			Language:   cfg.STTLanguage,
			SampleRate: cfg.TTSSampleRate,
		}
		return func() (Adapter, error) { return NewCartesiaAdapter(c, logger), nil }, nil

	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			return nil, speech.MissingCredential(name, "ELEVENLABS_API_KEY")
		}
		c := ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			VoiceID:    cfg.ElevenLabsVoiceID,
			ModelID:    cfg.ElevenLabsModelID,
			Stability:  cfg.ElevenLabsStability,
			Similarity: cfg.ElevenLabsSimilarity,
			SampleRate: cfg.TTSSampleRate,
		}
		return func() (Adapter, error) { return NewElevenLabsAdapter(c, logger), nil }, nil

	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, speech.MissingCredential(name, "DG_API_KEY")
		}
		c := DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			BaseURL:    cfg.DeepgramBaseURL,
			Voice:      cfg.DeepgramTTSVoice,
			SampleRate: cfg.TTSSampleRate,
		}
		return func() (Adapter, error) { return NewDeepgramAdapter(c, logger), nil }, nil

	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, speech.MissingCredential(name, "OPENAI_API_KEY")
		}
		c := OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAITTSModel,
			Voice:      cfg.OpenAITTSVoice,
			SampleRate: cfg.TTSSampleRate,
		}
		return func() (Adapter, error) { return NewOpenAIAdapter(c, logger), nil }, nil

	default:
		return nil, fmt.Errorf("%w: TTS_PROVIDER=%q", speech.ErrUnknownProvider, cfg.TTSProvider)
	}
}
