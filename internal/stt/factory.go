package stt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/speech"
)

// ErrSharedStreaming reports a streaming provider configured with the shared
// adapter scope. A streaming adapter holds one provider socket and one
// utterance sink, so connections sharing it would see each other's speech.
var ErrSharedStreaming = errors.New("streaming STT provider cannot use ADAPTER_SCOPE=shared")

// Factory builds a fresh adapter for the configured provider.
type Factory func() (Adapter, error)

// NormalizeProvider maps configuration aliases onto canonical names.
func NormalizeProvider(name string) string {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "faster_whisper", "whisper", "local":
		return "local"
	default:
		return n
	}
}

// NewFactory validates the STT settings and returns a Factory for them.
// Process-wide resources such as the local model are created once here and
// shared by every adapter the Factory returns.
func NewFactory(cfg config.Config, logger *zap.Logger) (Factory, error) {
	switch NormalizeProvider(cfg.STTProvider) {
	case "local":
		model, err := NewWhisperCLI(WhisperCLIConfig{
			Command:   cfg.WhisperCommand,
			ModelPath: cfg.WhisperModelPath,
			Language:  cfg.STTLanguage,
			Threads:   cfg.WhisperThreads,
		})
		if err != nil {
			return nil, fmt.Errorf("load local model: %w", err)
		}
		return NewLocalFactory(model, cfg.WhisperWorkers, logger), nil

	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, speech.MissingCredential("deepgram", "DG_API_KEY")
		}
		if cfg.AdapterScope == config.ScopeShared {
			return nil, fmt.Errorf("%w: STT_PROVIDER=%q", ErrSharedStreaming, cfg.STTProvider)
		}
		dg := DeepgramConfig{
			APIKey:              cfg.DeepgramAPIKey,
			WSBaseURL:           cfg.DeepgramWSBaseURL,
			Model:               cfg.DeepgramSTTModel,
			Language:            cfg.DeepgramSTTLanguage,
			SampleRate:          speech.SampleRate,
			KeepAlive:           5 * time.Second,
			ReconnectBackoff:    cfg.STTReconnectBackoff,
			ReconnectMaxBackoff: cfg.STTReconnectMaxBackoff,
		}
		return func() (Adapter, error) { return NewDeepgramAdapter(dg, logger), nil }, nil

	case "groq":
		if cfg.GroqAPIKey == "" {
			return nil, speech.MissingCredential("groq", "GROQ_STT_API_KEY")
		}
		gq := GroqConfig{
			APIKey:            cfg.GroqAPIKey,
			BaseURL:           cfg.GroqBaseURL,
			Model:             cfg.GroqSTTModel,
			Language:          cfg.STTLanguage,
			NoSpeechThreshold: cfg.NoSpeechThreshold,
			SampleRate:        speech.SampleRate,
		}
		return func() (Adapter, error) { return NewGroqAdapter(gq, logger), nil }, nil

	default:
		return nil, fmt.Errorf("%w: STT_PROVIDER=%q", speech.ErrUnknownProvider, cfg.STTProvider)
	}
}

// NewLocalFactory returns a Factory whose adapters share model and a worker
// pool of the given size.
func NewLocalFactory(model Model, workers int, logger *zap.Logger) Factory {
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	return func() (Adapter, error) { return NewLocalAdapter(model, sem, logger), nil }
}
