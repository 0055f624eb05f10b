package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/speech"
)

type GroqConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Language          string
	NoSpeechThreshold float64
	SampleRate        int
	HTTPClient        *http.Client
}

// GroqAdapter sends every chunk as a standalone WAV file to an
// OpenAI-compatible transcription endpoint and filters out chunks the model
// judges to be silence.
type GroqAdapter struct {
	cfg GroqConfig
	log *zap.Logger

	mu     sync.Mutex
	client *openai.Client
	open   atomic.Bool
}

func NewGroqAdapter(cfg GroqConfig, logger *zap.Logger) *GroqAdapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = speech.SampleRate
	}
	return &GroqAdapter{cfg: cfg, log: logging.OrNop(logger).Named("stt.groq")}
}

func (a *GroqAdapter) Name() string { return "groq" }

func (a *GroqAdapter) Initialize(context.Context, UtteranceFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.open.Store(true)
		return nil
	}
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return speech.MissingCredential(a.Name(), "GROQ_STT_API_KEY")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(a.cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(a.cfg.BaseURL, "/") + "/"),
		option.WithMaxRetries(0),
	}
	if a.cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(a.cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	a.client = &client
	a.open.Store(true)
	return nil
}

func (a *GroqAdapter) Transcribe(ctx context.Context, chunk []byte) (string, error) {
	if !a.open.Load() {
		if err := a.Initialize(ctx, nil); err != nil {
			return "", err
		}
	}
	if len(chunk) == 0 {
		return "", nil
	}
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	wav := make([]byte, 0, audio.WAVHeaderSize+len(chunk))
	wav = append(wav, audio.WAVHeader(len(chunk), a.cfg.SampleRate, 1, 16)...)
	wav = append(wav, chunk...)

	resp, err := client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:          openai.AudioModel(a.cfg.Model),
		Language:       openai.String(a.cfg.Language),
		Temperature:    openai.Float(0),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return "", a.classify(ctx, err)
	}

	var verbose verboseTranscription
	if raw := resp.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &verbose); err != nil {
			return "", speech.ProtocolError(a.Name(), "decode verbose transcription", err)
		}
	}
	if verbose.Text == "" {
		verbose.Text = resp.Text
	}
	text := filterNoSpeech(verbose, a.cfg.NoSpeechThreshold)
	if text == "" && verbose.Text != "" {
		a.log.Debug("suppressed no-speech transcript", logging.Text("text", verbose.Text))
	}
	return text, nil
}

func (a *GroqAdapter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return speech.HTTPFailure(a.Name(), apiErr.StatusCode, apiErr.Message, reliability.IsRetryableHTTPStatus(apiErr.StatusCode))
	}
	return speech.ConnectionError(a.Name(), err)
}

func (a *GroqAdapter) Close() error {
	a.open.Store(false)
	return nil
}

func (a *GroqAdapter) IsOpen() bool { return a.open.Load() }

type verboseTranscription struct {
	Text     string `json:"text"`
	Segments []struct {
		Text         string  `json:"text"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// filterNoSpeech returns "" when the response has no segments or when the
// first segment's no-speech probability exceeds threshold.
func filterNoSpeech(v verboseTranscription, threshold float64) string {
	if len(v.Segments) == 0 {
		return ""
	}
	if v.Segments[0].NoSpeechProb > threshold {
		return ""
	}
	return v.Text
}
