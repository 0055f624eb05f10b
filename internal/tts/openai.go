package tts

import (
	"context"
	"errors"
	"io"
	"iter"
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

const (
	// OpenAISourceRate is the fixed rate of the provider's pcm output.
	OpenAISourceRate = 24000
	// OpenAIFrameSize is the number of source bytes resampled at a time.
	OpenAIFrameSize = 12288
)

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Voice      string
	SampleRate int
	HTTPClient *http.Client
	// NewResampler overrides the resampler constructor.
	NewResampler func(srcRate, dstRate int) (audio.Resampler, error)
}

// OpenAIAdapter requests pcm speech at 24 kHz and resamples it to the gateway
// rate in fixed frames as the body streams in.
type OpenAIAdapter struct {
	cfg OpenAIConfig
	log *zap.Logger

	mu     sync.Mutex
	client *openai.Client
	open   atomic.Bool
}

func NewOpenAIAdapter(cfg OpenAIConfig, logger *zap.Logger) *OpenAIAdapter {
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = speech.SampleRate
	}
	if cfg.NewResampler == nil {
		cfg.NewResampler = audio.NewResampler
	}
	return &OpenAIAdapter{cfg: cfg, log: logging.OrNop(logger).Named("tts.openai")}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.open.Store(true)
		return nil
	}
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return speech.MissingCredential(a.Name(), "OPENAI_API_KEY")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(a.cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(a.cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if a.cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(a.cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	a.client = &client
	a.open.Store(true)
	return nil
}

func (a *OpenAIAdapter) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !a.open.Load() {
			if err := a.Initialize(ctx); err != nil {
				yield(nil, err)
				return
			}
		}
		a.mu.Lock()
		client := a.client
		a.mu.Unlock()

		resampler, err := a.cfg.NewResampler(OpenAISourceRate, a.cfg.SampleRate)
		if err != nil {
			yield(nil, err)
			return
		}

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		resp, err := client.Audio.Speech.New(reqCtx, openai.AudioSpeechNewParams{
			Input:          text,
			Model:          openai.SpeechModel(a.cfg.Model),
			Voice:          openai.AudioSpeechNewParamsVoice(a.cfg.Voice),
			ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		})
		if err != nil {
			yield(nil, a.classify(ctx, err))
			return
		}
		defer resp.Body.Close()

		for frame, err := range resampleFrames(resp.Body, resampler, OpenAIFrameSize) {
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				} else if !errors.Is(err, speech.ErrProtocol) {
					err = speech.ConnectionError(a.Name(), err)
				}
				yield(nil, err)
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

func (a *OpenAIAdapter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return speech.HTTPFailure(a.Name(), apiErr.StatusCode, apiErr.Message, reliability.IsRetryableHTTPStatus(apiErr.StatusCode))
	}
	return speech.ConnectionError(a.Name(), err)
}

// resampleFrames reads body in frameSize pieces, resampling each complete
// frame as soon as it is buffered. The trailing partial frame is padded to a
// whole sample and resampled too, then the resampler is flushed so no audio
// is dropped.
func resampleFrames(body io.Reader, r audio.Resampler, frameSize int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, 0, frameSize*2)
		read := make([]byte, frameSize)
		emit := func(frame []byte) bool {
			out, err := r.Resample(frame)
			if err != nil {
				yield(nil, speech.ProtocolError("openai", "resample frame", err))
				return false
			}
			if len(out) == 0 {
				return true
			}
			return yield(out, nil)
		}
		for {
			n, err := body.Read(read)
			buf = append(buf, read[:n]...)
			for len(buf) >= frameSize {
				frame := make([]byte, frameSize)
				copy(frame, buf[:frameSize])
				buf = append(buf[:0], buf[frameSize:]...)
				if !emit(frame) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
		if len(buf) > 0 {
			if len(buf)%2 == 1 {
				buf = append(buf, 0)
			}
			if !emit(buf) {
				return
			}
		}
		tail, err := r.Flush()
		if err != nil {
			yield(nil, speech.ProtocolError("openai", "flush resampler", err))
			return
		}
		if len(tail) > 0 {
			yield(tail, nil)
		}
	}
}

func (a *OpenAIAdapter) Close() error {
	a.open.Store(false)
	return nil
}

func (a *OpenAIAdapter) IsOpen() bool { return a.open.Load() }
