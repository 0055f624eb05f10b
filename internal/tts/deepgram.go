package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/speech"
)

// DeepgramReadSize is the block size used to read the streamed response.
const DeepgramReadSize = 4096

type DeepgramConfig struct {
	APIKey     string
	BaseURL    string
	Voice      string
	SampleRate int
	HTTPClient *http.Client
}

// DeepgramAdapter posts text to the speak endpoint and streams the raw
// linear16 response body.
type DeepgramAdapter struct {
	cfg  DeepgramConfig
	log  *zap.Logger
	open atomic.Bool
}

func NewDeepgramAdapter(cfg DeepgramConfig, logger *zap.Logger) *DeepgramAdapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if cfg.Voice == "" {
		cfg.Voice = "aura-asteria-en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = speech.SampleRate
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &DeepgramAdapter{cfg: cfg, log: logging.OrNop(logger).Named("tts.deepgram")}
}

func (a *DeepgramAdapter) Name() string { return "deepgram" }

func (a *DeepgramAdapter) Initialize(context.Context) error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return speech.MissingCredential(a.Name(), "DG_API_KEY")
	}
	a.open.Store(true)
	return nil
}

func (a *DeepgramAdapter) speakURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/speak")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", a.cfg.Voice)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(a.cfg.SampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type readResult struct {
	data []byte
	err  error
}

func (a *DeepgramAdapter) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !a.open.Load() {
			if err := a.Initialize(ctx); err != nil {
				yield(nil, err)
				return
			}
		}
		target, err := a.speakURL()
		if err != nil {
			yield(nil, err)
			return
		}
		body, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			yield(nil, err)
			return
		}

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			yield(nil, err)
			return
		}
		req.Header.Set("Authorization", "Token "+a.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.cfg.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			yield(nil, speech.ConnectionError(a.Name(), err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			yield(nil, speech.HTTPFailure(a.Name(), resp.StatusCode, strings.TrimSpace(string(detail)), reliability.IsRetryableHTTPStatus(resp.StatusCode)))
			return
		}

		// Body reads block; they run on their own goroutine so cancellation
		// is observed between blocks. Cancelling reqCtx unblocks the reader.
		blocks := make(chan readResult, 4)
		go readBlocks(reqCtx, resp.Body, blocks)

		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case r, ok := <-blocks:
				if !ok {
					return
				}
				if r.err != nil {
					if ctx.Err() != nil {
						yield(nil, ctx.Err())
						return
					}
					yield(nil, speech.ConnectionError(a.Name(), fmt.Errorf("read speak response: %w", r.err)))
					return
				}
				if !yield(r.data, nil) {
					return
				}
			}
		}
	}
}

func readBlocks(ctx context.Context, body io.Reader, out chan<- readResult) {
	defer close(out)
	for {
		buf := make([]byte, DeepgramReadSize)
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			select {
			case out <- readResult{data: buf[:n]}:
			case <-ctx.Done():
				return
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (a *DeepgramAdapter) Close() error {
	a.open.Store(false)
	a.cfg.HTTPClient.CloseIdleConnections()
	return nil
}

func (a *DeepgramAdapter) IsOpen() bool { return a.open.Load() }
