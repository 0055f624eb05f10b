package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/speech"
)

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	VoiceID    string
	ModelID    string
	Stability  float64
	Similarity float64
	SampleRate int
	Dialer     *websocket.Dialer
}

// ElevenLabsAdapter opens one stream-input socket per synthesis: the text is
// sent, followed by an empty end-of-stream marker, and audio is read until
// the provider reports the generation is final.
type ElevenLabsAdapter struct {
	cfg  ElevenLabsConfig
	log  *zap.Logger
	open atomic.Bool

	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
}

func NewElevenLabsAdapter(cfg ElevenLabsConfig, logger *zap.Logger) *ElevenLabsAdapter {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = speech.SampleRate
	}
	cfg.Stability = clampUnit(cfg.Stability, 0.9)
	cfg.Similarity = clampUnit(cfg.Similarity, 0.9)
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &ElevenLabsAdapter{
		cfg:    cfg,
		log:    logging.OrNop(logger).Named("tts.elevenlabs"),
		active: make(map[*websocket.Conn]struct{}),
	}
}

func clampUnit(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	if v > 1 {
		return 1
	}
	return v
}

func (a *ElevenLabsAdapter) Name() string { return "elevenlabs" }

func (a *ElevenLabsAdapter) Initialize(context.Context) error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return speech.MissingCredential(a.Name(), "ELEVENLABS_API_KEY")
	}
	if strings.TrimSpace(a.cfg.VoiceID) == "" {
		return speech.ProviderFailure(a.Name(), "config", "ELEVENLABS_VOICE_ID is required", false)
	}
	a.open.Store(true)
	return nil
}

func (a *ElevenLabsAdapter) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(a.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(a.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", a.cfg.ModelID)
	q.Set("output_format", "pcm_"+strconv.Itoa(a.cfg.SampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type elevenMessage struct {
	Audio   *string         `json:"audio"`
	IsFinal *bool           `json:"isFinal"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func (m elevenMessage) errorCode() (string, bool) {
	raw := strings.TrimSpace(string(m.Error))
	if raw == "" || raw == "null" {
		return "", false
	}
	var code string
	if err := json.Unmarshal(m.Error, &code); err == nil {
		return code, true
	}
	return raw, true
}

func (a *ElevenLabsAdapter) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !a.open.Load() {
			if err := a.Initialize(ctx); err != nil {
				yield(nil, err)
				return
			}
		}
		target, err := a.streamURL()
		if err != nil {
			yield(nil, err)
			return
		}
		headers := http.Header{}
		headers.Set("xi-api-key", a.cfg.APIKey)

		conn, resp, err := a.cfg.Dialer.DialContext(ctx, target, headers)
		if err != nil {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if resp != nil && resp.StatusCode >= 400 {
				yield(nil, speech.HTTPFailure(a.Name(), resp.StatusCode, "stream-input handshake rejected", reliability.IsRetryableHTTPStatus(resp.StatusCode)))
				return
			}
			yield(nil, speech.ConnectionError(a.Name(), fmt.Errorf("dial tts websocket: %w", err)))
			return
		}
		a.track(conn)
		defer a.untrack(conn)
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		first := map[string]any{
			"text": text,
			"voice_settings": map[string]any{
				"stability":        a.cfg.Stability,
				"similarity_boost": a.cfg.Similarity,
			},
			"xi_api_key":             a.cfg.APIKey,
			"try_trigger_generation": true,
		}
		if err := conn.WriteJSON(first); err != nil {
			yield(nil, a.streamErr(ctx, err))
			return
		}
		// Empty text marks end of input.
		if err := conn.WriteJSON(map[string]string{"text": ""}); err != nil {
			yield(nil, a.streamErr(ctx, err))
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				yield(nil, a.streamErr(ctx, err))
				return
			}
			var msg elevenMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				yield(nil, speech.ProtocolError(a.Name(), "decode message", err))
				return
			}
			if msg.Audio != nil && *msg.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(*msg.Audio)
				if err != nil {
					yield(nil, speech.ProtocolError(a.Name(), "decode audio", err))
					return
				}
				if len(pcm) > 0 && !yield(pcm, nil) {
					return
				}
				if msg.IsFinal != nil && *msg.IsFinal {
					return
				}
				continue
			}
			if code, ok := msg.errorCode(); ok {
				yield(nil, speech.ProviderFailure(a.Name(), code, msg.Message, reliability.IsRetryableProviderCode(code)))
				return
			}
			// Neither audio nor error: the generation is complete.
			return
		}
	}
}

func (a *ElevenLabsAdapter) streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return speech.ConnectionError(a.Name(), err)
}

func (a *ElevenLabsAdapter) track(conn *websocket.Conn) {
	a.mu.Lock()
	a.active[conn] = struct{}{}
	a.mu.Unlock()
}

func (a *ElevenLabsAdapter) untrack(conn *websocket.Conn) {
	a.mu.Lock()
	delete(a.active, conn)
	a.mu.Unlock()
	_ = conn.Close()
}

// Close marks the adapter closed and tears down in-flight streams.
func (a *ElevenLabsAdapter) Close() error {
	a.open.Store(false)
	a.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(a.active))
	for c := range a.active {
		conns = append(conns, c)
	}
	a.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (a *ElevenLabsAdapter) IsOpen() bool { return a.open.Load() }
