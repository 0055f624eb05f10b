package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/speech"
)

type CartesiaConfig struct {
	APIKey     string
	WSURL      string
	Version    string
	VoiceID    string
	ModelID    string
	Language   string
	SampleRate int
	Dialer     *websocket.Dialer
}

// CartesiaAdapter opens a fresh duplex socket for every synthesis. Each
// request carries a new context id; messages for any other context are
// dropped.
type CartesiaAdapter struct {
	cfg  CartesiaConfig
	log  *zap.Logger
	open atomic.Bool

	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
}

func NewCartesiaAdapter(cfg CartesiaConfig, logger *zap.Logger) *CartesiaAdapter {
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = "wss://api.cartesia.ai/tts/websocket"
	}
	if cfg.Version == "" {
		cfg.Version = "2024-06-10"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-english"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = speech.SampleRate
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &CartesiaAdapter{
		cfg:    cfg,
		log:    logging.OrNop(logger).Named("tts.cartesia"),
		active: make(map[*websocket.Conn]struct{}),
	}
}

func (a *CartesiaAdapter) Name() string { return "cartesia" }

func (a *CartesiaAdapter) socketURL() (string, error) {
	u, err := url.Parse(a.cfg.WSURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", a.cfg.APIKey)
	q.Set("cartesia_version", a.cfg.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Initialize only validates credentials; sockets are opened per call.
func (a *CartesiaAdapter) Initialize(context.Context) error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return speech.MissingCredential(a.Name(), "CARTESIA_API_KEY")
	}
	a.open.Store(true)
	return nil
}

func (a *CartesiaAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := a.socketURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Cartesia-Version", a.cfg.Version)
	conn, resp, err := a.cfg.Dialer.DialContext(ctx, target, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode >= 400 {
			return nil, speech.HTTPFailure(a.Name(), resp.StatusCode, "websocket handshake rejected", reliability.IsRetryableHTTPStatus(resp.StatusCode))
		}
		return nil, speech.ConnectionError(a.Name(), fmt.Errorf("dial tts websocket: %w", err))
	}
	return conn, nil
}

type cartesiaRequest struct {
	ContextID  string `json:"context_id"`
	ModelID    string `json:"model_id"`
	Transcript string `json:"transcript"`
	Voice      struct {
		Mode string `json:"mode"`
		ID   string `json:"id"`
	} `json:"voice"`
	OutputFormat struct {
		Container  string `json:"container"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"output_format"`
	Language string `json:"language,omitempty"`
	// Continue=false: each request carries a complete transcript, so the
	// provider may finalize prosody immediately.
	Continue bool `json:"continue"`
}

type cartesiaMessage struct {
	Type       string `json:"type"`
	ContextID  string `json:"context_id"`
	Data       string `json:"data"`
	Done       bool   `json:"done"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
}

func (a *CartesiaAdapter) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !a.open.Load() {
			if err := a.Initialize(ctx); err != nil {
				yield(nil, err)
				return
			}
		}
		conn, err := a.dial(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		a.track(conn)
		defer a.untrack(conn)
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		contextID := uuid.NewString()
		req := cartesiaRequest{
			ContextID:  contextID,
			ModelID:    a.cfg.ModelID,
			Transcript: text,
			Language:   a.cfg.Language,
		}
		req.Voice.Mode = "id"
		req.Voice.ID = a.cfg.VoiceID
		req.OutputFormat.Container = "raw"
		req.OutputFormat.Encoding = "pcm_s16le"
		req.OutputFormat.SampleRate = a.cfg.SampleRate

		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(req); err != nil {
			yield(nil, a.streamErr(ctx, err))
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				yield(nil, a.streamErr(ctx, err))
				return
			}
			var msg cartesiaMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				yield(nil, speech.ProtocolError(a.Name(), "decode message", err))
				return
			}
			if msg.ContextID != "" && msg.ContextID != contextID {
				a.log.Warn("dropping message for another context",
					zap.String("context_id", msg.ContextID),
					zap.String("type", msg.Type),
				)
				continue
			}
			switch msg.Type {
			case "chunk":
				pcm, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					yield(nil, speech.ProtocolError(a.Name(), "decode chunk", err))
					return
				}
				if len(pcm) == 0 {
					continue
				}
				if !yield(pcm, nil) {
					return
				}
				if msg.Done {
					return
				}
			case "done":
				return
			case "timestamps":
				a.log.Debug("timestamps received", zap.String("context_id", contextID))
			case "error":
				code := msg.ErrorCode
				if code == "" && msg.StatusCode != 0 {
					code = fmt.Sprint(msg.StatusCode)
				}
				retryable := reliability.IsRetryableHTTPStatus(msg.StatusCode) || reliability.IsRetryableProviderCode(msg.ErrorCode)
				yield(nil, speech.ProviderFailure(a.Name(), code, msg.Error, retryable))
				return
			default:
				a.log.Debug("unhandled message", zap.String("type", msg.Type))
			}
		}
	}
}

func (a *CartesiaAdapter) streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return speech.ConnectionError(a.Name(), err)
}

func (a *CartesiaAdapter) track(conn *websocket.Conn) {
	a.mu.Lock()
	a.active[conn] = struct{}{}
	a.mu.Unlock()
}

func (a *CartesiaAdapter) untrack(conn *websocket.Conn) {
	a.mu.Lock()
	delete(a.active, conn)
	a.mu.Unlock()
	_ = conn.Close()
}

// Close marks the adapter closed and tears down in-flight sockets.
func (a *CartesiaAdapter) Close() error {
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

func (a *CartesiaAdapter) IsOpen() bool { return a.open.Load() }
