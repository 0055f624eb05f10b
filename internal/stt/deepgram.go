package stt

import (
	"context"
	"encoding/json"
	"fmt"
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

type DeepgramConfig struct {
	APIKey     string
	WSBaseURL  string
	Model      string
	Language   string
	SampleRate int
	// KeepAlive is the interval for KeepAlive control messages. Zero
	// disables them.
	KeepAlive           time.Duration
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration
	Dialer              *websocket.Dialer
}

// DeepgramAdapter streams audio to Deepgram's live transcription socket.
// Transcribe only forwards audio; finalized utterances are delivered
// asynchronously to the UtteranceFunc.
type DeepgramAdapter struct {
	cfg  DeepgramConfig
	log  *zap.Logger
	gate *reliability.Gate

	mu   sync.Mutex
	conn *deepgramConn
	sink UtteranceFunc
	open atomic.Bool
}

func NewDeepgramAdapter(cfg DeepgramConfig, logger *zap.Logger) *DeepgramAdapter {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = speech.SampleRate
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectBackoff {
		cfg.ReconnectMaxBackoff = 20 * cfg.ReconnectBackoff
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &DeepgramAdapter{
		cfg:  cfg,
		log:  logging.OrNop(logger).Named("stt.deepgram"),
		gate: reliability.NewGate(cfg.ReconnectBackoff, cfg.ReconnectMaxBackoff),
	}
}

func (a *DeepgramAdapter) Name() string { return "deepgram" }

func (a *DeepgramAdapter) listenURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(a.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", a.cfg.Model)
	q.Set("language", a.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(a.cfg.SampleRate))
	q.Set("interim_results", "true")
	q.Set("no_delay", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *DeepgramAdapter) Initialize(ctx context.Context, onUtterance UtteranceFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if onUtterance != nil {
		a.sink = onUtterance
	}
	if a.conn != nil && a.open.Load() {
		return nil
	}
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return speech.MissingCredential(a.Name(), "DG_API_KEY")
	}
	if ok, wait := a.gate.Allow(); !ok {
		return speech.ConnectionError(a.Name(), fmt.Errorf("reconnect backoff, next attempt in %s", wait.Round(time.Millisecond)))
	}

	target, err := a.listenURL()
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+a.cfg.APIKey)

	ws, resp, err := a.cfg.Dialer.DialContext(ctx, target, headers)
	if err != nil {
		a.gate.Failure()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return speech.HTTPFailure(a.Name(), resp.StatusCode, "listen handshake rejected", false)
		}
		return speech.ConnectionError(a.Name(), fmt.Errorf("dial listen websocket: %w", err))
	}
	a.gate.Success()

	c := &deepgramConn{ws: ws, done: make(chan struct{})}
	if a.conn != nil {
		a.conn.close()
	}
	a.conn = c
	a.open.Store(true)

	utterances := make(chan string, 16)
	go a.readLoop(c, utterances)
	go a.deliver(utterances)
	if a.cfg.KeepAlive > 0 {
		go a.keepAlive(c)
	}
	a.log.Debug("listen stream opened")
	return nil
}

func (a *DeepgramAdapter) Transcribe(ctx context.Context, chunk []byte) (string, error) {
	if !a.open.Load() {
		if err := a.Initialize(ctx, nil); err != nil {
			return "", err
		}
	}
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c == nil {
		return "", speech.ConnectionError(a.Name(), fmt.Errorf("listen stream closed"))
	}
	if len(chunk) == 0 {
		return "", nil
	}
	if err := c.write(websocket.BinaryMessage, chunk); err != nil {
		a.drop(c)
		return "", speech.ConnectionError(a.Name(), err)
	}
	return "", nil
}

func (a *DeepgramAdapter) Close() error {
	a.mu.Lock()
	c := a.conn
	a.conn = nil
	a.open.Store(false)
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	_ = c.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	c.close()
	return nil
}

func (a *DeepgramAdapter) IsOpen() bool { return a.open.Load() }

// drop marks c unusable. The adapter re-initializes on the next Transcribe.
func (a *DeepgramAdapter) drop(c *deepgramConn) {
	a.mu.Lock()
	if a.conn == c {
		a.open.Store(false)
	}
	a.mu.Unlock()
	c.close()
}

type deepgramMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
	Message     string `json:"message"`
	RequestID   string `json:"request_id"`
}

func (a *DeepgramAdapter) readLoop(c *deepgramConn, out chan<- string) {
	defer close(out)
	defer a.drop(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed() {
				a.log.Warn("listen stream ended", zap.Error(speech.ConnectionError(a.Name(), err)))
			}
			return
		}
		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Warn("skipping undecodable message", zap.Error(speech.ProtocolError(a.Name(), "decode message", err)))
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			utterance, ok := c.agg.Add(Segment{
				Text:          msg.Channel.Alternatives[0].Transcript,
				IsFinal:       msg.IsFinal,
				IsSpeechFinal: msg.SpeechFinal,
			})
			if !ok {
				continue
			}
			select {
			case out <- utterance:
			case <-c.done:
				return
			}
		case "Metadata":
			a.log.Debug("listen metadata", zap.String("request_id", msg.RequestID))
		case "SpeechStarted", "UtteranceEnd":
			a.log.Debug("listen event", zap.String("type", msg.Type))
		case "Error":
			a.log.Error("provider reported error",
				zap.String("description", msg.Description),
				zap.String("message", msg.Message),
			)
			return
		default:
			a.log.Debug("unhandled listen message", zap.String("type", msg.Type))
		}
	}
}

func (a *DeepgramAdapter) deliver(in <-chan string) {
	for utterance := range in {
		a.mu.Lock()
		sink := a.sink
		a.mu.Unlock()
		if sink != nil {
			sink(utterance)
		}
	}
}

func (a *DeepgramAdapter) keepAlive(c *deepgramConn) {
	t := time.NewTicker(a.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

type deepgramConn struct {
	ws        *websocket.Conn
	agg       Aggregator
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *deepgramConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(messageType, data)
}

func (c *deepgramConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *deepgramConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
