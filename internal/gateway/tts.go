package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/speech"
	"github.com/ent0n29/voicegate/internal/supervisor"
	"github.com/ent0n29/voicegate/internal/tts"
)

// ttsConn is the per-socket state of the TTS service.
type ttsConn struct {
	s       *Server
	rec     *session.Conn
	adapter tts.Adapter
	sup     *supervisor.Supervisor
	out     *frameWriter
	log     *zap.Logger
	failed  atomic.Bool
}

// handleTTSWS accepts synthesize and cancel requests and streams PCM back.
// At most one synthesis runs per socket; a new request supersedes the
// previous one.
func (s *Server) handleTTSWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	rec := s.sessions.Register(ServiceTTS, r.RemoteAddr)
	log := s.log.With(zap.String("service", ServiceTTS), zap.String("connection_id", rec.ID))
	s.transition(rec, session.StateConnecting)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	adapter, release, err := s.tts.Acquire(ctx)
	if err != nil {
		log.Error("tts adapter unavailable", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "tts unavailable"),
			time.Now().Add(writeTimeout))
		s.transition(rec, session.StateClosed)
		return
	}
	_ = s.sessions.SetProvider(rec.ID, adapter.Name())
	log = log.With(zap.String("provider", adapter.Name()))

	sup := supervisor.New(ctx)
	out := newFrameWriter(conn, ServiceTTS, sup.IsCurrent, s.metrics, log)
	writerCtx, stopWriter := context.WithCancel(ctx)
	go out.run(writerCtx)

	tc := &ttsConn{s: s, rec: rec, adapter: adapter, sup: sup, out: out, log: log}

	if err := adapter.Initialize(ctx); err != nil {
		s.metrics.ProviderErrors.WithLabelValues(adapter.Name(), speech.KindLabel(err)).Inc()
		if speech.Fatal(err) {
			log.Error("tts adapter initialization failed", zap.Error(err))
			tc.fail(ctx, err)
		} else {
			log.Warn("tts adapter initialization failed, will retry", zap.Error(err))
		}
	}

	s.transition(rec, session.StateOpen)
	tc.readRequests(ctx, conn)

	s.transition(rec, session.StateClosing)
	sup.Close()
	if tc.failed.Load() {
		// Let the error frame and close go out before tearing down.
		select {
		case <-out.done:
		case <-time.After(writeTimeout):
		}
	}
	stopWriter()
	<-out.done
	release()
	s.transition(rec, session.StateClosed)
	log.Info("tts connection closed")
}

func (c *ttsConn) readRequests(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		_ = c.s.sessions.Touch(c.rec.ID)
		if msgType != websocket.TextMessage {
			c.s.metrics.WSMessages.WithLabelValues(ServiceTTS, "inbound_ignored", "binary").Inc()
			continue
		}

		req, err := protocol.ParseSynthesisRequest(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedAction) {
				c.log.Warn("ignoring tts request", zap.Error(err))
				c.s.metrics.WSMessages.WithLabelValues(ServiceTTS, "inbound_ignored", "unknown").Inc()
				continue
			}
			c.log.Warn("invalid tts request", zap.Error(err))
			c.out.sendJSON(ctx, 0, "error", protocol.NewErrorFrame("invalid_request", "", err.Error(), false))
			continue
		}
		c.s.metrics.WSMessages.WithLabelValues(ServiceTTS, "inbound", string(req.Action)).Inc()

		switch req.Action {
		case protocol.ActionSynthesize:
			text := req.Text
			c.sup.Start(func(taskCtx context.Context, id uint64) {
				c.synthesize(taskCtx, id, text)
			})
		case protocol.ActionCancel:
			if c.sup.Cancel() {
				c.s.metrics.SynthesisTasks.WithLabelValues("cancelled").Inc()
			}
		}
	}
}

// synthesize streams every segment of text through the cache, then sends
// done. Nothing follows a cancelled task.
func (c *ttsConn) synthesize(ctx context.Context, id uint64, text string) {
	started := time.Now()
	first := true
	segments := tts.SplitText(text, c.s.cfg.TTSMaxChars)
	c.log.Debug("synthesis started",
		zap.Uint64("task", id),
		zap.Int("segments", len(segments)),
		logging.Text("text", text))
	for _, segment := range segments {
		for chunk, err := range c.s.cache.GetOrSynthesize(ctx, c.adapter, segment) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.s.metrics.ProviderErrors.WithLabelValues(c.adapter.Name(), speech.KindLabel(err)).Inc()
				if speech.Fatal(err) {
					c.log.Error("tts provider failure", zap.Uint64("task", id), zap.Error(err))
					c.s.metrics.SynthesisTasks.WithLabelValues("failed").Inc()
					c.fail(ctx, err)
					return
				}
				// The provider stream ended early; move on to the next segment.
				c.log.Warn("tts segment ended early", zap.Uint64("task", id), zap.Error(err))
				break
			}
			if len(chunk) == 0 {
				continue
			}
			if first {
				first = false
				c.s.metrics.ObserveFirstAudioLatency(c.adapter.Name(), time.Since(started))
			}
			if !c.out.send(ctx, outFrame{msgType: websocket.BinaryMessage, data: chunk, label: "audio", task: id}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if c.out.sendJSON(ctx, id, "done", protocol.NewDone()) {
		c.s.metrics.SynthesisTasks.WithLabelValues("completed").Inc()
		c.s.metrics.ObserveLatency(c.adapter.Name(), observability.StageSynthesis, time.Since(started))
	}
}

// fail sends an error frame and closes the socket.
func (c *ttsConn) fail(ctx context.Context, err error) {
	frame := protocol.NewErrorFrame("provider_failure", c.adapter.Name(), err.Error(), false)
	var se *speech.Error
	if errors.As(err, &se) {
		if se.Code != "" {
			frame.Code = se.Code
		}
		frame.Retryable = se.Retryable
	}
	data, mErr := json.Marshal(frame)
	if mErr != nil {
		data = nil
	}
	c.failed.Store(true)
	c.out.send(ctx, outFrame{
		msgType:     websocket.TextMessage,
		data:        data,
		label:       "error",
		closeCode:   websocket.CloseInternalServerErr,
		closeReason: "provider failure",
	})
}
