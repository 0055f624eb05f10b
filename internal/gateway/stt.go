package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/speech"
)

const (
	readLimit   = 2 << 20
	idleTimeout = 120 * time.Second
)

// handleSTTWS streams client PCM into the STT adapter and sends every
// finalized utterance back as a text frame.
func (s *Server) handleSTTWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	rec := s.sessions.Register(ServiceSTT, r.RemoteAddr)
	log := s.log.With(zap.String("service", ServiceSTT), zap.String("connection_id", rec.ID))
	s.transition(rec, session.StateConnecting)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	adapter, release, err := s.stt.Acquire(ctx)
	if err != nil {
		log.Error("stt adapter unavailable", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stt unavailable"),
			time.Now().Add(writeTimeout))
		s.transition(rec, session.StateClosed)
		return
	}
	_ = s.sessions.SetProvider(rec.ID, adapter.Name())
	log = log.With(zap.String("provider", adapter.Name()))

	out := newFrameWriter(conn, ServiceSTT, nil, s.metrics, log)
	writerCtx, stopWriter := context.WithCancel(ctx)
	go out.run(writerCtx)

	sink := func(text string) {
		if out.send(ctx, outFrame{msgType: websocket.TextMessage, data: []byte(text), label: "utterance"}) {
			s.metrics.Utterances.WithLabelValues(adapter.Name()).Inc()
		}
	}

	fatal := false
	if err := adapter.Initialize(ctx, sink); err != nil {
		s.metrics.ProviderErrors.WithLabelValues(adapter.Name(), speech.KindLabel(err)).Inc()
		if speech.Fatal(err) {
			log.Error("stt adapter initialization failed", zap.Error(err))
			fatal = true
		} else {
			// Adapters re-initialize lazily on the next chunk.
			log.Warn("stt adapter initialization failed, will retry", zap.Error(err))
		}
	}

	if !fatal {
		s.transition(rec, session.StateOpen)
		fatal = s.readAudio(ctx, conn, rec, adapter.Name(), adapter.Transcribe, sink, log)
	}

	s.transition(rec, session.StateClosing)
	if fatal {
		if out.closeWith(ctx, websocket.CloseInternalServerErr, "provider failure") {
			select {
			case <-out.done:
			case <-time.After(writeTimeout):
			}
		}
	}
	stopWriter()
	<-out.done
	release()
	s.transition(rec, session.StateClosed)
	log.Info("stt connection closed")
}

// readAudio runs the receive loop. It reports whether it stopped because of
// a fatal provider error.
func (s *Server) readAudio(
	ctx context.Context,
	conn *websocket.Conn,
	rec *session.Conn,
	provider string,
	transcribe func(context.Context, []byte) (string, error),
	sink func(string),
	log *zap.Logger,
) bool {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		_ = s.sessions.Touch(rec.ID)
		if msgType != websocket.BinaryMessage {
			s.metrics.WSMessages.WithLabelValues(ServiceSTT, "inbound_ignored", "text").Inc()
			continue
		}
		s.metrics.WSMessages.WithLabelValues(ServiceSTT, "inbound", "audio").Inc()

		began := time.Now()
		text, err := transcribe(ctx, data)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.metrics.ProviderErrors.WithLabelValues(provider, speech.KindLabel(err)).Inc()
			if speech.Fatal(err) {
				log.Error("stt provider failure", zap.Error(err))
				return true
			}
			log.Warn("stt transcribe failed", zap.Error(err))
			continue
		}
		if text != "" {
			s.metrics.ObserveLatency(provider, observability.StageTranscribe, time.Since(began))
			log.Debug("utterance", logging.Text("text", text))
			sink(text)
		}
	}
}
