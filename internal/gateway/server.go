// Package gateway serves the STT and TTS websockets.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/adapterpool"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/synthcache"
	"github.com/ent0n29/voicegate/internal/tts"
)

const (
	ServiceSTT = "stt"
	ServiceTTS = "tts"
)

// Deps are the collaborators of a Server. STT or TTS may be nil to run a
// single service.
type Deps struct {
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Sessions *session.Manager
	STT      *adapterpool.Pool[stt.Adapter]
	TTS      *adapterpool.Pool[tts.Adapter]
	Cache    *synthcache.Cache
}

type Server struct {
	cfg      config.Config
	log      *zap.Logger
	metrics  *observability.Metrics
	sessions *session.Manager
	stt      *adapterpool.Pool[stt.Adapter]
	tts      *adapterpool.Pool[tts.Adapter]
	cache    *synthcache.Cache
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := logging.OrNop(deps.Logger).Named("gateway")
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewManager(cfg.ConnectionRetention)
	}
	cache := deps.Cache
	if cache == nil {
		cache = synthcache.New(nil, 0, logger, metrics)
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  metrics,
		sessions: sessions,
		stt:      deps.STT,
		tts:      deps.TTS,
		cache:    cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Router builds the HTTP routes. ctx bounds background work such as the
// rate limiter's cleanup loop.
func (s *Server) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/v1/connections", s.handleListConnections)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	limit := RateLimiter(ctx, s.cfg.WSRateLimitRPS, s.cfg.WSRateLimitBurst, s.log)
	r.Group(func(r chi.Router) {
		r.Use(limit)
		switch {
		case s.stt != nil && s.tts != nil:
			r.Get("/api/v1/stt/ws", s.handleSTTWS)
			r.Get("/api/v1/tts/ws", s.handleTTSWS)
		case s.stt != nil:
			r.Get("/api/v1/ws", s.handleSTTWS)
		case s.tts != nil:
			r.Get("/api/v1/ws", s.handleTTSWS)
		}
	})
	return r
}

func (s *Server) services() []string {
	var out []string
	if s.stt != nil {
		out = append(out, ServiceSTT)
	}
	if s.tts != nil {
		out = append(out, ServiceTTS)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"services": s.services(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if len(s.services()) == 0 {
		respondError(w, http.StatusServiceUnavailable, "no_services", "no gateway service configured")
		return
	}
	payload := map[string]any{
		"status":        "ready",
		"services":      s.services(),
		"adapter_scope": s.cfg.AdapterScope,
	}
	if s.tts != nil {
		payload["tts_provider"] = s.cfg.TTSProvider
		payload["cache_backend"] = s.cfg.CacheBackend
	}
	if s.stt != nil {
		payload["stt_provider"] = s.cfg.STTProvider
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	active := make(map[string]int)
	for _, svc := range s.services() {
		active[svc] = s.sessions.ActiveCount(svc)
	}
	respondJSON(w, http.StatusOK, session.ListResponse{
		Active:      active,
		Connections: s.sessions.List(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

// transition moves a connection record and keeps the gauges in step.
func (s *Server) transition(c *session.Conn, next session.State) {
	if err := s.sessions.Transition(c.ID, next); err != nil {
		s.log.Debug("connection state change rejected", zap.String("connection_id", c.ID), zap.Error(err))
		return
	}
	s.metrics.ConnectionEvents.WithLabelValues(c.Service, string(next)).Inc()
	s.metrics.ActiveConnections.WithLabelValues(c.Service).Set(float64(s.sessions.ActiveCount(c.Service)))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
