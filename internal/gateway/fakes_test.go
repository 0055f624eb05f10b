package gateway

import (
	"context"
	"iter"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/adapterpool"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/speech"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/synthcache"
	"github.com/ent0n29/voicegate/internal/tts"
)

// fakeTTS maps request text to behaviour:
//
//	"block:<x>"  yields <x>1 then waits for cancellation
//	"fail"       yields a provider failure
//	"drop"       yields a connection error
//	anything     yields <text>1 and <text>2
type fakeTTS struct {
	calls atomic.Int32
}

func (f *fakeTTS) Name() string                     { return "fake" }
func (f *fakeTTS) Initialize(context.Context) error { return nil }
func (f *fakeTTS) Close() error                     { return nil }
func (f *fakeTTS) IsOpen() bool                     { return true }

func (f *fakeTTS) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	f.calls.Add(1)
	return func(yield func([]byte, error) bool) {
		switch {
		case strings.HasPrefix(text, "block:"):
			name := strings.TrimPrefix(text, "block:")
			if !yield([]byte(name+"1"), nil) {
				return
			}
			<-ctx.Done()
			yield(nil, speech.ConnectionError("fake", ctx.Err()))
		case text == "fail":
			yield(nil, speech.ProviderFailure("fake", "quota_exceeded", "out of credits", false))
		case text == "drop":
			yield(nil, speech.ConnectionError("fake", context.DeadlineExceeded))
		default:
			if !yield([]byte(text+"1"), nil) {
				return
			}
			yield([]byte(text+"2"), nil)
		}
	}
}

// fakeSTT returns "hello" for a "final" chunk, pushes "async" through the
// sink for a "push" chunk and fails fatally on "boom".
type fakeSTT struct {
	mu   sync.Mutex
	sink stt.UtteranceFunc
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) Initialize(_ context.Context, sink stt.UtteranceFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeSTT) Transcribe(_ context.Context, chunk []byte) (string, error) {
	switch string(chunk) {
	case "final":
		return "hello", nil
	case "push":
		f.mu.Lock()
		sink := f.sink
		f.mu.Unlock()
		sink("async")
		return "", nil
	case "boom":
		return "", speech.ProviderFailure("fake", "bad_audio", "rejected", false)
	case "flaky":
		return "", speech.ConnectionError("fake", context.DeadlineExceeded)
	default:
		return "", nil
	}
}

func (f *fakeSTT) Close() error { return nil }
func (f *fakeSTT) IsOpen() bool { return true }

type testServer struct {
	srv     *Server
	ts      *httptest.Server
	metrics *observability.Metrics
}

func testConfig() config.Config {
	return config.Config{
		AdapterScope:        config.ScopeConnection,
		TTSProvider:         "fake",
		STTProvider:         "fake",
		TTSMaxChars:         4000,
		CacheBackend:        config.CacheOff,
		ConnectionRetention: time.Minute,
	}
}

func newTestServer(t *testing.T, cfg config.Config, sttAdapter stt.Adapter, ttsAdapter tts.Adapter, cache *synthcache.Cache) *testServer {
	t.Helper()
	deps := Deps{
		Logger:  zap.NewNop(),
		Metrics: observability.NewMetrics("test"),
		Cache:   cache,
	}
	if sttAdapter != nil {
		p, err := adapterpool.New(cfg.AdapterScope, cfg.AdapterPoolSize, func() (stt.Adapter, error) { return sttAdapter, nil }, nil)
		require.NoError(t, err)
		deps.STT = p
	}
	if ttsAdapter != nil {
		p, err := adapterpool.New(cfg.AdapterScope, cfg.AdapterPoolSize, func() (tts.Adapter, error) { return ttsAdapter, nil }, nil)
		require.NoError(t, err)
		deps.TTS = p
	}
	srv := New(cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Router(ctx))
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{srv: srv, ts: ts, metrics: deps.Metrics}
}

func (s *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type message struct {
	binary bool
	data   string
}

func readMessage(t *testing.T, conn *websocket.Conn) (message, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return message{}, err
	}
	return message{binary: mt == websocket.BinaryMessage, data: string(data)}, nil
}

// readUntilDone collects binary payloads until a done frame arrives.
func readUntilDone(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	var audio []string
	for {
		msg, err := readMessage(t, conn)
		require.NoError(t, err)
		if !msg.binary {
			require.JSONEq(t, `{"action":"done"}`, msg.data)
			return audio
		}
		audio = append(audio, msg.data)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(v)))
}
