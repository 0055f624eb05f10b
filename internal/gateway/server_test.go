package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/synthcache"
)

func TestTTSChunksThenDone(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"hi"}`)
	assert.Equal(t, []string{"hi1", "hi2"}, readUntilDone(t, conn))
}

func TestTTSRecordsLatencyWindow(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"hi"}`)
	readUntilDone(t, conn)

	require.Eventually(t, func() bool {
		return len(s.metrics.SnapshotLatency().Series) == 2
	}, 5*time.Second, 10*time.Millisecond)
	var body observability.LatencySnapshot
	res, err := http.Get(s.ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	res.Body.Close()
	require.Len(t, body.Series, 2)
	for i, stage := range []observability.Stage{observability.StageFirstAudio, observability.StageSynthesis} {
		assert.Equal(t, stage, body.Series[i].Stage)
		assert.Equal(t, "tts", body.Series[i].Service)
		assert.Equal(t, "fake", body.Series[i].Provider)
		assert.Equal(t, uint64(1), body.Series[i].Observed)
	}
}

func TestTTSSplitsLongText(t *testing.T) {
	cfg := testConfig()
	cfg.TTSMaxChars = 5
	s := newTestServer(t, cfg, nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"aaa bbb"}`)
	assert.Equal(t, []string{"aaa1", "aaa2", "bbb1", "bbb2"}, readUntilDone(t, conn))
}

func TestTTSSupersedeDeliversOnlyLatest(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"block:A"}`)
	msg, err := readMessage(t, conn)
	require.NoError(t, err)
	require.Equal(t, message{binary: true, data: "A1"}, msg)

	sendJSON(t, conn, `{"action":"synthesize","text":"B"}`)
	assert.Equal(t, []string{"B1", "B2"}, readUntilDone(t, conn))
}

func TestTTSCancelSendsNothing(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"block:A"}`)
	_, err := readMessage(t, conn)
	require.NoError(t, err)
	sendJSON(t, conn, `{"action":"cancel"}`)
	// Cancel with nothing running is a no-op.
	sendJSON(t, conn, `{"action":"cancel"}`)

	// The next frames must belong to the following request only.
	sendJSON(t, conn, `{"action":"synthesize","text":"C"}`)
	assert.Equal(t, []string{"C1", "C2"}, readUntilDone(t, conn))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.SynthesisTasks.WithLabelValues("cancelled")))
}

func TestTTSCacheServesRepeatRequests(t *testing.T) {
	store, err := synthcache.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	adapter := &fakeTTS{}
	cache := synthcache.New(store, 4, zap.NewNop(), nil)
	s := newTestServer(t, testConfig(), nil, adapter, cache)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"hey"}`)
	first := strings.Join(readUntilDone(t, conn), "")
	sendJSON(t, conn, `{"action":"synthesize","text":"hey"}`)
	second := strings.Join(readUntilDone(t, conn), "")

	assert.Equal(t, "hey1hey2", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), adapter.calls.Load())
}

func TestTTSProviderFailureClosesWithErrorFrame(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"fail"}`)
	msg, err := readMessage(t, conn)
	require.NoError(t, err)
	require.False(t, msg.binary)

	var frame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal([]byte(msg.data), &frame))
	assert.Equal(t, protocol.ActionError, frame.Action)
	assert.Equal(t, "quota_exceeded", frame.Code)
	assert.Equal(t, "fake", frame.Provider)

	_, err = readMessage(t, conn)
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestTTSConnectionErrorEndsSegmentOnly(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"synthesize","text":"drop"}`)
	assert.Empty(t, readUntilDone(t, conn))

	sendJSON(t, conn, `{"action":"synthesize","text":"ok"}`)
	assert.Equal(t, []string{"ok1", "ok2"}, readUntilDone(t, conn))
}

func TestTTSInvalidRequests(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")

	sendJSON(t, conn, `{"action":"pause"}`)
	sendJSON(t, conn, `{"action":`)
	msg, err := readMessage(t, conn)
	require.NoError(t, err)
	var frame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal([]byte(msg.data), &frame))
	assert.Equal(t, "invalid_request", frame.Code)

	sendJSON(t, conn, `{"action":"synthesize","text":"ok"}`)
	assert.Equal(t, []string{"ok1", "ok2"}, readUntilDone(t, conn))
}

func TestSTTUtterances(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeSTT{}, nil, nil)
	conn := s.dial(t, "/api/v1/ws")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("silence")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("flaky")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("final")))
	msg, err := readMessage(t, conn)
	require.NoError(t, err)
	assert.Equal(t, message{data: "hello"}, msg)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("push")))
	msg, err = readMessage(t, conn)
	require.NoError(t, err)
	assert.Equal(t, message{data: "async"}, msg)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.Utterances.WithLabelValues("fake")) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ProviderErrors.WithLabelValues("fake", "connection")))
}

// echoSTT transcribes every chunk to its own bytes and keeps no state.
type echoSTT struct{}

func (echoSTT) Name() string { return "echo" }
func (echoSTT) Initialize(context.Context, stt.UtteranceFunc) error { return nil }
func (echoSTT) Transcribe(_ context.Context, chunk []byte) (string, error) {
	return string(chunk), nil
}
func (echoSTT) Close() error { return nil }
func (echoSTT) IsOpen() bool { return true }

func TestSTTSharedScopeKeepsConnectionsApart(t *testing.T) {
	cfg := testConfig()
	cfg.AdapterScope = config.ScopeShared
	s := newTestServer(t, cfg, echoSTT{}, nil, nil)
	a := s.dial(t, "/api/v1/ws")
	b := s.dial(t, "/api/v1/ws")

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte("from a")))
	require.NoError(t, b.WriteMessage(websocket.BinaryMessage, []byte("from b")))
	msg, err := readMessage(t, a)
	require.NoError(t, err)
	assert.Equal(t, message{data: "from a"}, msg)
	msg, err = readMessage(t, b)
	require.NoError(t, err)
	assert.Equal(t, message{data: "from b"}, msg)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte("again a")))
	msg, err = readMessage(t, a)
	require.NoError(t, err)
	assert.Equal(t, message{data: "again a"}, msg)

	_ = b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = b.ReadMessage()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "b received %v", err)
}

func TestSTTProviderFailureClosesSocket(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeSTT{}, nil, nil)
	conn := s.dial(t, "/api/v1/ws")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("boom")))
	_, err := readMessage(t, conn)
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestBothServicesRoutes(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeSTT{}, &fakeTTS{}, nil)

	sttConn := s.dial(t, "/api/v1/stt/ws")
	require.NoError(t, sttConn.WriteMessage(websocket.BinaryMessage, []byte("final")))
	msg, err := readMessage(t, sttConn)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.data)

	ttsConn := s.dial(t, "/api/v1/tts/ws")
	sendJSON(t, ttsConn, `{"action":"synthesize","text":"x"}`)
	assert.Equal(t, []string{"x1", "x2"}, readUntilDone(t, ttsConn))

	res, err := http.Get(s.ts.URL + "/api/v1/ws")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestConnectionsEndpointTracksLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	conn := s.dial(t, "/api/v1/ws")
	sendJSON(t, conn, `{"action":"synthesize","text":"hi"}`)
	readUntilDone(t, conn)

	var body session.ListResponse
	res, err := http.Get(s.ts.URL + "/v1/connections")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	res.Body.Close()
	require.Len(t, body.Connections, 1)
	assert.Equal(t, session.StateOpen, body.Connections[0].State)
	assert.Equal(t, "fake", body.Connections[0].Provider)
	assert.Equal(t, 1, body.Active["tts"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		list := s.srv.sessions.List()
		return len(list) == 1 && list[0].State == session.StateClosed &&
			testutil.ToFloat64(s.metrics.ActiveConnections.WithLabelValues("tts")) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthReadyMetrics(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/perf/latency"} {
		res, err := http.Get(s.ts.URL + path)
		require.NoError(t, err, path)
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
	}

	none := newTestServer(t, testConfig(), nil, nil, nil)
	res, err := http.Get(none.ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestUpgradeRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.WSRateLimitRPS = 0.001
	cfg.WSRateLimitBurst = 1
	s := newTestServer(t, cfg, nil, &fakeTTS{}, nil)

	s.dial(t, "/api/v1/ws")
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/api/v1/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
}

func TestCheckOriginRejectsForeignBrowsers(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, &fakeTTS{}, nil)
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/api/v1/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}
