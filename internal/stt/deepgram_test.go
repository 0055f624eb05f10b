package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/speech"
)

type fakeListen struct {
	srv   *httptest.Server
	dials atomic.Int32
}

// newFakeListen starts a websocket server that runs script for every
// accepted connection.
func newFakeListen(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) *fakeListen {
	t.Helper()
	f := &fakeListen{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token dg-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/listen" || r.URL.Query().Get("encoding") != "linear16" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.dials.Add(1)
		script(t, conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeListen) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func results(text string, final, speechFinal bool) map[string]any {
	return map[string]any{
		"type":         "Results",
		"channel":      map[string]any{"alternatives": []map[string]any{{"transcript": text}}},
		"is_final":     final,
		"speech_final": speechFinal,
	}
}

func TestDeepgramAdapterDeliversAggregatedUtterance(t *testing.T) {
	f := newFakeListen(t, func(t *testing.T, conn *websocket.Conn) {
		mt, data, err := conn.ReadMessage()
		if err != nil || mt != websocket.BinaryMessage || len(data) != 4 {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "Metadata", "request_id": "r1"})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(results("hel", true, false))
		_ = conn.WriteJSON(results("interim", false, false))
		_ = conn.WriteJSON(results("lo", true, true))
		// Hold the socket until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	a := NewDeepgramAdapter(DeepgramConfig{APIKey: "dg-key", WSBaseURL: f.wsURL()}, zap.NewNop())
	got := make(chan string, 4)
	require.NoError(t, a.Initialize(context.Background(), func(text string) { got <- text }))
	defer a.Close()

	text, err := a.Transcribe(context.Background(), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Empty(t, text)

	select {
	case u := <-got:
		assert.Equal(t, "hel lo", u)
	case <-time.After(2 * time.Second):
		t.Fatal("utterance not delivered")
	}
	assert.True(t, a.IsOpen())
}

func TestDeepgramAdapterErrorMessageClosesSession(t *testing.T) {
	f := newFakeListen(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "Error", "description": "bad audio"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	a := NewDeepgramAdapter(DeepgramConfig{APIKey: "dg-key", WSBaseURL: f.wsURL()}, zap.NewNop())
	require.NoError(t, a.Initialize(context.Background(), nil))
	defer a.Close()

	require.Eventually(t, func() bool { return !a.IsOpen() }, 2*time.Second, 10*time.Millisecond)
}

func TestDeepgramAdapterReinitializesLazily(t *testing.T) {
	f := newFakeListen(t, func(t *testing.T, conn *websocket.Conn) {
		// Server drops each connection after the first audio frame.
		_, _, _ = conn.ReadMessage()
	})

	a := NewDeepgramAdapter(DeepgramConfig{APIKey: "dg-key", WSBaseURL: f.wsURL()}, zap.NewNop())
	require.NoError(t, a.Initialize(context.Background(), nil))
	defer a.Close()

	_, err := a.Transcribe(context.Background(), []byte{0, 0})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !a.IsOpen() }, 2*time.Second, 10*time.Millisecond)

	_, err = a.Transcribe(context.Background(), []byte{0, 0})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.dials.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeepgramAdapterRequiresKey(t *testing.T) {
	a := NewDeepgramAdapter(DeepgramConfig{}, zap.NewNop())
	err := a.Initialize(context.Background(), nil)
	assert.ErrorIs(t, err, speech.ErrMissingCredential)
	assert.False(t, a.IsOpen())
}

func TestDeepgramAdapterRejectedHandshakeIsFatal(t *testing.T) {
	f := newFakeListen(t, func(*testing.T, *websocket.Conn) {})
	a := NewDeepgramAdapter(DeepgramConfig{APIKey: "wrong", WSBaseURL: f.wsURL()}, zap.NewNop())
	err := a.Initialize(context.Background(), nil)
	assert.ErrorIs(t, err, speech.ErrProviderFailure)
	assert.False(t, a.IsOpen())
}
