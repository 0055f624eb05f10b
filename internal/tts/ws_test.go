package tts

import (
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeSocketServer runs handle for every accepted websocket connection.
type fakeSocketServer struct {
	srv      *httptest.Server
	accepted atomic.Int32
	lastReq  atomic.Pointer[http.Request]
}

func newFakeSocketServer(t *testing.T, handle func(conn *websocket.Conn)) *fakeSocketServer {
	t.Helper()
	f := &fakeSocketServer{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastReq.Store(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.accepted.Add(1)
		handle(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSocketServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// collect drains seq, returning every chunk and the first error.
func collect(seq iter.Seq2[[]byte, error]) ([][]byte, error) {
	var chunks [][]byte
	for chunk, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
