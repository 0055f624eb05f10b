package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/observability"
)

const writeTimeout = 10 * time.Second

type outFrame struct {
	msgType int
	data    []byte
	label   string
	// task is the synthesis task that produced the frame; 0 for frames that
	// are always delivered.
	task uint64
	// closeCode, when set, closes the socket after the frame is written.
	closeCode   int
	closeReason string
}

// frameWriter owns every write to a client socket.
type frameWriter struct {
	conn    *websocket.Conn
	service string
	out     chan outFrame
	done    chan struct{}
	current func(uint64) bool
	metrics *observability.Metrics
	log     *zap.Logger
}

func newFrameWriter(conn *websocket.Conn, service string, current func(uint64) bool, metrics *observability.Metrics, logger *zap.Logger) *frameWriter {
	return &frameWriter{
		conn:    conn,
		service: service,
		out:     make(chan outFrame, 64),
		done:    make(chan struct{}),
		current: current,
		metrics: metrics,
		log:     logger,
	}
}

// send queues f. It reports false once ctx is done or the writer has
// stopped.
func (w *frameWriter) send(ctx context.Context, f outFrame) bool {
	select {
	case w.out <- f:
		return true
	case <-ctx.Done():
		return false
	case <-w.done:
		return false
	}
}

func (w *frameWriter) sendJSON(ctx context.Context, task uint64, label string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		w.log.Error("encode frame failed", zap.String("type", label), zap.Error(err))
		return false
	}
	return w.send(ctx, outFrame{msgType: websocket.TextMessage, data: data, label: label, task: task})
}

// closeWith queues a close after any frames already queued.
func (w *frameWriter) closeWith(ctx context.Context, code int, reason string) bool {
	return w.send(ctx, outFrame{closeCode: code, closeReason: reason, label: "close"})
}

// run writes frames until ctx is done, a write fails, or a close frame is
// written. The socket is closed on every exit so a blocked reader returns.
func (w *frameWriter) run(ctx context.Context) {
	defer close(w.done)
	defer w.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-w.out:
			if f.task != 0 && w.current != nil && !w.current(f.task) {
				w.metrics.WSMessages.WithLabelValues(w.service, "outbound_dropped", f.label).Inc()
				continue
			}
			deadline := time.Now().Add(writeTimeout)
			if f.closeCode != 0 {
				if f.data != nil {
					_ = w.conn.SetWriteDeadline(deadline)
					_ = w.conn.WriteMessage(f.msgType, f.data)
				}
				msg := websocket.FormatCloseMessage(f.closeCode, f.closeReason)
				_ = w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			_ = w.conn.SetWriteDeadline(deadline)
			if err := w.conn.WriteMessage(f.msgType, f.data); err != nil {
				w.log.Debug("websocket write failed", zap.Error(err))
				return
			}
			w.metrics.WSMessages.WithLabelValues(w.service, "outbound", f.label).Inc()
		}
	}
}
