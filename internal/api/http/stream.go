package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/oshokin/appliance-updater/internal/logger"
)

const streamWriteTimeout = 10 * time.Second

// stream pushes the current snapshot and then every status change until either side goes away.
func (s *Server) stream(conn *websocket.Conn) {
	ctx := s.baseCtx

	snapshots, cancel := s.deps.Updater.Subscribe()
	defer cancel()

	// The client never sends anything useful, reading only detects disconnects.
	gone := make(chan struct{})

	go func() {
		defer close(gone)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Debug(ctx, "Status stream opened")

	for {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				closeStream(conn, "status stream closed")
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}

			if err := conn.WriteJSON(snapshot); err != nil {
				logger.DebugKV(ctx, "Status stream write failed", "error", err)
				return
			}
		case <-gone:
			logger.Debug(ctx, "Status stream client disconnected")
			return
		case <-ctx.Done():
			closeStream(conn, "server shutting down")
			return
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}
