package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleLogStream upgrades to a websocket and pushes each recorded sync
// log entry to the client until it disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin dashboard plus token auth upstream
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	entries, cancel := s.engine.Activity().Subscribe()
	defer cancel()

	ctx := r.Context()

	// Reader goroutine: the client never sends data, but reading surfaces
	// close frames so the loop below unblocks promptly.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, readErr := conn.Read(ctx); readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, streamWriteTimeout)
			writeErr := wsjson.Write(writeCtx, conn, entry)
			writeCancel()
			if writeErr != nil {
				return
			}
		}
	}
}
