// SPDX-License-Identifier: Apache-2.0
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/opmanager"
)

const heartbeatInterval = 15 * time.Second

// streamOperation serves GET /api/operations/:id/stream, replaying the
// operation's backlog and then forwarding live events as SSE frames until
// the operation terminates and its subscriber channel closes, or the
// client disconnects.
func (s *Server) streamOperation(w http.ResponseWriter, r *http.Request, op *opmanager.Operation) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, katanaerr.New(katanaerr.CodeInternal, "streaming not supported by this response writer", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := op.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\r\n\r\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, e opmanager.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + string(e.Type) + "\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(append(append([]byte("data: "), data...), '\r', '\n', '\r', '\n')); err != nil {
		return err
	}
	return nil
}
