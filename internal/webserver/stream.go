package webserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/lifecycle"
)

// handleStream is the dashboard SSE feed: an init snapshot of recent
// requests, then one event per transition, with periodic pings.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")

	broker := s.lifecycle.Broker()
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	events := make([]lifecycle.Event, 0, 20)
	recent, err := s.lifecycle.Recent(r.Context(), 20)
	if err != nil {
		s.logger.Warn("stream snapshot failed", zap.Error(err))
	}
	for i := range recent {
		events = append(events, lifecycle.EventFor(&recent[i]))
	}
	snapshot, _ := json.Marshal(events)
	fmt.Fprintf(w, "event: init\ndata: %s\n\n", snapshot)
	flusher.Flush()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: request\ndata: %s\n\n", msg)
			flusher.Flush()
		case t := <-ping.C:
			fmt.Fprintf(w, "event: ping\ndata: %d\n\n", t.UnixMilli())
			flusher.Flush()
		}
	}
}
