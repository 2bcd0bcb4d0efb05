package api

import (
	"encoding/json"
	"net/http"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/metrics"
	"r3chat/pkg/notify"
	"r3chat/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterWatch registers the per-conversation change feed.
func RegisterWatch(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/watch", watchConversation).Methods(http.MethodGet)
}

// watchConversation streams conversation change events as SSE. Watchers
// see checkpointed message updates, branch switches and presence
// changes; slow consumers lose events instead of stalling writers.
func watchConversation(w http.ResponseWriter, r *http.Request) {
	c, id, ok := loadConversationForRead(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	flusher, fok := w.(http.Flusher)
	if !fok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := notify.Subscribe(c.ID, 128)
	defer notify.Unsubscribe(sub)
	metrics.WatchersConnected.Inc()
	defer metrics.WatchersConnected.Dec()
	logger.Info("watch_started", "conversation", c.ID, "user", id.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("watch_closed", "conversation", c.ID, "user", id.ID)
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
