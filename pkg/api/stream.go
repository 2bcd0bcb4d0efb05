package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"r3chat/pkg/logger"
	"r3chat/pkg/metrics"
	"r3chat/pkg/models"
	"r3chat/pkg/session"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"
	"r3chat/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterStream registers the send-and-stream endpoint.
func RegisterStream(r *mux.Router) {
	r.HandleFunc("/ai/stream", streamGeneration).Methods(http.MethodPost)
}

// streamGeneration records the user turn, writes the durable streaming
// placeholder and relays provider deltas to the caller as line frames.
// Disconnecting mid-stream never loses the record; the background pass
// finishes it.
func streamGeneration(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		Conversation string   `json:"conversationId"`
		Prompt       string   `json:"userMessage"`
		Model        string   `json:"model"`
		FileIDs      []string `json:"fileIds"`
		RetryOf      string   `json:"retryOf"`
	}
	// Malformed or incomplete requests get plaintext 400s; everything
	// past this point speaks JSON or the frame protocol.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.Conversation == "" {
		http.Error(w, "missing conversationId", http.StatusBadRequest)
		return
	}
	if body.RetryOf == "" {
		if err := validation.ValidatePrompt(body.Prompt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	c, err := store.GetConversation(body.Conversation)
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "conversation not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if !canWrite(c, id) {
		utils.JSONError(w, http.StatusForbidden, "access denied")
		return
	}

	sess, err := svc.Begin(r.Context(), session.Request{
		Conversation: c.ID,
		Prompt:       body.Prompt,
		Model:        body.Model,
		FileIDs:      body.FileIDs,
		RetryOf:      body.RetryOf,
		Identity:     session.Identity{ID: id.ID, Class: id.Class},
	})
	if err != nil {
		var rle *session.RateLimitError
		if errors.As(err, &rle) {
			metrics.QuotaDenied.WithLabelValues(rle.Decision.Kind).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(rle.Decision.RetryAfter))
			_ = utils.JSONWrite(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate limit exceeded",
				"kind":        rle.Decision.Kind,
				"retry_after": rle.Decision.RetryAfter,
				"remaining":   rle.Decision.Remaining,
			})
			return
		}
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "message not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.StreamsStarted.Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Message-Id", sess.Placeholder.ID)
	w.WriteHeader(http.StatusOK)
	if f, fok := w.(http.Flusher); fok {
		f.Flush()
	}

	runErr := sess.Run(r.Context(), w)
	switch {
	case runErr == nil:
		metrics.StreamsFinished.WithLabelValues(models.StatusComplete).Inc()
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		metrics.StreamsFinished.WithLabelValues("disconnected").Inc()
	default:
		metrics.StreamsFinished.WithLabelValues(models.StatusError).Inc()
	}
	if runErr != nil {
		logger.Debug("stream_request_ended", "msg_id", sess.Placeholder.ID, "error", runErr)
	}
}
