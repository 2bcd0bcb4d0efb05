package api

import (
	"encoding/json"
	"net/http"
	"time"

	"r3chat/pkg/models"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterPresence registers presence upsert, listing and explicit
// leave.
func RegisterPresence(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/presence", updatePresence).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{id}/presence", listPresence).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/presence", clearPresence).Methods(http.MethodDelete)
}

func updatePresence(w http.ResponseWriter, r *http.Request) {
	c, id, ok := loadConversationForWrite(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var body struct {
		IsTyping bool `json:"is_typing"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if err := store.UpdatePresence(c.ID, id.ID, body.IsTyping); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func listPresence(w http.ResponseWriter, r *http.Request) {
	c, _, ok := loadConversationForRead(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	cutoff := int64(0)
	if cfg != nil {
		cutoff = time.Now().UTC().Add(-cfg.PresenceIdle()).UnixNano()
	}
	list, err := store.ListPresence(c.ID, cutoff)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.Presence{}
	}
	writeQueryData(w, list)
}

func clearPresence(w http.ResponseWriter, r *http.Request) {
	c, id, ok := loadConversationForWrite(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	if err := store.ClearPresence(c.ID, id.ID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
