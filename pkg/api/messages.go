package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"r3chat/pkg/models"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"
	"r3chat/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterMessages registers message reads and non-streaming writes.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/messages", listMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", createMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", deleteMessage).Methods(http.MethodDelete)
}

// listMessages returns the conversation timeline. By default only the
// active branch is visible; include_inactive=true exposes every sibling
// for branch pickers.
func listMessages(w http.ResponseWriter, r *http.Request) {
	c, _, ok := loadConversationForRead(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	msgs, err := store.ListMessages(c.ID, includeInactive)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeQueryData(w, msgs)
}

// createMessage records a non-generating message (a user note or a
// system marker). AI turns go through the streaming endpoint.
func createMessage(w http.ResponseWriter, r *http.Request) {
	c, id, ok := loadConversationForWrite(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var body struct {
		Content string   `json:"content"`
		Type    string   `json:"type"`
		FileIDs []string `json:"file_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m := models.Message{
		ID:           utils.GenID(),
		Conversation: c.ID,
		Author:       id.ID,
		Content:      body.Content,
		Type:         body.Type,
		FileIDs:      body.FileIDs,
	}
	if m.Type == "" {
		m.Type = models.TypeUser
	}
	if m.Type == models.TypeAI {
		utils.JSONError(w, http.StatusBadRequest, "ai messages are created by the streaming endpoint")
		return
	}
	if err := validation.ValidateMessage(m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := store.CreateMessage(&m); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Collaborative conversations auto-enroll writers.
	if !c.HasParticipant(id.ID) {
		c.Participants = append(c.Participants, id.ID)
		if err := store.SaveConversation(c); err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	m, err := store.GetMessage(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			writeQueryError(w, "message not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	c, err := store.GetConversation(m.Conversation)
	if err != nil {
		writeQueryError(w, "conversation not found")
		return
	}
	if !canRead(c, id) {
		writeQueryError(w, "access denied")
		return
	}
	writeQueryData(w, m)
}

func deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	m, err := store.GetMessage(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "message not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	c, err := store.GetConversation(m.Conversation)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m.Author != id.ID && c.Owner != id.ID {
		utils.JSONError(w, http.StatusForbidden, "only the author or owner can delete a message")
		return
	}
	if err := store.DeleteMessage(m.ID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
