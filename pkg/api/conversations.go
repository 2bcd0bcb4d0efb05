package api

import (
	"encoding/json"
	"net/http"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/notify"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"
	"r3chat/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterConversations registers conversation CRUD, sharing and the
// anonymous-ownership migration.
func RegisterConversations(r *mux.Router) {
	r.HandleFunc("/conversations", createConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations", listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/migrate", migrateConversations).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}", getConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", updateConversation).Methods(http.MethodPatch)
	r.HandleFunc("/conversations/{id}", deleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id}/share", shareConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/join", joinConversation).Methods(http.MethodPost)
}

func createConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		Title         string `json:"title"`
		Collaborative bool   `json:"is_collaborative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.ValidateTitle(body.Title); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c := models.Conversation{
		ID:            utils.GenConversationID(),
		Title:         body.Title,
		Owner:         id.ID,
		Participants:  []string{id.ID},
		Collaborative: body.Collaborative,
	}
	if err := store.SaveConversation(c); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("conversation_created", "conversation", c.ID, "owner", id.ID)
	_ = utils.JSONWrite(w, http.StatusCreated, c)
}

func listConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	convs, err := store.ListConversations(id.ID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeQueryData(w, convs)
}

func getConversation(w http.ResponseWriter, r *http.Request) {
	c, _, ok := loadConversationForRead(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	writeQueryData(w, c)
}

func updateConversation(w http.ResponseWriter, r *http.Request) {
	c, id, ok := loadConversationForWrite(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var body struct {
		Title         *string `json:"title"`
		Collaborative *bool   `json:"is_collaborative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Title != nil {
		if err := validation.ValidateTitle(*body.Title); err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		c.Title = *body.Title
	}
	if body.Collaborative != nil {
		if c.Owner != id.ID {
			utils.JSONError(w, http.StatusForbidden, "only the owner can change collaboration")
			return
		}
		c.Collaborative = *body.Collaborative
	}
	c.UpdatedTS = time.Now().UTC().UnixNano()
	if err := store.SaveConversation(c); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	notify.Publish(notify.Event{Type: notify.EventConversationUpdated, Conversation: c.ID})
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

func deleteConversation(w http.ResponseWriter, r *http.Request) {
	c, id, ok := loadConversationForWrite(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	if c.Owner != id.ID {
		utils.JSONError(w, http.StatusForbidden, "only the owner can delete a conversation")
		return
	}
	if err := store.DeleteConversation(c.ID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// shareConversation flips public visibility. Owner only.
func shareConversation(w http.ResponseWriter, r *http.Request) {
	c, id, ok := loadConversationForWrite(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	if c.Owner != id.ID {
		utils.JSONError(w, http.StatusForbidden, "only the owner can share a conversation")
		return
	}
	var body struct {
		Public bool `json:"is_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	c.Public = body.Public
	c.UpdatedTS = time.Now().UTC().UnixNano()
	if err := store.SaveConversation(c); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("conversation_shared", "conversation", c.ID, "public", c.Public)
	notify.Publish(notify.Event{Type: notify.EventConversationUpdated, Conversation: c.ID})
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

// joinConversation adds the caller as a participant of a collaborative
// conversation they can see.
func joinConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	c, err := store.GetConversation(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "conversation not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if !c.Collaborative || !canRead(c, id) {
		utils.JSONError(w, http.StatusForbidden, "conversation is not open for joining")
		return
	}
	if !c.HasParticipant(id.ID) {
		c.Participants = append(c.Participants, id.ID)
		c.UpdatedTS = time.Now().UTC().UnixNano()
		if err := store.SaveConversation(c); err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		notify.Publish(notify.Event{Type: notify.EventConversationUpdated, Conversation: c.ID})
	}
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

// migrateConversations claims conversations created under an anonymous
// pseudo-identity for the now-authenticated caller. Safe to retry: the
// migration is idempotent.
func migrateConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	if id.Anonymous {
		utils.JSONError(w, http.StatusForbidden, "authenticated identity required")
		return
	}
	var body struct {
		AnonymousID string `json:"anonymous_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.AnonymousID == "" {
		utils.JSONError(w, http.StatusBadRequest, "anonymous_id required")
		return
	}
	moved, err := store.MigrateOwnership("anon-"+body.AnonymousID, id.ID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"migrated": moved})
}
