package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"r3chat/pkg/auth"
	"r3chat/pkg/models"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"
	"r3chat/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterBranches registers sibling-branch creation, listing and the
// active-branch switch.
func RegisterBranches(r *mux.Router) {
	r.HandleFunc("/messages/{id}/branches", createBranch).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/branches", listBranches).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/branches/active", switchBranch).Methods(http.MethodPut)
}

// loadParentForBranch resolves the parent message and checks write
// access on its conversation.
func loadParentForBranch(w http.ResponseWriter, r *http.Request) (models.Message, auth.Identity, bool) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return models.Message{}, id, false
	}
	parent, err := store.GetMessage(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "message not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return models.Message{}, id, false
	}
	c, err := store.GetConversation(parent.Conversation)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return models.Message{}, id, false
	}
	if !canWrite(c, id) {
		utils.JSONError(w, http.StatusForbidden, "access denied")
		return models.Message{}, id, false
	}
	return parent, id, true
}

// createBranch inserts an edited sibling under the parent. The new
// sibling becomes the active branch atomically.
func createBranch(w http.ResponseWriter, r *http.Request) {
	parent, id, ok := loadParentForBranch(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
		Type    string `json:"type"`
		Model   string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	msgType := body.Type
	if msgType == "" {
		msgType = models.TypeUser
	}
	if err := validation.ValidateMessage(models.Message{Content: body.Content, Type: msgType}); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	author := id.ID
	if msgType == models.TypeAI {
		author = models.AuthorAI
	}
	m, err := store.CreateBranch(parent.ID, author, body.Content, msgType, body.Model)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

func listBranches(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	parent, err := store.GetMessage(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			writeQueryError(w, "message not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	c, err := store.GetConversation(parent.Conversation)
	if err != nil || !canRead(c, id) {
		writeQueryError(w, "access denied")
		return
	}
	siblings, err := store.GetBranches(parent.ID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if siblings == nil {
		siblings = []models.Message{}
	}
	writeQueryData(w, siblings)
}

// switchBranch flips the active sibling under the parent. Content is
// never modified; an out-of-range index is a client error.
func switchBranch(w http.ResponseWriter, r *http.Request) {
	parent, _, ok := loadParentForBranch(w, r)
	if !ok {
		return
	}
	var body struct {
		BranchIndex int `json:"branch_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := store.SwitchBranch(parent.ID, body.BranchIndex); err != nil {
		if errors.Is(err, store.ErrOutOfRange) {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"parent_message_id": parent.ID, "branch_index": body.BranchIndex})
}
