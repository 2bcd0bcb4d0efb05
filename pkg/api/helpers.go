package api

import (
	"net/http"

	"r3chat/pkg/auth"
	"r3chat/pkg/models"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"
)

// queryResult is the envelope for read-path outcomes. Access and
// not-found failures on queries are returned as data with success=false
// instead of bare error statuses, so live subscriptions on the client
// don't tear down when access changes underneath them.
type queryResult struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeQueryError(w http.ResponseWriter, msg string) {
	_ = utils.JSONWrite(w, http.StatusOK, queryResult{Success: false, Error: msg})
}

func writeQueryData(w http.ResponseWriter, v interface{}) {
	_ = utils.JSONWrite(w, http.StatusOK, queryResult{Success: true, Data: v})
}

// callerIdentity returns the resolved identity or writes a 401.
func callerIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		// backend callers may act on behalf of a user id header
		if r.Header.Get("X-Role-Name") == "backend" || r.Header.Get("X-Role-Name") == "admin" {
			if h := r.Header.Get("X-User-ID"); h != "" {
				return auth.Identity{ID: h, Class: "free"}, true
			}
		}
		utils.JSONError(w, http.StatusUnauthorized, "identity headers required")
		return auth.Identity{}, false
	}
	return id, true
}

// canRead reports whether id may read the conversation.
func canRead(c models.Conversation, id auth.Identity) bool {
	return c.Public || c.HasParticipant(id.ID)
}

// canWrite reports whether id may write into the conversation.
func canWrite(c models.Conversation, id auth.Identity) bool {
	if c.HasParticipant(id.ID) {
		return true
	}
	// collaborative conversations accept writes from anyone who can see
	// them; writers get added as participants by the handler
	return c.Collaborative && c.Public
}

// loadConversationForRead resolves the conversation and read access for
// query handlers. On failure it writes the data-shaped error and
// returns ok=false.
func loadConversationForRead(w http.ResponseWriter, r *http.Request, convID string) (models.Conversation, auth.Identity, bool) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return models.Conversation{}, auth.Identity{}, false
	}
	c, err := store.GetConversation(convID)
	if err != nil {
		if err == store.ErrNotFound {
			writeQueryError(w, "conversation not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return models.Conversation{}, id, false
	}
	if !canRead(c, id) {
		writeQueryError(w, "access denied")
		return models.Conversation{}, id, false
	}
	return c, id, true
}

// loadConversationForWrite resolves the conversation and write access
// for mutation handlers. Write-path failures use real status codes.
func loadConversationForWrite(w http.ResponseWriter, r *http.Request, convID string) (models.Conversation, auth.Identity, bool) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return models.Conversation{}, auth.Identity{}, false
	}
	c, err := store.GetConversation(convID)
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "conversation not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return models.Conversation{}, id, false
	}
	if !canWrite(c, id) {
		utils.JSONError(w, http.StatusForbidden, "access denied")
		return models.Conversation{}, id, false
	}
	return c, id, true
}
