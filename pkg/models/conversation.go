package models

type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Owner is an opaque identity id (anonymous ids are allowed until the
	// ownership migration claims the conversation for an authenticated user).
	Owner        string   `json:"owner"`
	Participants []string `json:"participants"`
	// LastMessage holds a denormalized preview of the newest message.
	LastMessage   string `json:"last_message,omitempty"`
	CreatedTS     int64  `json:"created_ts,omitempty"`
	UpdatedTS     int64  `json:"updated_ts,omitempty"`
	Collaborative bool   `json:"is_collaborative,omitempty"`
	// Public marks the conversation readable without being a participant.
	Public bool `json:"is_public,omitempty"`
}

// HasParticipant reports whether id is the owner or a listed participant.
func (c Conversation) HasParticipant(id string) bool {
	if id != "" && id == c.Owner {
		return true
	}
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Presence is a per (user, conversation) activity record. Records are
// upserted on activity and pruned after a fixed idle threshold.
type Presence struct {
	UserID       string `json:"user_id"`
	Conversation string `json:"conversation_id"`
	LastSeen     int64  `json:"last_seen"`
	IsTyping     bool   `json:"is_typing,omitempty"`
}
