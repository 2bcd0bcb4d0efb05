package models

// Message type discriminators.
const (
	TypeUser   = "user"
	TypeAI     = "ai"
	TypeSystem = "system"
)

// Message status values. A message created for an in-flight generation
// starts in StatusStreaming and must end in StatusComplete or StatusError.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// AuthorAI is the sentinel author id for assistant messages.
const AuthorAI = "ai-assistant"

// AuthorSystem is the sentinel author id for system messages.
const AuthorSystem = "system"

type Message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation_id"`
	Author       string `json:"user_id"`
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	TS           int64  `json:"ts"`
	UpdatedTS    int64  `json:"updated_ts,omitempty"`
	Type         string `json:"type"`
	Status       string `json:"status,omitempty"`
	// StreamingFor identifies the client that triggered generation; only
	// that client renders the record from its local low-latency stream.
	StreamingFor string   `json:"streaming_for_user,omitempty"`
	FileIDs      []string `json:"file_ids,omitempty"`
	// Branch linkage: ParentID is absent for root messages. BranchIndex is
	// assigned once at creation and never changes.
	ParentID     string `json:"parent_message_id,omitempty"`
	BranchIndex  int    `json:"branch_index"`
	ActiveBranch bool   `json:"is_active_branch,omitempty"`
	// Version increments on every overwrite of content/status; writers may
	// pass an expected version to detect a concurrent finalization.
	Version uint64 `json:"version,omitempty"`
}

// Terminal reports whether the message reached a terminal status.
func (m Message) Terminal() bool {
	return m.Status == StatusComplete || m.Status == StatusError
}
