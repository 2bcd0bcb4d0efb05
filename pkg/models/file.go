package models

// FileMeta describes an uploaded attachment. The blob bytes are stored
// on disk; messages reference files by id.
type FileMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Owner       string `json:"owner"`
	TS          int64  `json:"ts"`
}
