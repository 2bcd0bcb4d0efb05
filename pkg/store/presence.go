package store

import (
	"bytes"
	"encoding/json"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/notify"

	"github.com/cockroachdb/pebble"
)

func presenceKey(convID, userID string) string {
	return "presence:" + convID + ":" + userID
}

// UpdatePresence upserts a (user, conversation) activity record and fans
// the change out to watchers.
func UpdatePresence(convID, userID string, typing bool) error {
	if db == nil {
		return errNotOpen
	}
	p := models.Presence{
		UserID:       userID,
		Conversation: convID,
		LastSeen:     time.Now().UTC().UnixNano(),
		IsTyping:     typing,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := set(presenceKey(convID, userID), data); err != nil {
		logger.Error("update_presence_failed", "conversation", convID, "user", userID, "error", err)
		return err
	}
	notify.Publish(notify.Event{Type: notify.EventPresenceUpdated, Conversation: convID, Presence: &p})
	return nil
}

// ListPresence returns active presence records for a conversation,
// excluding entries idle longer than idleCutoff (UnixNano, 0 = all).
func ListPresence(convID string, idleCutoff int64) ([]models.Presence, error) {
	if db == nil {
		return nil, errNotOpen
	}
	prefix := []byte("presence:" + convID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Presence
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var p models.Presence
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		if idleCutoff != 0 && p.LastSeen < idleCutoff {
			continue
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// ClearPresence removes a single presence record, used when a client
// leaves a conversation explicitly.
func ClearPresence(convID, userID string) error {
	return del(presenceKey(convID, userID))
}

// PrunePresence deletes presence records across all conversations whose
// last activity is older than cutoff (UnixNano). Returns the number
// removed.
func PrunePresence(cutoff int64) (int, error) {
	if db == nil {
		return 0, errNotOpen
	}
	prefix := []byte("presence:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var stale [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var p models.Presence
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		if p.LastSeen < cutoff {
			stale = append(stale, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := db.Delete(k, pebble.Sync); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		logger.Info("presence_pruned", "removed", len(stale))
	}
	return len(stale), nil
}
