package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"

	"github.com/cockroachdb/pebble"
)

func convMetaKey(id string) string { return "conv:" + id + ":meta" }

// SaveConversation stores conversation metadata under its reserved key.
func SaveConversation(c models.Conversation) error {
	if db == nil {
		return errNotOpen
	}
	if c.ID == "" {
		return fmt.Errorf("conversation missing id")
	}
	if c.CreatedTS == 0 {
		c.CreatedTS = time.Now().UTC().UnixNano()
	}
	if c.UpdatedTS == 0 {
		c.UpdatedTS = c.CreatedTS
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := set(convMetaKey(c.ID), data); err != nil {
		logger.Error("save_conversation_failed", "conversation", c.ID, "error", err)
		return err
	}
	logger.Debug("conversation_saved", "conversation", c.ID)
	return nil
}

// GetConversation loads conversation metadata by id.
func GetConversation(id string) (models.Conversation, error) {
	var c models.Conversation
	v, err := get(convMetaKey(id))
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(v, &c); err != nil {
		return c, fmt.Errorf("invalid conversation JSON: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations the given identity participates
// in, newest first. An empty identity returns everything (admin use).
func ListConversations(identity string) ([]models.Conversation, error) {
	if db == nil {
		return nil, errNotOpen
	}
	prefix := []byte("conv:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Conversation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var c models.Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			continue
		}
		if identity != "" && !c.HasParticipant(identity) {
			continue
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// Newest first by last update.
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedTS > out[j].UpdatedTS })
	return out, nil
}

// DeleteConversation removes the conversation metadata, its timeline,
// canonical message records and branch indexes.
func DeleteConversation(id string) error {
	if db == nil {
		return errNotOpen
	}
	msgs, err := ListMessages(id, true)
	if err != nil && err != ErrNotFound {
		return err
	}
	batch := db.NewBatch()
	defer batch.Close()
	for _, m := range msgs {
		if err := batch.Delete([]byte(msgKey(m.ID)), nil); err != nil {
			return err
		}
		if err := batch.Delete([]byte(streamKey(m.ID)), nil); err != nil {
			return err
		}
		if m.ParentID != "" {
			if err := batch.Delete([]byte(branchKey(m.ParentID, m.BranchIndex)), nil); err != nil {
				return err
			}
		}
	}
	if err := batch.DeleteRange([]byte("conv:"+id+":msg:"), []byte("conv:"+id+":msg;"), nil); err != nil {
		return err
	}
	if err := batch.DeleteRange([]byte("presence:"+id+":"), []byte("presence:"+id+";"), nil); err != nil {
		return err
	}
	if err := batch.Delete([]byte(convMetaKey(id)), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("delete_conversation_failed", "conversation", id, "error", err)
		return err
	}
	logger.Info("conversation_deleted", "conversation", id)
	return nil
}

// MigrateOwnership reassigns conversations owned by fromID to toID. It is
// idempotent: already-migrated conversations are skipped, so retried
// sign-in flows converge on the same state. Returns the number moved.
func MigrateOwnership(fromID, toID string) (int, error) {
	if fromID == "" || toID == "" || fromID == toID {
		return 0, nil
	}
	convs, err := ListConversations(fromID)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, c := range convs {
		if c.Owner != fromID {
			continue
		}
		c.Owner = toID
		// Rebuild the participant list: drop fromID, keep toID unique.
		parts := make([]string, 0, len(c.Participants))
		present := false
		for _, p := range c.Participants {
			if p == fromID {
				continue
			}
			if p == toID {
				present = true
			}
			parts = append(parts, p)
		}
		if !present {
			parts = append(parts, toID)
		}
		c.Participants = parts
		c.UpdatedTS = time.Now().UTC().UnixNano()
		if err := SaveConversation(c); err != nil {
			return moved, err
		}
		moved++
	}
	if moved > 0 {
		logger.Info("ownership_migrated", "from", fromID, "to", toID, "conversations", moved)
	}
	return moved, nil
}
