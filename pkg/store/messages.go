package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/notify"

	"github.com/cockroachdb/pebble"
)

// seq reduces timeline key collisions when multiple messages share the
// same nanosecond timestamp.
var seq uint64

// msgMu serializes read-modify-write cycles on canonical message records
// (streaming updates, branch flips, quota counters share writeMu below).
var msgMu sync.Mutex

func timelineKey(convID string, ts int64, s uint64) string {
	return fmt.Sprintf("conv:%s:msg:%020d-%06d", convID, ts, s)
}

func msgKey(id string) string { return "msg:" + id }

func streamKey(id string) string { return "stream:" + id }

// CreateMessage appends a message to a conversation timeline and writes
// the canonical record. Streaming messages are additionally indexed so
// the staleness sweep can find them without a full scan.
func CreateMessage(msg *models.Message) error {
	if db == nil {
		return errNotOpen
	}
	if msg.Conversation == "" {
		return fmt.Errorf("message missing conversation id")
	}
	if msg.TS == 0 {
		msg.TS = time.Now().UTC().UnixNano()
	}
	msg.UpdatedTS = msg.TS
	if msg.Version == 0 {
		msg.Version = 1
	}
	s := atomic.AddUint64(&seq, 1)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	batch := db.NewBatch()
	defer batch.Close()
	// Timeline entry holds only the message id; the canonical record is
	// mutable while streaming and lives under msg:<id>.
	if err := batch.Set([]byte(timelineKey(msg.Conversation, msg.TS, s)), []byte(msg.ID), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(msgKey(msg.ID)), data, nil); err != nil {
		return err
	}
	if msg.Status == models.StatusStreaming {
		if err := batch.Set([]byte(streamKey(msg.ID)), []byte(msg.Conversation), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("save_message_failed", "conversation", msg.Conversation, "msg_id", msg.ID, "error", err)
		return err
	}
	logger.Info("message_saved", "conversation", msg.Conversation, "msg_id", msg.ID, "type", msg.Type, "status", msg.Status)

	touchConversation(msg)
	notify.Publish(notify.Event{Type: notify.EventMessageCreated, Conversation: msg.Conversation, Message: msg})
	return nil
}

// GetMessage loads the canonical record for a message id.
func GetMessage(id string) (models.Message, error) {
	var m models.Message
	v, err := get(msgKey(id))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid message JSON: %w", err)
	}
	return m, nil
}

// AppendStreamingUpdate overwrites the content and status of a streaming
// message. expected is an optional version guard: when non-zero and the
// stored version differs, the update is rejected with ErrVersionMismatch
// so the first terminal writer wins. Passing expected == 0 makes the
// write unconditional, which is what periodic checkpoints use.
func AppendStreamingUpdate(id, content, status string, expected uint64) (models.Message, error) {
	msgMu.Lock()
	defer msgMu.Unlock()

	m, err := GetMessage(id)
	if err != nil {
		return m, err
	}
	if expected != 0 && m.Version != expected {
		return m, ErrVersionMismatch
	}
	m.Content = content
	if status != "" {
		m.Status = status
	}
	m.UpdatedTS = time.Now().UTC().UnixNano()
	m.Version++

	data, err := json.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("failed to marshal message: %w", err)
	}
	batch := db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(msgKey(id)), data, nil); err != nil {
		return m, err
	}
	if m.Terminal() {
		if err := batch.Delete([]byte(streamKey(id)), nil); err != nil {
			return m, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("streaming_update_failed", "msg_id", id, "error", err)
		return m, err
	}
	if m.Terminal() {
		logger.Info("message_finalized", "msg_id", id, "status", m.Status, "version", m.Version)
		touchConversation(&m)
	}
	notify.Publish(notify.Event{Type: notify.EventMessageUpdated, Conversation: m.Conversation, Message: &m})
	return m, nil
}

// ListMessages returns a conversation's messages in creation order.
// Inactive branch siblings are excluded unless includeInactive is set.
func ListMessages(convID string, includeInactive bool) ([]models.Message, error) {
	if db == nil {
		return nil, errNotOpen
	}
	prefix := []byte("conv:" + convID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		id := string(iter.Value())
		m, err := GetMessage(id)
		if err != nil {
			// Timeline pointers may outlive a deleted record.
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if !includeInactive && m.ParentID != "" && !m.ActiveBranch {
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// DeleteMessage removes the canonical record and streaming index entry.
// The timeline pointer stays; readers skip dangling pointers.
func DeleteMessage(id string) error {
	m, err := GetMessage(id)
	if err != nil {
		return err
	}
	batch := db.NewBatch()
	defer batch.Close()
	if err := batch.Delete([]byte(msgKey(id)), nil); err != nil {
		return err
	}
	if err := batch.Delete([]byte(streamKey(id)), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("delete_message_failed", "msg_id", id, "error", err)
		return err
	}
	logger.Info("message_deleted", "msg_id", id, "conversation", m.Conversation)
	notify.Publish(notify.Event{Type: notify.EventMessageDeleted, Conversation: m.Conversation, Message: &m})
	return nil
}

// ScanStreaming returns all messages still marked streaming whose last
// update is older than cutoff (UnixNano). A zero cutoff returns every
// streaming message.
func ScanStreaming(cutoff int64) ([]models.Message, error) {
	if db == nil {
		return nil, errNotOpen
	}
	prefix := []byte("stream:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		id := string(iter.Key()[len(prefix):])
		m, err := GetMessage(id)
		if err != nil {
			if err == ErrNotFound {
				// Stale index entry, drop it.
				_ = del(streamKey(id))
				continue
			}
			return nil, err
		}
		if m.Status != models.StatusStreaming {
			_ = del(streamKey(id))
			continue
		}
		last := m.UpdatedTS
		if last == 0 {
			last = m.TS
		}
		if cutoff == 0 || last < cutoff {
			out = append(out, m)
		}
	}
	return out, iter.Error()
}

// touchConversation refreshes the denormalized preview and updated
// timestamp after a message write. Best effort.
func touchConversation(m *models.Message) {
	c, err := GetConversation(m.Conversation)
	if err != nil {
		return
	}
	preview := m.Content
	if len(preview) > 120 {
		cut := 120
		// Back off to a rune boundary so the preview stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	if m.Status != models.StatusStreaming {
		c.LastMessage = preview
	}
	c.UpdatedTS = time.Now().UTC().UnixNano()
	_ = SaveConversation(c)
}
