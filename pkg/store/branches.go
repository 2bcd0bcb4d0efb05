package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/notify"
	"r3chat/pkg/utils"

	"github.com/cockroachdb/pebble"
)

func branchKey(parentID string, index int) string {
	return fmt.Sprintf("branch:%s:%05d", parentID, index)
}

// CreateBranch inserts a completed sibling message under parentID. The
// branch index is count(existing siblings) and immutable afterwards.
func CreateBranch(parentID, author, content, msgType, model string) (models.Message, error) {
	msg := models.Message{
		ID:      utils.GenID(),
		Author:  author,
		Content: content,
		Model:   model,
		Type:    msgType,
	}
	if msgType == models.TypeAI {
		msg.Status = models.StatusComplete
	}
	if err := InsertBranchMessage(parentID, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// InsertBranchMessage writes msg as a new sibling under parentID. The new
// sibling becomes active and the previously active one is deactivated in
// the same batch, so the single-active invariant holds at every commit
// point. Streaming placeholders go through here too and get a streaming
// index entry.
func InsertBranchMessage(parentID string, msg *models.Message) error {
	if db == nil {
		return errNotOpen
	}
	parent, err := GetMessage(parentID)
	if err != nil {
		return err
	}

	msgMu.Lock()
	defer msgMu.Unlock()

	siblings, err := branchSiblings(parentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC().UnixNano()
	if msg.ID == "" {
		msg.ID = utils.GenID()
	}
	msg.Conversation = parent.Conversation
	msg.TS = now
	msg.UpdatedTS = now
	msg.ParentID = parentID
	msg.BranchIndex = len(siblings)
	msg.ActiveBranch = true
	if msg.Version == 0 {
		msg.Version = 1
	}

	batch := db.NewBatch()
	defer batch.Close()

	// Deactivate the current active sibling.
	for _, sib := range siblings {
		if !sib.ActiveBranch {
			continue
		}
		sib.ActiveBranch = false
		sib.Version++
		data, err := json.Marshal(sib)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(msgKey(sib.ID)), data, nil); err != nil {
			return err
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s := atomic.AddUint64(&seq, 1)
	if err := batch.Set([]byte(msgKey(msg.ID)), data, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(timelineKey(msg.Conversation, msg.TS, s)), []byte(msg.ID), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(branchKey(parentID, msg.BranchIndex)), []byte(msg.ID), nil); err != nil {
		return err
	}
	if msg.Status == models.StatusStreaming {
		if err := batch.Set([]byte(streamKey(msg.ID)), []byte(msg.Conversation), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("create_branch_failed", "parent", parentID, "error", err)
		return err
	}
	logger.Info("branch_created", "parent", parentID, "msg_id", msg.ID, "branch_index", msg.BranchIndex, "status", msg.Status)
	notify.Publish(notify.Event{Type: notify.EventMessageCreated, Conversation: msg.Conversation, Message: msg, ParentID: parentID, BranchIndex: msg.BranchIndex})
	return nil
}

// SwitchBranch flips the active flag to the sibling at index. The flip is
// committed in one batch across the whole sibling set. Content is never
// touched.
func SwitchBranch(parentID string, index int) error {
	if db == nil {
		return errNotOpen
	}
	msgMu.Lock()
	defer msgMu.Unlock()

	siblings, err := branchSiblings(parentID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(siblings) {
		return fmt.Errorf("%w: %d of %d siblings", ErrOutOfRange, index, len(siblings))
	}

	batch := db.NewBatch()
	defer batch.Close()
	var conv string
	for _, sib := range siblings {
		want := sib.BranchIndex == index
		if sib.ActiveBranch == want {
			continue
		}
		sib.ActiveBranch = want
		sib.Version++
		data, err := json.Marshal(sib)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(msgKey(sib.ID)), data, nil); err != nil {
			return err
		}
		conv = sib.Conversation
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("switch_branch_failed", "parent", parentID, "branch_index", index, "error", err)
		return err
	}
	logger.Info("branch_switched", "parent", parentID, "branch_index", index)
	notify.Publish(notify.Event{Type: notify.EventBranchSwitched, Conversation: conv, ParentID: parentID, BranchIndex: index})
	return nil
}

// GetBranches returns the sibling set under parentID ordered by branch
// index ascending.
func GetBranches(parentID string) ([]models.Message, error) {
	if db == nil {
		return nil, errNotOpen
	}
	return branchSiblings(parentID)
}

// branchSiblings loads the ordered sibling set. The branch index keys are
// zero-padded so pebble iteration order is branch order.
func branchSiblings(parentID string) ([]models.Message, error) {
	prefix := []byte("branch:" + parentID + ":")
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
		m, err := GetMessage(string(iter.Value()))
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, iter.Error()
}
