package sweeper

import (
	"testing"
	"time"

	"r3chat/pkg/config"
	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"
)

func setup(t *testing.T) *config.Config {
	t.Helper()
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := &config.Config{}
	cfg.Sweeper.Staleness = "1ms"
	cfg.Sweeper.PresenceIdle = "1ms"
	return cfg
}

func TestSweepForceFinalizesStaleStream(t *testing.T) {
	cfg := setup(t)
	c := models.Conversation{ID: utils.GenConversationID(), Owner: "u"}
	if err := store.SaveConversation(c); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	m := models.Message{ID: utils.GenID(), Conversation: c.ID, Author: models.AuthorAI, Type: models.TypeAI, Status: models.StatusStreaming, Content: "partial"}
	if err := store.CreateMessage(&m); err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := runOnce(cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 finalized, got %d", n)
	}
	got, err := store.GetMessage(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Partial content is preserved; only the status flips.
	if got.Status != models.StatusError || got.Content != "partial" {
		t.Fatalf("unexpected final state %+v", got)
	}

	// Terminal records are never revisited.
	n, err = runOnce(cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected idempotent sweep, finalized %d", n)
	}
}

func TestSweepLeavesFreshStreamsAlone(t *testing.T) {
	cfg := setup(t)
	cfg.Sweeper.Staleness = "1h"
	c := models.Conversation{ID: utils.GenConversationID(), Owner: "u"}
	if err := store.SaveConversation(c); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	m := models.Message{ID: utils.GenID(), Conversation: c.ID, Author: models.AuthorAI, Type: models.TypeAI, Status: models.StatusStreaming}
	if err := store.CreateMessage(&m); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := runOnce(cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh stream was finalized")
	}
	got, _ := store.GetMessage(m.ID)
	if got.Status != models.StatusStreaming {
		t.Fatalf("fresh stream mutated: %+v", got)
	}
}

func TestSweepPrunesIdlePresence(t *testing.T) {
	cfg := setup(t)
	c := models.Conversation{ID: utils.GenConversationID(), Owner: "u"}
	if err := store.SaveConversation(c); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	if err := store.UpdatePresence(c.ID, "u", false); err != nil {
		t.Fatalf("presence: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := runOnce(cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	list, _ := store.ListPresence(c.ID, 0)
	if len(list) != 0 {
		t.Fatalf("idle presence survived sweep: %+v", list)
	}
}

func TestRunImmediateRequiresConfig(t *testing.T) {
	storedCfg = nil
	if _, err := RunImmediate(); err == nil {
		t.Fatalf("expected error without registered config")
	}
	cfg := setup(t)
	SetConfig(cfg)
	if _, err := RunImmediate(); err != nil {
		t.Fatalf("run immediate: %v", err)
	}
}
