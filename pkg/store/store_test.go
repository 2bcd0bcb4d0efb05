package store

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/utils"
)

func openTestStore(t *testing.T) {
	t.Helper()
	logger.Init()
	if err := Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
}

func mkConv(t *testing.T, owner string) models.Conversation {
	t.Helper()
	c := models.Conversation{ID: utils.GenConversationID(), Owner: owner, Participants: []string{owner}, Title: "test"}
	if err := SaveConversation(c); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	return c
}

func mkUserMsg(t *testing.T, convID, author, content string) models.Message {
	t.Helper()
	m := models.Message{ID: utils.GenID(), Conversation: convID, Author: author, Content: content, Type: models.TypeUser}
	if err := CreateMessage(&m); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return m
}

func TestMessageLifecycle(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	u := mkUserMsg(t, c.ID, "user-1", "hello")

	got, err := GetMessage(u.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != "hello" || got.Version != 1 {
		t.Fatalf("unexpected message %+v", got)
	}

	msgs, err := ListMessages(c.ID, false)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != u.ID {
		t.Fatalf("unexpected listing %+v", msgs)
	}

	if err := DeleteMessage(u.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if _, err := GetMessage(u.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	msgs, err = ListMessages(c.ID, false)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty listing, got %+v", msgs)
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	// One ASCII byte then 3-byte runes, so byte 120 lands mid-rune.
	mkUserMsg(t, c.ID, "user-1", "a"+strings.Repeat("⌘", 60))

	got, err := GetConversation(c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessage == "" || len(got.LastMessage) > 120 {
		t.Fatalf("unexpected preview length %d", len(got.LastMessage))
	}
	if !utf8.ValidString(got.LastMessage) {
		t.Fatalf("preview is not valid utf-8: %q", got.LastMessage)
	}
}

func TestStreamingUpdateVersionGuard(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	m := models.Message{
		ID: utils.GenID(), Conversation: c.ID, Author: models.AuthorAI,
		Type: models.TypeAI, Status: models.StatusStreaming, StreamingFor: "user-1",
	}
	if err := CreateMessage(&m); err != nil {
		t.Fatalf("create placeholder: %v", err)
	}

	// Unconditional checkpoint write.
	upd, err := AppendStreamingUpdate(m.ID, "partial", "", 0)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if upd.Version != 2 || upd.Status != models.StatusStreaming {
		t.Fatalf("unexpected checkpoint result %+v", upd)
	}

	// First terminal writer wins.
	fin, err := AppendStreamingUpdate(m.ID, "full answer", models.StatusComplete, upd.Version)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !fin.Terminal() {
		t.Fatalf("expected terminal message, got %+v", fin)
	}
	if _, err := AppendStreamingUpdate(m.ID, "late error", models.StatusError, upd.Version); err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch got %v", err)
	}
	got, _ := GetMessage(m.ID)
	if got.Status != models.StatusComplete || got.Content != "full answer" {
		t.Fatalf("late writer overwrote terminal state: %+v", got)
	}
}

func TestScanStreamingFindsOnlyStaleInFlight(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	stale := models.Message{ID: utils.GenID(), Conversation: c.ID, Author: models.AuthorAI, Type: models.TypeAI, Status: models.StatusStreaming}
	if err := CreateMessage(&stale); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := models.Message{ID: utils.GenID(), Conversation: c.ID, Author: models.AuthorAI, Type: models.TypeAI, Status: models.StatusStreaming}
	if err := CreateMessage(&done); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := AppendStreamingUpdate(done.ID, "x", models.StatusComplete, 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	found, err := ScanStreaming(time.Now().UTC().Add(time.Minute).UnixNano())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(found) != 1 || found[0].ID != stale.ID {
		t.Fatalf("unexpected scan result %+v", found)
	}

	// A fresh cutoff in the past matches nothing.
	found, err = ScanStreaming(time.Now().UTC().Add(-time.Hour).UnixNano())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no stale messages, got %+v", found)
	}
}

func TestBranchSingleActiveInvariant(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	u := mkUserMsg(t, c.ID, "user-1", "question")

	first, err := CreateBranch(u.ID, models.AuthorAI, "answer one", models.TypeAI, "model-a")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if first.BranchIndex != 0 || !first.ActiveBranch {
		t.Fatalf("unexpected first sibling %+v", first)
	}

	second, err := CreateBranch(u.ID, models.AuthorAI, "answer two", models.TypeAI, "model-b")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if second.BranchIndex != 1 || !second.ActiveBranch {
		t.Fatalf("unexpected second sibling %+v", second)
	}

	assertOneActive := func(wantIdx int) {
		t.Helper()
		sibs, err := GetBranches(u.ID)
		if err != nil {
			t.Fatalf("get branches: %v", err)
		}
		active := -1
		for _, s := range sibs {
			if s.ActiveBranch {
				if active != -1 {
					t.Fatalf("two active siblings: %d and %d", active, s.BranchIndex)
				}
				active = s.BranchIndex
			}
		}
		if active != wantIdx {
			t.Fatalf("expected active index %d got %d", wantIdx, active)
		}
	}
	assertOneActive(1)

	if err := SwitchBranch(u.ID, 0); err != nil {
		t.Fatalf("switch branch: %v", err)
	}
	assertOneActive(0)

	// Index immutability across switches.
	sibs, _ := GetBranches(u.ID)
	if sibs[0].ID != first.ID || sibs[1].ID != second.ID {
		t.Fatalf("sibling order changed: %+v", sibs)
	}

	if err := SwitchBranch(u.ID, 2); err == nil {
		t.Fatalf("expected out of range error")
	}
	if err := SwitchBranch(u.ID, -1); err == nil {
		t.Fatalf("expected out of range error for negative index")
	}
}

func TestListMessagesExcludesInactiveSiblings(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	u := mkUserMsg(t, c.ID, "user-1", "question")
	if _, err := CreateBranch(u.ID, models.AuthorAI, "v1", models.TypeAI, ""); err != nil {
		t.Fatalf("branch: %v", err)
	}
	second, err := CreateBranch(u.ID, models.AuthorAI, "v2", models.TypeAI, "")
	if err != nil {
		t.Fatalf("branch: %v", err)
	}

	msgs, err := ListMessages(c.ID, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user message plus active sibling, got %+v", msgs)
	}
	if msgs[1].ID != second.ID {
		t.Fatalf("expected active sibling %s, got %s", second.ID, msgs[1].ID)
	}

	all, err := ListMessages(c.ID, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
}

func TestOwnershipMigrationIdempotent(t *testing.T) {
	openTestStore(t)
	anon := "anon-abc"
	c := mkConv(t, anon)

	moved, err := MigrateOwnership(anon, "user-42")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 moved, got %d", moved)
	}
	got, _ := GetConversation(c.ID)
	if got.Owner != "user-42" || got.HasParticipant(anon) {
		t.Fatalf("migration incomplete: %+v", got)
	}

	// Retried sign-in converges without moving anything again.
	moved, err = MigrateOwnership(anon, "user-42")
	if err != nil {
		t.Fatalf("migrate retry: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected idempotent retry, moved %d", moved)
	}

	// The new owner may already be a participant (joined while still
	// anonymous elsewhere); migration must not duplicate the entry.
	shared := models.Conversation{
		ID: utils.GenConversationID(), Owner: anon,
		Participants: []string{anon, "user-42"}, Title: "shared",
	}
	if err := SaveConversation(shared); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := MigrateOwnership(anon, "user-42"); err != nil {
		t.Fatalf("migrate shared: %v", err)
	}
	got, _ = GetConversation(shared.ID)
	if len(got.Participants) != 1 || got.Participants[0] != "user-42" {
		t.Fatalf("expected single deduplicated participant, got %+v", got.Participants)
	}
}

func TestDailyQuotaCounters(t *testing.T) {
	openTestStore(t)
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		n, err := IncrDailyCount("global", "user-1", now)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != i {
			t.Fatalf("expected count %d got %d", i, n)
		}
	}
	// Separate identity and day roll over independently.
	if n, _ := IncrDailyCount("global", "user-2", now); n != 1 {
		t.Fatalf("expected isolated counter, got %d", n)
	}
	if n, _ := IncrDailyCount("global", "user-1", now.Add(24*time.Hour)); n != 1 {
		t.Fatalf("expected fresh counter next day, got %d", n)
	}
	if n, _ := GetDailyCount("global", "user-1", now); n != 3 {
		t.Fatalf("expected 3 got %d", n)
	}
}

func TestPresencePrune(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	if err := UpdatePresence(c.ID, "user-1", true); err != nil {
		t.Fatalf("update presence: %v", err)
	}
	if err := UpdatePresence(c.ID, "user-2", false); err != nil {
		t.Fatalf("update presence: %v", err)
	}

	list, err := ListPresence(c.ID, 0)
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}

	removed, err := PrunePresence(time.Now().UTC().Add(time.Minute).UnixNano())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	list, _ = ListPresence(c.ID, 0)
	if len(list) != 0 {
		t.Fatalf("expected empty presence, got %+v", list)
	}
}

func TestDeleteConversationRemovesEverything(t *testing.T) {
	openTestStore(t)
	c := mkConv(t, "user-1")
	u := mkUserMsg(t, c.ID, "user-1", "q")
	if _, err := CreateBranch(u.ID, models.AuthorAI, "a", models.TypeAI, ""); err != nil {
		t.Fatalf("branch: %v", err)
	}
	if err := DeleteConversation(c.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := GetConversation(c.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if _, err := GetMessage(u.ID); err != ErrNotFound {
		t.Fatalf("expected message gone, got %v", err)
	}
}
