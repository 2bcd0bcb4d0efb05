package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"r3chat/pkg/config"
	"r3chat/pkg/coord"
	"r3chat/pkg/llm"
	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/quota"
	"r3chat/pkg/store"
	"r3chat/pkg/stream"
	"r3chat/pkg/utils"
)

func testService(t *testing.T, provider llm.Provider) (*Service, *config.Config) {
	t.Helper()
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := &config.Config{}
	cfg.Security.RateLimit.RPS = 1000
	cfg.Security.RateLimit.Burst = 1000
	cfg.Provider.DefaultModel = "test-model"
	cfg.Session.CheckpointInterval = "10ms"
	return NewService(cfg, quota.NewGate(cfg), provider, nil), cfg
}

func mkConv(t *testing.T, owner string) models.Conversation {
	t.Helper()
	c := models.Conversation{ID: utils.GenConversationID(), Owner: owner, Participants: []string{owner}}
	if err := store.SaveConversation(c); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	return c
}

func decodeAll(t *testing.T, wire []byte) (text string, errText string, done bool) {
	t.Helper()
	var dec stream.Decoder
	var b strings.Builder
	for _, ev := range dec.Feed(wire) {
		switch ev.Tag {
		case stream.TagText:
			b.WriteString(ev.Text)
		case stream.TagError:
			errText = ev.Text
		case stream.TagDone:
			done = true
		}
	}
	return b.String(), errText, done
}

func TestStreamEndToEnd(t *testing.T) {
	mock := llm.ScriptedAnswer("What is 2+2?", "4")
	svc, _ := testService(t, mock)
	c := mkConv(t, "user-1")

	sess, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID,
		Prompt:       "What is 2+2?",
		Identity:     Identity{ID: "user-1", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	var buf bytes.Buffer
	if err := sess.Run(context.Background(), &buf); err != nil {
		t.Fatalf("run: %v", err)
	}
	text, errText, done := decodeAll(t, buf.Bytes())
	if text != "4" || errText != "" || !done {
		t.Fatalf("unexpected frames: text=%q err=%q done=%v", text, errText, done)
	}

	final, err := store.GetMessage(sess.Placeholder.ID)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.Status != models.StatusComplete || final.Content != "4" {
		t.Fatalf("durable record not finalized: %+v", final)
	}
	if final.ParentID != sess.UserMessage.ID || final.BranchIndex != 0 || !final.ActiveBranch {
		t.Fatalf("unexpected branch linkage: %+v", final)
	}
}

func TestPlaceholderDurableBeforeProviderCall(t *testing.T) {
	gate := make(chan struct{})
	mock := &llm.Mock{Default: "slow answer", Gate: gate}
	svc, _ := testService(t, mock)
	c := mkConv(t, "user-1")

	sess, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID,
		Prompt:       "hello",
		Identity:     Identity{ID: "user-1", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Another participant can already observe the pending AI turn even
	// though no provider traffic has happened.
	if s, _ := mock.Calls(); s != 0 {
		t.Fatalf("provider called during Begin")
	}
	m, err := store.GetMessage(sess.Placeholder.ID)
	if err != nil {
		t.Fatalf("get placeholder: %v", err)
	}
	if m.Status != models.StatusStreaming || m.StreamingFor != "user-1" || m.Author != models.AuthorAI {
		t.Fatalf("unexpected placeholder %+v", m)
	}

	runDone := make(chan error, 1)
	var buf bytes.Buffer
	go func() { runDone <- sess.Run(context.Background(), &buf) }()
	close(gate)
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not finish")
	}
}

func TestRateGatePrecedence(t *testing.T) {
	mock := &llm.Mock{Default: "never"}
	svc, cfg := testService(t, mock)
	cfg.Quota.AnonymousDaily = 1
	c := mkConv(t, "anon-1")

	ok, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID, Prompt: "first",
		Identity: Identity{ID: "anon-1", Class: quota.ClassAnonymous},
	})
	if err != nil {
		t.Fatalf("first begin: %v", err)
	}
	var buf bytes.Buffer
	if err := ok.Run(context.Background(), &buf); err != nil {
		t.Fatalf("first run: %v", err)
	}

	before, _ := store.ListMessages(c.ID, true)
	_, err = svc.Begin(context.Background(), Request{
		Conversation: c.ID, Prompt: "second",
		Identity: Identity{ID: "anon-1", Class: quota.ClassAnonymous},
	})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Decision.Kind != quota.KindAnonymous || rle.Decision.RetryAfter < 1 {
		t.Fatalf("unstructured decision: %+v", rle.Decision)
	}
	// Denied: no user message, no placeholder, no provider call.
	after, _ := store.ListMessages(c.ID, true)
	if len(after) != len(before) {
		t.Fatalf("denied request wrote messages: before=%d after=%d", len(before), len(after))
	}
	if s, _ := mock.Calls(); s != 1 {
		t.Fatalf("provider called for denied request")
	}
}

func TestProviderErrorFinalizesRecord(t *testing.T) {
	mock := &llm.Mock{Fail: errors.New("upstream unavailable")}
	svc, _ := testService(t, mock)
	c := mkConv(t, "user-1")

	sess, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID, Prompt: "hello",
		Identity: Identity{ID: "user-1", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var buf bytes.Buffer
	if err := sess.Run(context.Background(), &buf); err == nil {
		t.Fatalf("expected run error")
	}
	_, errText, done := decodeAll(t, buf.Bytes())
	if errText == "" || done {
		t.Fatalf("expected terminal error frame, got err=%q done=%v", errText, done)
	}
	m, _ := store.GetMessage(sess.Placeholder.ID)
	if m.Status != models.StatusError {
		t.Fatalf("record not in error state: %+v", m)
	}
}

func TestRetryCreatesNewBranch(t *testing.T) {
	mock := &llm.Mock{Default: "better answer"}
	svc, _ := testService(t, mock)
	c := mkConv(t, "user-1")

	first, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID, Prompt: "question",
		Identity: Identity{ID: "user-1", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var buf bytes.Buffer
	if err := first.Run(context.Background(), &buf); err != nil {
		t.Fatalf("run: %v", err)
	}

	retry, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID, RetryOf: first.Placeholder.ID,
		Identity: Identity{ID: "user-1", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("retry begin: %v", err)
	}
	buf.Reset()
	if err := retry.Run(context.Background(), &buf); err != nil {
		t.Fatalf("retry run: %v", err)
	}

	sibs, err := store.GetBranches(first.UserMessage.ID)
	if err != nil {
		t.Fatalf("branches: %v", err)
	}
	if len(sibs) != 2 {
		t.Fatalf("expected 2 siblings, got %d", len(sibs))
	}
	// The original is untouched; the retry is the new active sibling.
	if sibs[0].ID != first.Placeholder.ID || sibs[0].ActiveBranch {
		t.Fatalf("original sibling mutated: %+v", sibs[0])
	}
	if sibs[1].ID != retry.Placeholder.ID || !sibs[1].ActiveBranch || sibs[1].BranchIndex != 1 {
		t.Fatalf("unexpected retry sibling: %+v", sibs[1])
	}
}

func TestRetryRejectsMessageFromOtherConversation(t *testing.T) {
	mock := &llm.Mock{Default: "answer"}
	svc, _ := testService(t, mock)
	victim := mkConv(t, "victim")
	mine := mkConv(t, "user-2")

	first, err := svc.Begin(context.Background(), Request{
		Conversation: victim.ID, Prompt: "question",
		Identity: Identity{ID: "victim", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var buf bytes.Buffer
	if err := first.Run(context.Background(), &buf); err != nil {
		t.Fatalf("run: %v", err)
	}
	before, _ := store.ListMessages(victim.ID, true)

	// A caller authorized on their own conversation cannot point RetryOf
	// at a message living somewhere else.
	_, err = svc.Begin(context.Background(), Request{
		Conversation: mine.ID, RetryOf: first.Placeholder.ID,
		Identity: Identity{ID: "user-2", Class: quota.ClassPaid},
	})
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for foreign retry target, got %v", err)
	}

	after, _ := store.ListMessages(victim.ID, true)
	if len(after) != len(before) {
		t.Fatalf("foreign retry wrote into the target conversation: before=%d after=%d", len(before), len(after))
	}
	m, _ := store.GetMessage(first.Placeholder.ID)
	if !m.ActiveBranch {
		t.Fatalf("foreign retry deactivated the existing branch: %+v", m)
	}
}

func TestBackgroundHandlerSkipsFinalizedRecord(t *testing.T) {
	mock := &llm.Mock{Default: "foreground answer"}
	svc, cfg := testService(t, mock)
	c := mkConv(t, "user-1")

	sess, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID, Prompt: "question",
		Identity: Identity{ID: "user-1", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var buf bytes.Buffer
	if err := sess.Run(context.Background(), &buf); err != nil {
		t.Fatalf("run: %v", err)
	}

	h := GenerateHandler(cfg, mock)
	if err := h(context.Background(), taskFor(sess)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if _, complete := mock.Calls(); complete != 0 {
		t.Fatalf("background pass re-generated a finalized record")
	}
	m, _ := store.GetMessage(sess.Placeholder.ID)
	if m.Content != "foreground answer" {
		t.Fatalf("foreground result overwritten: %+v", m)
	}
}

func TestBackgroundHandlerFillsAbandonedRecord(t *testing.T) {
	gate := make(chan struct{})
	mock := &llm.Mock{Default: "durable answer", Gate: gate}
	svc, cfg := testService(t, mock)
	c := mkConv(t, "user-1")

	sess, err := svc.Begin(context.Background(), Request{
		Conversation: c.ID, Prompt: "question",
		Identity: Identity{ID: "user-1", Class: quota.ClassPaid},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Client disconnects before the first token.
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	var buf bytes.Buffer
	go func() { runDone <- sess.Run(ctx, &buf) }()
	cancel()
	if err := <-runDone; err == nil {
		t.Fatalf("expected context error from abandoned run")
	}
	m, _ := store.GetMessage(sess.Placeholder.ID)
	if m.Terminal() {
		t.Fatalf("abandoned run should leave record streaming, got %+v", m)
	}

	h := GenerateHandler(cfg, mock)
	if err := h(context.Background(), taskFor(sess)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	m, _ = store.GetMessage(sess.Placeholder.ID)
	if m.Status != models.StatusComplete || m.Content != "durable answer" {
		t.Fatalf("background pass did not fill record: %+v", m)
	}
}

func taskFor(sess *Session) coord.Task {
	return coord.Task{
		Type:         coord.TaskGenerate,
		MessageID:    sess.Placeholder.ID,
		Conversation: sess.Placeholder.Conversation,
		Model:        sess.Placeholder.Model,
	}
}
