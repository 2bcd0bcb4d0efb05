package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
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

// RateLimitError carries the structured gate decision for a denied
// request so the transport layer can render it without parsing prose.
type RateLimitError struct {
	Decision quota.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %ds", e.Decision.Kind, e.Decision.RetryAfter)
}

// Identity is the resolved caller passed into a session.
type Identity struct {
	ID    string
	Class string // quota.ClassAnonymous | ClassFree | ClassPaid
}

// Request describes one "send and stream the answer" call.
type Request struct {
	Conversation string
	Prompt       string
	Model        string
	FileIDs      []string
	// RetryOf names a failed or unwanted AI message; the new generation
	// becomes a fresh sibling branch under the same parent instead of
	// mutating the old record.
	RetryOf  string
	Identity Identity
}

// Service runs streaming sessions against an injected provider.
type Service struct {
	cfg      *config.Config
	gate     *quota.Gate
	provider llm.Provider
	queue    *coord.Queue
}

func NewService(cfg *config.Config, gate *quota.Gate, provider llm.Provider, queue *coord.Queue) *Service {
	return &Service{cfg: cfg, gate: gate, provider: provider, queue: queue}
}

// Session is one in-flight generation. Placeholder is durable before
// Begin returns, so other participants observe "AI is responding"
// before any provider network call happens.
type Session struct {
	svc         *Service
	req         Request
	UserMessage *models.Message
	Placeholder models.Message
	history     []llm.ChatMessage
}

// Begin gate-checks the caller, records the user turn, writes the
// streaming placeholder and schedules the background coordination task.
// No provider traffic happens here. On a denied gate decision nothing is
// written and a *RateLimitError is returned.
func (s *Service) Begin(ctx context.Context, req Request) (*Session, error) {
	model := req.Model
	if model == "" {
		model = s.cfg.Provider.DefaultModel
	}
	req.Model = model

	d, err := s.gate.CheckAndConsume(req.Identity.ID, req.Identity.Class, model)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &RateLimitError{Decision: d}
	}

	conv, err := store.GetConversation(req.Conversation)
	if err != nil {
		return nil, err
	}

	sess := &Session{svc: s, req: req}

	parentID := ""
	if req.RetryOf != "" {
		failed, err := store.GetMessage(req.RetryOf)
		if err != nil {
			return nil, err
		}
		// Access was checked against req.Conversation; a retry target in
		// any other conversation is invisible to this caller.
		if failed.Conversation != conv.ID {
			return nil, store.ErrNotFound
		}
		if failed.ParentID == "" {
			return nil, fmt.Errorf("message %s is not retryable", req.RetryOf)
		}
		parentID = failed.ParentID
	} else {
		user := models.Message{
			ID:           utils.GenID(),
			Conversation: conv.ID,
			Author:       req.Identity.ID,
			Content:      req.Prompt,
			Type:         models.TypeUser,
			FileIDs:      req.FileIDs,
		}
		if err := store.CreateMessage(&user); err != nil {
			return nil, err
		}
		sess.UserMessage = &user
		parentID = user.ID
	}

	// History is assembled before the placeholder exists so the model
	// never sees its own empty pending turn.
	history, err := s.buildHistory(conv.ID)
	if err != nil {
		return nil, err
	}
	sess.history = history

	placeholder := models.Message{
		ID:           utils.GenID(),
		Author:       models.AuthorAI,
		Type:         models.TypeAI,
		Status:       models.StatusStreaming,
		Model:        model,
		StreamingFor: req.Identity.ID,
	}
	if err := store.InsertBranchMessage(parentID, &placeholder); err != nil {
		return nil, err
	}
	sess.Placeholder = placeholder

	// Fire-and-forget durability pass: the durable record gets filled
	// even if the initiating connection drops mid-stream.
	if s.queue != nil {
		if err := s.queue.Enqueue(coord.Task{
			Type:         coord.TaskGenerate,
			MessageID:    placeholder.ID,
			Conversation: conv.ID,
			Model:        model,
		}); err != nil {
			logger.Error("coord_enqueue_failed", "msg_id", placeholder.ID, "error", err)
		}
	}

	logger.Info("session_started", "conversation", conv.ID, "msg_id", placeholder.ID, "model", model, "user", req.Identity.ID)
	return sess, nil
}

// Run streams the generation to w using the line framing, checkpointing
// partial content so other participants see progress. It returns after
// the terminal frame is written or the context ends.
func (sess *Session) Run(ctx context.Context, w io.Writer) error {
	svc := sess.svc
	preq := llm.Request{Model: sess.req.Model, Messages: sess.history}

	chunks, err := svc.provider.Stream(ctx, preq)
	if err != nil {
		// FAILING path: placeholder exists, provider call never started.
		sess.finalize(err.Error(), models.StatusError)
		writeFrame(w, stream.EncodeError(err.Error()))
		logger.Error("session_provider_failed", "msg_id", sess.Placeholder.ID, "error", err)
		return err
	}

	var content []byte
	interval := svc.cfg.CheckpointInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastLen := 0

	for {
		select {
		case <-ticker.C:
			if len(content) != lastLen {
				if _, err := store.AppendStreamingUpdate(sess.Placeholder.ID, string(content), "", 0); err != nil && err != store.ErrNotFound {
					logger.Warn("session_checkpoint_failed", "msg_id", sess.Placeholder.ID, "error", err)
				}
				lastLen = len(content)
			}
		case <-ctx.Done():
			// Connection dropped; the background pass owns completion.
			logger.Info("session_disconnected", "msg_id", sess.Placeholder.ID, "bytes", len(content))
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				sess.finalize(string(content), models.StatusComplete)
				writeFrame(w, stream.EncodeDone())
				logger.Info("session_completed", "msg_id", sess.Placeholder.ID, "bytes", len(content))
				return nil
			}
			if c.Err != nil {
				if errors.Is(c.Err, context.Canceled) || errors.Is(c.Err, context.DeadlineExceeded) {
					logger.Info("session_disconnected", "msg_id", sess.Placeholder.ID, "bytes", len(content))
					return c.Err
				}
				sess.finalize(c.Err.Error(), models.StatusError)
				writeFrame(w, stream.EncodeError(c.Err.Error()))
				logger.Error("session_stream_failed", "msg_id", sess.Placeholder.ID, "error", c.Err)
				return c.Err
			}
			content = append(content, c.Delta...)
			writeFrame(w, stream.EncodeText(c.Delta))
		}
	}
}

// finalize writes the terminal state, yielding to whichever writer got
// there first. The foreground and background passes both come through
// here; the version guard keeps the record from becoming a torn mix.
func (sess *Session) finalize(content, status string) {
	finalizeMessage(sess.Placeholder.ID, content, status)
}

func finalizeMessage(id, content, status string) {
	m, err := store.GetMessage(id)
	if err != nil {
		logger.Warn("finalize_load_failed", "msg_id", id, "error", err)
		return
	}
	if m.Terminal() {
		return
	}
	_, err = store.AppendStreamingUpdate(id, content, status, m.Version)
	if err == store.ErrVersionMismatch {
		if cur, gerr := store.GetMessage(id); gerr == nil && cur.Terminal() {
			// The other pass finalized first.
			return
		}
		_, err = store.AppendStreamingUpdate(id, content, status, 0)
	}
	if err != nil && err != store.ErrNotFound {
		logger.Error("finalize_failed", "msg_id", id, "error", err)
	}
}

// buildHistory flattens the active-branch timeline into provider turns.
func (s *Service) buildHistory(convID string) ([]llm.ChatMessage, error) {
	msgs, err := store.ListMessages(convID, false)
	if err != nil {
		return nil, err
	}
	out := []llm.ChatMessage{{Role: llm.RoleSystem, Content: "You are a helpful assistant."}}
	for _, m := range msgs {
		if m.Status == models.StatusStreaming || m.Status == models.StatusError {
			continue
		}
		switch m.Type {
		case models.TypeUser:
			content := m.Content
			if len(m.FileIDs) > 0 {
				content = inlineAttachments(s.cfg, content, m.FileIDs)
			}
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: content})
		case models.TypeAI:
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return out, nil
}

// GenerateHandler returns the coordination-queue handler performing the
// non-streaming durability pass. It is idempotent: records already in a
// terminal state are left untouched, so at-least-once delivery and the
// foreground/background race both converge.
func GenerateHandler(cfg *config.Config, provider llm.Provider) coord.Handler {
	return func(ctx context.Context, t coord.Task) error {
		m, err := store.GetMessage(t.MessageID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		if m.Terminal() {
			return nil
		}

		svc := &Service{cfg: cfg, provider: provider}
		history, err := svc.buildHistory(t.Conversation)
		if err != nil {
			return err
		}
		content, err := provider.Complete(ctx, llm.Request{Model: t.Model, Messages: history})
		if err != nil {
			// The record must never stay stuck in streaming; the last
			// failed attempt writes an error terminal state.
			limit := cfg.Coord.MaxAttempts
			if limit <= 0 {
				limit = 3
			}
			if t.Attempts+1 >= limit {
				finalizeMessage(t.MessageID, err.Error(), models.StatusError)
			}
			return err
		}
		finalizeMessage(t.MessageID, content, models.StatusComplete)
		return nil
	}
}

func writeFrame(w io.Writer, frame []byte) {
	if _, err := w.Write(frame); err != nil {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
