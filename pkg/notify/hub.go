package notify

import (
	"sync"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
)

// Event types fanned out to conversation watchers.
const (
	EventMessageCreated      = "message.created"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventBranchSwitched      = "branch.switched"
	EventPresenceUpdated     = "presence.updated"
	EventConversationUpdated = "conversation.updated"
)

// Event is one change notification for a conversation. Message is set for
// message events, Presence for presence events.
type Event struct {
	Type         string           `json:"type"`
	Conversation string           `json:"conversation_id"`
	Message      *models.Message  `json:"message,omitempty"`
	Presence     *models.Presence `json:"presence,omitempty"`
	ParentID     string           `json:"parent_message_id,omitempty"`
	BranchIndex  int              `json:"branch_index,omitempty"`
}

// Subscriber receives events for one conversation. The channel is closed
// on Unsubscribe.
type Subscriber struct {
	C    chan Event
	conv string
}

var (
	mu   sync.Mutex
	subs = map[string]map[*Subscriber]struct{}{}
	// Dropped counts events discarded because a subscriber channel was
	// full. Slow watchers lose events rather than stalling writers.
	dropped uint64
)

// Subscribe registers a watcher for a conversation. buffer bounds the
// per-subscriber queue; writers never block on it.
func Subscribe(convID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscriber{C: make(chan Event, buffer), conv: convID}
	mu.Lock()
	m, ok := subs[convID]
	if !ok {
		m = map[*Subscriber]struct{}{}
		subs[convID] = m
	}
	m[s] = struct{}{}
	n := len(m)
	mu.Unlock()
	logger.Debug("notify_subscribed", "conversation", convID, "subscribers", n)
	return s
}

// Unsubscribe removes the watcher and closes its channel.
func Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	mu.Lock()
	if m, ok := subs[s.conv]; ok {
		if _, present := m[s]; present {
			delete(m, s)
			close(s.C)
		}
		if len(m) == 0 {
			delete(subs, s.conv)
		}
	}
	mu.Unlock()
}

// Publish fans an event out to all watchers of its conversation without
// blocking. Events to full subscriber queues are dropped. Sends stay
// under mu, the same lock Unsubscribe closes channels under, so a send
// never races a close.
func Publish(ev Event) {
	mu.Lock()
	full := 0
	for s := range subs[ev.Conversation] {
		select {
		case s.C <- ev:
		default:
			dropped++
			full++
		}
	}
	mu.Unlock()
	if full > 0 {
		logger.Warn("notify_event_dropped", "conversation", ev.Conversation, "type", ev.Type, "subscribers", full)
	}
}

// Subscribers reports the current watcher count for a conversation.
func Subscribers(convID string) int {
	mu.Lock()
	defer mu.Unlock()
	return len(subs[convID])
}

// DroppedEvents reports the total number of discarded events.
func DroppedEvents() uint64 {
	mu.Lock()
	defer mu.Unlock()
	return dropped
}
