package notify

import (
	"sync"
	"testing"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
)

func TestFanOutToConversationWatchers(t *testing.T) {
	logger.Init()
	a := Subscribe("conv-1", 4)
	b := Subscribe("conv-1", 4)
	other := Subscribe("conv-2", 4)
	defer Unsubscribe(a)
	defer Unsubscribe(b)
	defer Unsubscribe(other)

	Publish(Event{Type: EventMessageCreated, Conversation: "conv-1", Message: &models.Message{ID: "msg-1"}})

	for _, s := range []*Subscriber{a, b} {
		select {
		case ev := <-s.C:
			if ev.Message == nil || ev.Message.ID != "msg-1" {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("watcher did not receive event")
		}
	}
	select {
	case ev := <-other.C:
		t.Fatalf("watcher on other conversation got event %+v", ev)
	default:
	}
}

func TestSlowWatcherDropsInsteadOfBlocking(t *testing.T) {
	logger.Init()
	s := Subscribe("conv-slow", 1)
	defer Unsubscribe(s)

	before := DroppedEvents()
	Publish(Event{Type: EventMessageUpdated, Conversation: "conv-slow"})
	Publish(Event{Type: EventMessageUpdated, Conversation: "conv-slow"})
	if got := DroppedEvents(); got != before+1 {
		t.Fatalf("expected 1 dropped event, got %d", got-before)
	}
}

func TestPublishDuringUnsubscribeChurn(t *testing.T) {
	logger.Init()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				Publish(Event{Type: EventMessageUpdated, Conversation: "conv-churn"})
			}
		}
	}()
	// A publisher hammering the conversation must never hit a channel
	// mid-close while watchers come and go.
	for i := 0; i < 5000; i++ {
		s := Subscribe("conv-churn", 1)
		Unsubscribe(s)
	}
	close(stop)
	wg.Wait()
	if n := Subscribers("conv-churn"); n != 0 {
		t.Fatalf("expected 0 subscribers after churn, got %d", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	logger.Init()
	s := Subscribe("conv-3", 2)
	Unsubscribe(s)
	if _, ok := <-s.C; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	if n := Subscribers("conv-3"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}
