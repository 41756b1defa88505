package pubsub

import (
	"context"
	"testing"
)

func TestSessionBuffersAndDrops(t *testing.T) {
	broker := New(Options{})
	session, ok := NewSession(broker, "stream-1", []string{AllTopic}, nil, 2)
	if !ok {
		t.Fatalf("session should subscribe")
	}
	defer session.Close()

	for i := 0; i < 3; i++ {
		broker.Publish(context.Background(), "alerts.cms", map[string]any{"n": i})
	}

	if session.Dropped() != 1 {
		t.Fatalf("缓冲区满时应丢弃 1 条, got %d", session.Dropped())
	}
	first := <-session.C()
	if first.Payload["n"] != 0 {
		t.Fatalf("expected FIFO order, got %v", first.Payload)
	}
}

func TestSessionCloseUnsubscribesOnce(t *testing.T) {
	broker := New(Options{})
	session, ok := NewSession(broker, "stream-2", []string{"alerts.cms"}, Filters{"severity": "critical"}, 4)
	if !ok {
		t.Fatalf("session should subscribe")
	}
	if broker.Subscribers() != 1 {
		t.Fatalf("session should register a subscriber")
	}

	session.Close()
	session.Close()

	select {
	case <-session.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
	if broker.Subscribers() != 0 {
		t.Fatalf("close should unsubscribe")
	}

	broker.Publish(context.Background(), "alerts.cms", map[string]any{"severity": "critical"})
	if len(session.C()) != 0 {
		t.Fatalf("closed session must not receive messages")
	}
}

func TestNewSessionRejectsInvalidInput(t *testing.T) {
	broker := New(Options{})
	if _, ok := NewSession(broker, "", []string{"alerts.cms"}, nil, 1); ok {
		t.Fatalf("empty id should fail")
	}
}
