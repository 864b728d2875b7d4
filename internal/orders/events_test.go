package orders

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type capturingBroadcaster struct {
	messages [][]byte
}

func (b *capturingBroadcaster) Broadcast(msg []byte) {
	b.messages = append(b.messages, msg)
}

func TestOrderCompletedHandler_LabelsShipped(t *testing.T) {
	repo := NewMemoryOrderRepository()
	handler := NewOrderCompletedHandler(repo, nil)

	if err := handler.PublishOrderCompleted(context.Background(), OrderCompletedEvent{OrderID: 7}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if status, _ := repo.Status(context.Background(), 7); status != StatusShipped {
		t.Fatalf("expected shipped, got %v", status)
	}
}

func TestFanoutPublisher_LocalBroadcastAndSinks(t *testing.T) {
	repo := NewMemoryOrderRepository()
	broadcaster := &capturingBroadcaster{}
	first := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("sink down")}
	last := &recordingPublisher{}

	pub := NewFanoutPublisher(NewOrderCompletedHandler(repo, nil), broadcaster, nil, first, failing, last)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := pub.PublishOrderCompleted(context.Background(), OrderCompletedEvent{OrderID: 7, CompletedAt: at})
	if err == nil || err.Error() != "sink down" {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if first.count() != 1 || last.count() != 1 {
		t.Fatalf("expected every sink to run, got %d and %d", first.count(), last.count())
	}
	if status, _ := repo.Status(context.Background(), 7); status != StatusShipped {
		t.Fatalf("expected local handler to run, got %v", status)
	}

	if len(broadcaster.messages) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(broadcaster.messages))
	}
	var msg struct {
		Type        string    `json:"type"`
		OrderID     int       `json:"order_id"`
		CompletedAt time.Time `json:"completed_at"`
	}
	if err := json.Unmarshal(broadcaster.messages[0], &msg); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if msg.Type != "order_completed" || msg.OrderID != 7 || !msg.CompletedAt.Equal(at) {
		t.Fatalf("unexpected broadcast: %+v", msg)
	}
}

func TestFanoutPublisher_LocalFailureStillReachesSinks(t *testing.T) {
	broadcaster := &capturingBroadcaster{}
	dbDown := errors.New("db down")
	brokerDown := errors.New("broker down")
	sink := &recordingPublisher{err: brokerDown}
	local := OrderCompletedPublisherFunc(func(context.Context, OrderCompletedEvent) error {
		return dbDown
	})

	pub := NewFanoutPublisher(local, broadcaster, zaptest.NewLogger(t), sink)
	err := pub.PublishOrderCompleted(context.Background(), OrderCompletedEvent{OrderID: 7})
	if !errors.Is(err, dbDown) || !errors.Is(err, brokerDown) {
		t.Fatalf("expected joined local and sink failures, got %v", err)
	}
	if len(broadcaster.messages) != 1 || sink.count() != 1 {
		t.Fatalf("expected broadcast and sink after local failure, got %d broadcasts %d sink calls", len(broadcaster.messages), sink.count())
	}
}
