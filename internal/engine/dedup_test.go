package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDedupGateBlocksSecondDelivery(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	gate := NewDedupGate(kv)
	ctx := context.Background()

	notification := Notification{
		System: SystemCalendar,
		Calendar: &CalendarPush{
			ChannelID:     "chan-1",
			ResourceState: "exists",
			MessageNumber: "42",
		},
	}
	pass, err := gate.ShouldProcess(ctx, notification)
	if err != nil || !pass {
		t.Fatalf("first delivery = %v, %v", pass, err)
	}
	pass, err = gate.ShouldProcess(ctx, notification)
	if err != nil || pass {
		t.Fatalf("second delivery should be blocked, got %v, %v", pass, err)
	}
}

func TestDedupGateDistinctIdentitiesPass(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	gate := NewDedupGate(kv)
	ctx := context.Background()

	first := Notification{
		System: SystemNotion,
		Notion: &NotionWebhook{PageID: "page-1", LastEditedTime: "2025-01-10T10:00:00Z"},
	}
	second := Notification{
		System: SystemNotion,
		Notion: &NotionWebhook{PageID: "page-1", LastEditedTime: "2025-01-10T10:05:00Z"},
	}
	if pass, _ := gate.ShouldProcess(ctx, first); !pass {
		t.Fatal("first identity blocked")
	}
	if pass, _ := gate.ShouldProcess(ctx, second); !pass {
		t.Fatal("new edit timestamp should pass the gate")
	}
}

func TestDedupGateReadmitsAfterTTL(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	current := time.Now()
	kv.now = func() time.Time { return current }
	gate := NewDedupGate(kv)
	ctx := context.Background()

	notification := Notification{
		System:   SystemCalendar,
		Calendar: &CalendarPush{ChannelID: "chan-1", ResourceState: "exists", MessageNumber: "7"},
	}
	if pass, _ := gate.ShouldProcess(ctx, notification); !pass {
		t.Fatal("first delivery blocked")
	}

	current = current.Add(6 * time.Minute)
	if pass, _ := gate.ShouldProcess(ctx, notification); !pass {
		t.Fatal("delivery after TTL expiry should pass")
	}
}

func TestDedupGateRejectsMalformedNotification(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	gate := NewDedupGate(kv)

	_, err := gate.ShouldProcess(context.Background(), Notification{System: SystemNotion})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDedupGateRejectsMissingEditTimestamp(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	gate := NewDedupGate(kv)

	// Two timestamp-less deliveries would share one key for the whole TTL,
	// so the gate refuses to key them at all.
	_, err := gate.ShouldProcess(context.Background(), Notification{
		System: SystemNotion,
		Notion: &NotionWebhook{PageID: "page-1"},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
