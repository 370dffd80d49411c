package engine

import (
	"context"
	"fmt"
	"time"
)

const dedupTTL = 5 * time.Minute

// DedupGate discards re-delivered or out-of-order notifications. The key is
// the notification's delivery-level identity: the push channel message
// number on the calendar side, the page edit timestamp on the Notion side.
type DedupGate struct {
	kv  KV
	ttl time.Duration
	now func() time.Time
}

func NewDedupGate(kv KV) *DedupGate {
	return &DedupGate{kv: kv, ttl: dedupTTL, now: time.Now}
}

// ShouldProcess reports whether the notification is first-seen within the
// TTL window. The underlying SetNX is atomic, so two concurrent deliveries
// of the identical notification cannot both pass.
func (g *DedupGate) ShouldProcess(ctx context.Context, n Notification) (bool, error) {
	key, err := dedupKey(n)
	if err != nil {
		return false, err
	}
	inserted, err := g.kv.SetNX(ctx, key, g.now().UTC().Format(time.RFC3339Nano), g.ttl)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func dedupKey(n Notification) (string, error) {
	switch n.System {
	case SystemNotion:
		if n.Notion == nil || n.Notion.PageID == "" || n.Notion.LastEditedTime == "" {
			return "", ErrInvalidInput
		}
		return fmt.Sprintf("dedup:notion:%s:%s", n.Notion.PageID, n.Notion.LastEditedTime), nil
	case SystemCalendar:
		if n.Calendar == nil || n.Calendar.ChannelID == "" || n.Calendar.MessageNumber == "" {
			return "", ErrInvalidInput
		}
		return fmt.Sprintf("dedup:calendar:%s:%s", n.Calendar.ChannelID, n.Calendar.MessageNumber), nil
	default:
		return "", ErrInvalidInput
	}
}
