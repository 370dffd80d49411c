package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// KV is the narrow contract every stateful component goes through: the
// dedup gate, the cross-reference store, the history progress tracker and
// the activity log ring. A zero TTL means the key does not expire.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only if the key is absent or expired and
	// reports whether it was stored. The check and the write are atomic.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryKV is the in-process KV implementation used by default and in
// tests. Expired entries are dropped lazily on access and by a background
// sweep.
type MemoryKV struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	sweepStop chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

func NewMemoryKV() *MemoryKV {
	kv := &MemoryKV{
		entries:   map[string]memoryEntry{},
		sweepStop: make(chan struct{}),
		now:       time.Now,
	}
	go kv.sweep()
	return kv
}

func (kv *MemoryKV) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-kv.sweepStop:
			return
		case <-ticker.C:
			now := kv.now()
			kv.mu.Lock()
			for key, entry := range kv.entries {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					delete(kv.entries, key)
				}
			}
			kv.mu.Unlock()
		}
	}
}

func (kv *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidInput
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entry, ok := kv.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && kv.now().After(entry.expiresAt) {
		delete(kv.entries, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (kv *MemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = memoryEntry{value: value, expiresAt: kv.expiry(ttl)}
	return nil
}

func (kv *MemoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entry, ok := kv.entries[key]
	if ok && (entry.expiresAt.IsZero() || kv.now().Before(entry.expiresAt)) {
		return false, nil
	}
	kv.entries[key] = memoryEntry{value: value, expiresAt: kv.expiry(ttl)}
	return true, nil
}

func (kv *MemoryKV) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
	return nil
}

func (kv *MemoryKV) Close() error {
	kv.closeOnce.Do(func() {
		close(kv.sweepStop)
	})
	return nil
}

func (kv *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return kv.now().Add(ttl)
}
