package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

const (
	linkPagePrefix  = "link:page:"
	linkEventPrefix = "link:event:"
	linkStripes     = 64
)

// LinkStore persists the cross-reference between a Notion page and its
// calendar event counterpart. Both directions are stored so lookups work
// either way, and Link enforces the bijection: an identifier already linked
// to a different counterpart is a conflict, never an overwrite.
//
// Link and Unlink for the same item identity are serialized through striped
// locks so two concurrent deliveries cannot race the two KV writes.
type LinkStore struct {
	kv      KV
	stripes [linkStripes]sync.Mutex
}

func NewLinkStore(kv KV) *LinkStore {
	return &LinkStore{kv: kv}
}

func (s *LinkStore) Link(ctx context.Context, pageID, eventID string) error {
	if pageID == "" || eventID == "" {
		return ErrInvalidInput
	}
	unlock := s.lockPair(pageID, eventID)
	defer unlock()

	if existing, err := s.kv.Get(ctx, linkPagePrefix+pageID); err == nil {
		if existing == eventID {
			return nil // idempotent re-link
		}
		return &LinkConflictError{PageID: pageID, EventID: eventID, ExistingCounterpart: existing}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing, err := s.kv.Get(ctx, linkEventPrefix+eventID); err == nil {
		return &LinkConflictError{PageID: pageID, EventID: eventID, ExistingCounterpart: existing}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := s.kv.Set(ctx, linkPagePrefix+pageID, eventID, 0); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, linkEventPrefix+eventID, pageID, 0); err != nil {
		// Roll the first write back so a partial link never survives.
		_ = s.kv.Delete(ctx, linkPagePrefix+pageID)
		return err
	}
	return nil
}

// EventForPage returns the linked calendar event id, or ErrNotFound.
func (s *LinkStore) EventForPage(ctx context.Context, pageID string) (string, error) {
	if pageID == "" {
		return "", ErrInvalidInput
	}
	return s.kv.Get(ctx, linkPagePrefix+pageID)
}

// PageForEvent returns the linked page id, or ErrNotFound.
func (s *LinkStore) PageForEvent(ctx context.Context, eventID string) (string, error) {
	if eventID == "" {
		return "", ErrInvalidInput
	}
	return s.kv.Get(ctx, linkEventPrefix+eventID)
}

// Unlink removes the pairing given either identifier. Unknown identifiers
// are a no-op.
func (s *LinkStore) Unlink(ctx context.Context, pageID, eventID string) error {
	if pageID == "" && eventID == "" {
		return ErrInvalidInput
	}
	if pageID == "" {
		found, err := s.kv.Get(ctx, linkEventPrefix+eventID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		pageID = found
	}
	if eventID == "" {
		found, err := s.kv.Get(ctx, linkPagePrefix+pageID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		eventID = found
	}
	unlock := s.lockPair(pageID, eventID)
	defer unlock()

	if err := s.kv.Delete(ctx, linkPagePrefix+pageID); err != nil {
		return err
	}
	return s.kv.Delete(ctx, linkEventPrefix+eventID)
}

// lockPair acquires the stripes for both identifiers in index order so two
// callers locking the same pair in opposite roles cannot deadlock.
func (s *LinkStore) lockPair(pageID, eventID string) func() {
	first := stripeIndex(pageID)
	second := stripeIndex(eventID)
	if first == second {
		s.stripes[first].Lock()
		return func() { s.stripes[first].Unlock() }
	}
	if first > second {
		first, second = second, first
	}
	s.stripes[first].Lock()
	s.stripes[second].Lock()
	return func() {
		s.stripes[second].Unlock()
		s.stripes[first].Unlock()
	}
}

func stripeIndex(id string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return int(hasher.Sum32() % linkStripes)
}
