package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
)

// AnswerCache holds a participant's selections for one session, mirrors each
// change to the durable local store synchronously, and submits answers to the
// backend. Submission is idempotent per (session, item).
type AnswerCache struct {
	mu        sync.Mutex
	store     Store
	key       string
	sessionID uuid.UUID
	backend   ParticipantBackend
	log       zerolog.Logger

	answers   map[uuid.UUID]string
	confirmed map[uuid.UUID]string
	closed    bool
}

// NewAnswerCache creates an empty cache for sessionID.
func NewAnswerCache(store Store, sessionID uuid.UUID, backend ParticipantBackend, log zerolog.Logger) *AnswerCache {
	return &AnswerCache{
		store:     store,
		key:       config.CacheKey.AnswersKey(sessionID.String()),
		sessionID: sessionID,
		backend:   backend,
		log:       log.With().Str("component", "answer_cache").Str("session_id", sessionID.String()).Logger(),
		answers:   make(map[uuid.UUID]string),
		confirmed: make(map[uuid.UUID]string),
	}
}

// Restore merges locally cached answers with the answers the server already
// confirmed. The server wins for every item it knows about except current,
// the item that was in view and possibly never flushed; there the local
// selection is kept.
func (c *AnswerCache) Restore(ctx context.Context, server map[uuid.UUID]string, current uuid.UUID) error {
	local, err := c.load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, opt := range local {
		c.answers[id] = opt
	}
	for id, opt := range server {
		c.confirmed[id] = opt
		if prev, ok := c.answers[id]; ok && id == current && prev != opt {
			continue
		}
		c.answers[id] = opt
	}
	return c.persistLocked(ctx)
}

// Record overwrites the selection for itemID and persists it before returning.
func (c *AnswerCache) Record(ctx context.Context, itemID uuid.UUID, optionKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.answers[itemID] = optionKey
	return c.persistLocked(ctx)
}

// Confirm marks answers acknowledged by a reconciliation. Items the cache has
// no selection for adopt the server value; local selections are left alone,
// they are newer than the server's view.
func (c *AnswerCache) Confirm(server map[uuid.UUID]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, opt := range server {
		c.confirmed[id] = opt
		if _, ok := c.answers[id]; !ok {
			c.answers[id] = opt
		}
	}
}

// Submit sends the current selection for itemID. It is a no-op when nothing is
// selected. A closed cache refuses without a network call; a SESSION_ENDED
// rejection closes the cache.
func (c *AnswerCache) Submit(ctx context.Context, itemID uuid.UUID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	opt, ok := c.answers[itemID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	err := c.backend.SubmitAnswer(ctx, c.sessionID, itemID, opt)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.confirmed[itemID] = opt
	case errors.Is(err, ErrSessionEnded):
		c.closed = true
		c.log.Warn().Str("item_id", itemID.String()).Msg("Submission rejected, session already ended")
	}
	return err
}

// Selected returns the selection for itemID.
func (c *AnswerCache) Selected(itemID uuid.UUID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opt, ok := c.answers[itemID]
	return opt, ok
}

// Answers returns a copy of all selections.
func (c *AnswerCache) Answers() map[uuid.UUID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uuid.UUID]string, len(c.answers))
	for k, v := range c.answers {
		out[k] = v
	}
	return out
}

// Unconfirmed returns the items among order whose selection the server has
// not acknowledged, in order.
func (c *AnswerCache) Unconfirmed(order []uuid.UUID) []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uuid.UUID
	for _, id := range order {
		opt, ok := c.answers[id]
		if ok && c.confirmed[id] != opt {
			ids = append(ids, id)
		}
	}
	return ids
}

// Missing returns the items among ids that have no selection, in order.
func (c *AnswerCache) Missing(ids []uuid.UUID) []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := c.answers[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Close stops further submissions.
func (c *AnswerCache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Clear closes the cache and removes the session's durable entry.
func (c *AnswerCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.answers = make(map[uuid.UUID]string)
	c.mu.Unlock()

	if err := c.store.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("clear answers: %w", err)
	}
	return nil
}

func (c *AnswerCache) load(ctx context.Context) (map[uuid.UUID]string, error) {
	raw, found, err := c.store.Get(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	if !found {
		return nil, nil
	}
	var answers map[uuid.UUID]string
	if err := json.Unmarshal(raw, &answers); err != nil {
		// A corrupt entry is not worth failing the session over.
		c.log.Warn().Err(err).Msg("Discarding unreadable cached answers")
		return nil, nil
	}
	return answers, nil
}

func (c *AnswerCache) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(c.answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	if err := c.store.Put(ctx, c.key, raw); err != nil {
		return fmt.Errorf("persist answers: %w", err)
	}
	return nil
}
