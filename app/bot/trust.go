package bot

import (
	"context"
	"fmt"
	"log"

	"github.com/go-pkgz/expirable-cache/v3"

	"github.com/mkrasnov/tg-guard/app/storage"
)

// UserStore is a subset of storage.Users used by the trust cache
type UserStore interface {
	Get(ctx context.Context, key storage.UserKey) (storage.UserRecord, bool, error)
	Upsert(ctx context.Context, rec storage.UserRecord) error
	Delete(ctx context.Context, key storage.UserKey) error
}

// TrustCache is the process-wide map of (chat, user) to legal status,
// backed by the persistent user store. Reads go through the cache, every
// mutation persists first so the store stays the source of truth across
// restarts. Entries leave the cache only via Evict.
type TrustCache struct {
	cache cache.Cache[string, bool]
	store UserStore
}

// NewTrustCache makes a trust cache over the given store
func NewTrustCache(store UserStore) *TrustCache {
	return &TrustCache{cache: cache.NewCache[string, bool](), store: store}
}

// IsLegal reports the trust status for the user described by rec. On a
// full miss (no cache entry, no persisted record) the user is trusted by
// default and a legal record is created, rec supplies the profile snapshot.
func (t *TrustCache) IsLegal(ctx context.Context, rec storage.UserRecord) (bool, error) {
	key := storage.NewUserKey(rec.ChatID, rec.UserID)
	if legal, ok := t.cache.Get(key.String()); ok {
		return legal, nil
	}

	stored, found, err := t.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to get user record %s: %w", key, err)
	}
	if found {
		t.cache.Set(key.String(), stored.Legal, 0)
		return stored.Legal, nil
	}

	rec.Legal = true
	if err := t.store.Upsert(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to create user record %s: %w", key, err)
	}
	t.cache.Set(key.String(), true, 0)
	log.Printf("[DEBUG] user %s trusted on first contact", key)
	return true, nil
}

// MarkLegal promotes the user to trusted, idempotent
func (t *TrustCache) MarkLegal(ctx context.Context, rec storage.UserRecord) error {
	key := storage.NewUserKey(rec.ChatID, rec.UserID)
	rec.Legal = true
	if err := t.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to mark user %s legal: %w", key, err)
	}
	t.cache.Set(key.String(), true, 0)
	return nil
}

// Evict drops the user from the cache and deletes the persisted record.
// Missing records are fine, eviction never fails on absence.
func (t *TrustCache) Evict(ctx context.Context, key storage.UserKey) error {
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete user record %s: %w", key, err)
	}
	t.cache.Invalidate(key.String())
	return nil
}

// Seed sets the initial trust state on a join event, without a message.
// With inherit set a prior persisted record keeps its legal value,
// otherwise rec.Legal is used as-is.
func (t *TrustCache) Seed(ctx context.Context, rec storage.UserRecord, inherit bool) error {
	key := storage.NewUserKey(rec.ChatID, rec.UserID)
	if inherit {
		stored, found, err := t.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to get user record %s: %w", key, err)
		}
		if found {
			rec.Legal = stored.Legal
		}
	}
	if err := t.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to seed user record %s: %w", key, err)
	}
	t.cache.Set(key.String(), rec.Legal, 0)
	return nil
}
