package cache

import (
	"context"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

const keyPrefix = "push:binding:"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the value into dest, or returns an error when absent.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedBindingStore adds read-aside caching of single records to any BindingStore.
// Owner listings always go to the underlying store.
type CachedBindingStore struct {
	realStore push.BindingStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedBindingStore(realStore push.BindingStore, cache CacheClient, ttl time.Duration) *CachedBindingStore {
	return &CachedBindingStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// cachedRecord keeps the owner as text so the cache never depends on URN encoding.
type cachedRecord struct {
	InstallationID string    `json:"installationId"`
	Owner          string    `json:"owner,omitempty"`
	Backend        string    `json:"backend"`
	DeviceToken    string    `json:"deviceToken"`
	BackendToken   string    `json:"backendToken,omitempty"`
	BoundAt        time.Time `json:"boundAt"`
	AffirmedAt     time.Time `json:"affirmedAt"`
}

// --- READ PATH (Read-Aside) ---

func (s *CachedBindingStore) Load(ctx context.Context, installationID string) (*push.BindingRecord, error) {
	key := cacheKey(installationID)

	var cached cachedRecord
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		rec := cached.toRecord()
		return &rec, nil
	}

	rec, err := s.realStore.Load(ctx, installationID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a Redis outage just means serving from the DB.
	_ = s.cache.Set(ctx, key, fromRecord(*rec), s.ttl)
	return rec, nil
}

func (s *CachedBindingStore) ListByOwner(ctx context.Context, owner urn.URN) ([]push.BindingRecord, error) {
	return s.realStore.ListByOwner(ctx, owner)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedBindingStore) Save(ctx context.Context, rec push.BindingRecord) error {
	if err := s.realStore.Save(ctx, rec); err != nil {
		return err
	}
	return s.cache.Del(ctx, cacheKey(rec.InstallationID))
}

func (s *CachedBindingStore) Touch(ctx context.Context, installationID string, at time.Time) error {
	if err := s.realStore.Touch(ctx, installationID, at); err != nil {
		return err
	}
	return s.cache.Del(ctx, cacheKey(installationID))
}

func cacheKey(installationID string) string {
	return keyPrefix + installationID
}

func fromRecord(rec push.BindingRecord) cachedRecord {
	return cachedRecord{
		InstallationID: rec.InstallationID,
		Owner:          rec.Owner.String(),
		Backend:        rec.Backend,
		DeviceToken:    rec.DeviceToken,
		BackendToken:   rec.BackendToken,
		BoundAt:        rec.BoundAt,
		AffirmedAt:     rec.AffirmedAt,
	}
}

func (c cachedRecord) toRecord() push.BindingRecord {
	rec := push.BindingRecord{
		InstallationID: c.InstallationID,
		Backend:        c.Backend,
		DeviceToken:    c.DeviceToken,
		BackendToken:   c.BackendToken,
		BoundAt:        c.BoundAt,
		AffirmedAt:     c.AffirmedAt,
	}
	if c.Owner != "" {
		if owner, err := urn.Parse(c.Owner); err == nil {
			rec.Owner = owner
		}
	}
	return rec
}
