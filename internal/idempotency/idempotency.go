// Package idempotency implements IdempotencyService (spec.md §4.7):
// request deduplication keyed by (owner, idempotency-key, endpoint-scope),
// with a unique-constraint race to pick the winner among concurrent
// duplicate requests.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outcome tells the caller what to do after Begin.
type Outcome int

const (
	// Proceed means no usable prior record exists; the caller should run
	// the handler and call Complete when it finishes.
	Proceed Outcome = iota
	// Cached means a complete record with a matching fingerprint exists;
	// CachedStatus/CachedBody hold the response to replay verbatim.
	Cached
)

// Result is Begin's return value.
type Result struct {
	Record       *store.IdempotencyRecord
	Outcome      Outcome
	CachedStatus int
	CachedBody   []byte
}

const defaultTTL = 24 * time.Hour

// Service implements the insert-with-unique-constraint-race pattern.
type Service struct {
	store *store.Store
	ttl   time.Duration
}

func New(st *store.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{store: st, ttl: ttl}
}

// Fingerprint hashes a canonicalized request body.
func Fingerprint(canonicalBody []byte) string {
	sum := sha256.Sum256(canonicalBody)
	return hex.EncodeToString(sum[:])
}

// Begin looks up or inserts the idempotency record for (owner, key, scope).
func (s *Service) Begin(ctx context.Context, owner, key, scope, fingerprint string) (*Result, error) {
	existing, err := s.lookup(ctx, owner, key, scope)
	if err != nil {
		return nil, err
	}

	now := store.Now()
	if existing != nil && now.After(existing.ExpiresAt) {
		// Aged beyond TTL: treated as new (spec.md §9 "record aged beyond
		// TTL: treated as new"). Clear the stale row so a fresh insert
		// doesn't collide with the unique index.
		if delErr := s.store.DB.WithContext(ctx).Delete(&store.IdempotencyRecord{}, "id = ?", existing.ID).Error; delErr != nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to clear expired idempotency record", delErr)
		}
		existing = nil
	}

	if existing != nil {
		if existing.Fingerprint != fingerprint {
			return nil, apierr.New(apierr.Conflict, "idempotency key reused with a different request body")
		}
		if existing.Status == "in-progress" {
			return nil, apierr.New(apierr.Conflict, "a request with this idempotency key is already in progress").WithRetryAfter(500)
		}
		return &Result{Record: existing, Outcome: Cached, CachedStatus: existing.ResponseStatus, CachedBody: existing.ResponseBody}, nil
	}

	row := &store.IdempotencyRecord{
		ID: uuid.NewString(), Owner: owner, Key: key, Scope: scope,
		Fingerprint: fingerprint, Status: "in-progress",
		ExpiresAt: now.Add(s.ttl), CreatedAt: now,
	}
	if err := s.store.DB.WithContext(ctx).Create(row).Error; err != nil {
		// Lost the unique-constraint race to a concurrent duplicate
		// request; re-read what the winner inserted (spec.md §4.7
		// "insert uses a unique-constraint race to pick the winner").
		existing, lookupErr := s.lookup(ctx, owner, key, scope)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to persist idempotency record", err)
		}
		if existing.Fingerprint != fingerprint {
			return nil, apierr.New(apierr.Conflict, "idempotency key reused with a different request body")
		}
		if existing.Status == "in-progress" {
			return nil, apierr.New(apierr.Conflict, "a request with this idempotency key is already in progress").WithRetryAfter(500)
		}
		return &Result{Record: existing, Outcome: Cached, CachedStatus: existing.ResponseStatus, CachedBody: existing.ResponseBody}, nil
	}

	return &Result{Record: row, Outcome: Proceed}, nil
}

func (s *Service) lookup(ctx context.Context, owner, key, scope string) (*store.IdempotencyRecord, error) {
	var rec store.IdempotencyRecord
	err := s.store.DB.WithContext(ctx).
		Where("owner = ? AND key = ? AND scope = ?", owner, key, scope).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to look up idempotency record", err)
	}
	return &rec, nil
}

// Complete persists the response snapshot and marks the record complete.
func (s *Service) Complete(ctx context.Context, id string, status int, body []byte) error {
	if err := s.store.DB.WithContext(ctx).Model(&store.IdempotencyRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status": "complete", "response_status": status, "response_body": body,
	}).Error; err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to complete idempotency record", err)
	}
	return nil
}

// Abandon removes an in-progress record after the handler failed before
// producing a response, so a retry with the same key is not stuck
// forever behind a dead in-progress row.
func (s *Service) Abandon(ctx context.Context, id string) error {
	return s.store.DB.WithContext(ctx).Delete(&store.IdempotencyRecord{}, "id = ? AND status = ?", id, "in-progress").Error
}
