// Package skills implements the skill-lifecycle half of spec.md §4.9:
// Candidate (draft → evaluating → evaluated → promoted/rejected) and
// Release (canary/stable, rollback), enforcing at most one active
// release per (skill-key, stage).
package skills

import (
	"context"
	"encoding/json"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Manager owns skill candidates and releases.
type Manager struct {
	store *store.Store
}

func New(st *store.Store) *Manager {
	return &Manager{store: st}
}

// CreateCandidate drafts a candidate from a skill key and a list of
// execution ids it was distilled from.
func (m *Manager) CreateCandidate(ctx context.Context, skillKey string, executionIDs []string) (*store.SkillCandidate, error) {
	encoded, err := json.Marshal(executionIDs)
	if err != nil {
		return nil, apierr.Wrap(apierr.ValidationError, "failed to encode execution ids", err)
	}
	now := store.Now()
	c := &store.SkillCandidate{
		ID: uuid.NewString(), SkillKey: skillKey, ExecutionIDs: string(encoded),
		Status: "draft", CreatedAt: now, UpdatedAt: now,
	}
	if err := m.store.DB.WithContext(ctx).Create(c).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to persist skill candidate", err)
	}
	return c, nil
}

// ListCandidates lists every candidate for a skill key (or all, if empty).
func (m *Manager) ListCandidates(ctx context.Context, skillKey string) ([]store.SkillCandidate, error) {
	q := m.store.DB.WithContext(ctx).Model(&store.SkillCandidate{})
	if skillKey != "" {
		q = q.Where("skill_key = ?", skillKey)
	}
	var rows []store.SkillCandidate
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to list skill candidates", err)
	}
	return rows, nil
}

func (m *Manager) GetCandidate(ctx context.Context, id string) (*store.SkillCandidate, error) {
	var c store.SkillCandidate
	err := m.store.DB.WithContext(ctx).First(&c, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.New(apierr.NotFound, "skill candidate not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load skill candidate", err)
	}
	return &c, nil
}

// Evaluate attaches a pass/fail and score to a candidate that is not yet
// promoted or rejected, transitioning it to evaluated on a pass and to
// rejected on a fail.
func (m *Manager) Evaluate(ctx context.Context, id string, score float64, pass bool) (*store.SkillCandidate, error) {
	c, err := m.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == "promoted" || c.Status == "rejected" {
		return nil, apierr.Newf(apierr.Conflict, "candidate is already %s", c.Status)
	}
	status := "evaluated"
	if !pass {
		status = "rejected"
	}
	if err := m.store.DB.WithContext(ctx).Model(c).Updates(map[string]any{
		"status": status, "score": score, "pass": pass, "updated_at": store.Now(),
	}).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to evaluate candidate", err)
	}
	c.Status, c.Score, c.Pass = status, &score, &pass
	return c, nil
}

// Promote transitions an evaluated, passing candidate into a new active
// Release for (skill-key, stage), superseding the prior active release
// (spec.md §4.9 "at most one active release per skill-key/stage").
func (m *Manager) Promote(ctx context.Context, candidateID, stage string) (*store.SkillRelease, error) {
	c, err := m.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != "evaluated" {
		return nil, apierr.Newf(apierr.Conflict, "candidate must be evaluated before promotion, is %s", c.Status)
	}
	if c.Pass == nil || !*c.Pass {
		return nil, apierr.New(apierr.Conflict, "candidate did not pass evaluation")
	}

	var release *store.SkillRelease
	err = m.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior store.SkillRelease
		err := tx.Where("skill_key = ? AND stage = ? AND active = ?", c.SkillKey, stage, true).First(&prior).Error
		version := 1
		if err == nil {
			version = prior.Version + 1
			if updErr := tx.Model(&prior).Updates(map[string]any{"active": false, "updated_at": store.Now()}).Error; updErr != nil {
				return updErr
			}
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		now := store.Now()
		release = &store.SkillRelease{
			ID: uuid.NewString(), SkillKey: c.SkillKey, Version: version, Stage: stage,
			CandidateID: c.ID, Active: true, CreatedAt: now, UpdatedAt: now,
		}
		if createErr := tx.Create(release).Error; createErr != nil {
			return createErr
		}
		return tx.Model(c).Updates(map[string]any{"status": "promoted", "updated_at": now}).Error
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to promote candidate", err)
	}
	return release, nil
}

// ListReleases lists releases for a skill key (or all, if empty).
func (m *Manager) ListReleases(ctx context.Context, skillKey string) ([]store.SkillRelease, error) {
	q := m.store.DB.WithContext(ctx).Model(&store.SkillRelease{})
	if skillKey != "" {
		q = q.Where("skill_key = ?", skillKey)
	}
	var rows []store.SkillRelease
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to list skill releases", err)
	}
	return rows, nil
}

// Rollback designates the release preceding releaseID (same key/stage,
// highest version below it) as active, and marks releaseID rolled-back.
func (m *Manager) Rollback(ctx context.Context, releaseID string) (*store.SkillRelease, error) {
	var current store.SkillRelease
	if err := m.store.DB.WithContext(ctx).First(&current, "id = ?", releaseID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.New(apierr.NotFound, "skill release not found")
		}
		return nil, apierr.Wrap(apierr.InternalError, "failed to load release", err)
	}
	if !current.Active {
		return nil, apierr.New(apierr.Conflict, "release is not active")
	}

	var previous store.SkillRelease
	err := m.store.DB.WithContext(ctx).
		Where("skill_key = ? AND stage = ? AND version < ?", current.SkillKey, current.Stage, current.Version).
		Order("version DESC").
		First(&previous).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.New(apierr.Conflict, "no prior release to roll back to")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to find prior release", err)
	}

	now := store.Now()
	err = m.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&current).Updates(map[string]any{"active": false, "stage": "rolled-back", "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&previous).Updates(map[string]any{"active": true, "updated_at": now}).Error
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to roll back release", err)
	}
	previous.Active = true
	return &previous, nil
}
