// Package history implements the execution-history half of spec.md §4.9:
// an immutable-except-annotations log of every capability call that
// carries semantic weight (code/shell/browser execution).
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record is the input to Append; a thin projection of store.ExecutionRecord.
type Record struct {
	SandboxID  string
	Type       string
	Input      string
	Output     string
	Stdout     string
	Stderr     string
	ExitCode   *int
	Success    bool
	DurationMs int64
	StartedAt  time.Time
}

// Recorder persists and queries execution records.
type Recorder struct {
	store *store.Store
}

func New(st *store.Store) *Recorder {
	return &Recorder{store: st}
}

// Append inserts a new immutable execution row.
func (r *Recorder) Append(ctx context.Context, rec Record) error {
	row := store.ExecutionRecord{
		ID: uuid.NewString(), SandboxID: rec.SandboxID, Type: rec.Type,
		Input: rec.Input, Output: rec.Output, Stdout: rec.Stdout, Stderr: rec.Stderr,
		ExitCode: rec.ExitCode, Success: rec.Success, DurationMs: rec.DurationMs,
		StartedAt: rec.StartedAt, CreatedAt: store.Now(),
	}
	if err := r.store.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to persist execution record", err)
	}
	return nil
}

// Filter narrows List results.
type Filter struct {
	SandboxID string
	Type      string
	Success   *bool
	Tag       string
}

// List returns execution records matching filter, newest first.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]store.ExecutionRecord, error) {
	q := r.store.DB.WithContext(ctx).Model(&store.ExecutionRecord{})
	if filter.SandboxID != "" {
		q = q.Where("sandbox_id = ?", filter.SandboxID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Success != nil {
		q = q.Where("success = ?", *filter.Success)
	}
	if filter.Tag != "" {
		q = q.Where("tags LIKE ?", "%\""+filter.Tag+"\"%")
	}
	var rows []store.ExecutionRecord
	if err := q.Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to list execution records", err)
	}
	return rows, nil
}

// Get fetches one execution record by id.
func (r *Recorder) Get(ctx context.Context, id string) (*store.ExecutionRecord, error) {
	var row store.ExecutionRecord
	err := r.store.DB.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.New(apierr.NotFound, "execution record not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load execution record", err)
	}
	return &row, nil
}

// GetLast returns the most recent execution record for sandboxID.
func (r *Recorder) GetLast(ctx context.Context, sandboxID string) (*store.ExecutionRecord, error) {
	var row store.ExecutionRecord
	err := r.store.DB.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("started_at DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.New(apierr.NotFound, "no execution records for sandbox")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load last execution record", err)
	}
	return &row, nil
}

// Annotation carries the only fields a row may be mutated with after
// creation (spec.md §4.9 "immutable except for annotations").
type Annotation struct {
	Description *string
	Notes       *string
	Tags        []string
}

// Annotate updates description/notes/tags on an existing execution record.
func (r *Recorder) Annotate(ctx context.Context, id string, ann Annotation) error {
	updates := map[string]any{}
	if ann.Description != nil {
		updates["description"] = *ann.Description
	}
	if ann.Notes != nil {
		updates["notes"] = *ann.Notes
	}
	if ann.Tags != nil {
		encoded, err := json.Marshal(ann.Tags)
		if err != nil {
			return apierr.Wrap(apierr.ValidationError, "failed to encode tags", err)
		}
		updates["tags"] = string(encoded)
	}
	if len(updates) == 0 {
		return nil
	}
	res := r.store.DB.WithContext(ctx).Model(&store.ExecutionRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return apierr.Wrap(apierr.InternalError, "failed to annotate execution record", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.New(apierr.NotFound, "execution record not found")
	}
	return nil
}
