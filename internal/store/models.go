// Package store defines the relational persistence layer: one gorm model
// per entity in the data model, plus a thin Store wrapper providing the
// row-version optimistic-concurrency helpers the managers above it need.
package store

import (
	"time"

	"gorm.io/gorm"
)

// Sandbox is the stable external handle (spec.md §3 "Sandbox").
type Sandbox struct {
	ID                string `gorm:"primaryKey"`
	Owner             string `gorm:"index:idx_sandbox_owner"`
	ProfileID         string
	CargoID           string
	CurrentSessionID  *string
	DesiredState      string // running | stopped | deleted
	ExpiresAt         *time.Time
	IdleExpiresAt     *time.Time
	LastActivity      time.Time
	CreatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
	Version           int64
}

// Session is an ephemeral container group (spec.md §3 "Session").
type Session struct {
	ID                 string `gorm:"primaryKey"`
	SandboxID          string `gorm:"index:idx_session_sandbox"`
	DesiredState       string // running | stopped
	ObservedState      string // pending | starting | running | degraded | stopping | stopped | failed
	PrimaryContainerID *string
	Endpoint           *string
	NetworkID          *string
	LastActivity       time.Time
	IdleTimeoutSeconds int
	ReadyAt            *time.Time
	FailedReason       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64

	Containers []SessionContainer `gorm:"foreignKey:SessionID"`
}

// SessionContainer is one per-container row of a Session's ordered list.
type SessionContainer struct {
	ID            string `gorm:"primaryKey"`
	SessionID     string `gorm:"index:idx_container_session"`
	Ordinal       int
	Name          string
	Role          string
	Image         string
	ContainerID   *string
	Endpoint      *string
	Capabilities  string // comma-separated capability names
	ObservedState string // pending | running | exited | failed
}

// Cargo is a persistent data volume (spec.md §3 "Cargo").
type Cargo struct {
	ID                  string `gorm:"primaryKey"`
	Owner               string `gorm:"index:idx_cargo_owner"`
	BackendHandle       string
	Kind                string // managed | external
	MountPath           string
	ManagedBySandboxID  *string
	CreatedAt           time.Time
	DeletedAt           gorm.DeletedAt `gorm:"index"`
}

// IdempotencyRecord caches a response snapshot keyed by (owner, key, scope).
type IdempotencyRecord struct {
	ID             string `gorm:"primaryKey"`
	Owner          string `gorm:"uniqueIndex:idx_idem_scope"`
	Key            string `gorm:"uniqueIndex:idx_idem_scope"`
	Scope          string `gorm:"uniqueIndex:idx_idem_scope"`
	Fingerprint    string
	Status         string // in-progress | complete
	ResponseStatus int
	ResponseBody   []byte
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// ExecutionRecord is a row for every capability call with semantic weight.
type ExecutionRecord struct {
	ID          string `gorm:"primaryKey"`
	SandboxID   string `gorm:"index:idx_exec_sandbox"`
	Type        string // python | shell | fs-read | fs-write | browser | browser-batch | ...
	Input       string
	Output      string
	Stdout      string
	Stderr      string
	ExitCode    *int
	Success     bool
	DurationMs  int64
	StartedAt   time.Time
	Tags        string // JSON array of strings
	Description string
	Notes       string
	CreatedAt   time.Time
}

// SkillCandidate is a draft evaluated from a set of execution records.
type SkillCandidate struct {
	ID           string `gorm:"primaryKey"`
	SkillKey     string `gorm:"index:idx_candidate_key"`
	ExecutionIDs string // JSON array of execution ids
	Status       string // draft | evaluating | evaluated | promoted | rejected
	Score        *float64
	Pass         *bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SkillRelease is a promoted, versioned candidate.
type SkillRelease struct {
	ID          string `gorm:"primaryKey"`
	SkillKey    string `gorm:"index:idx_release_key_stage"`
	Version     int
	Stage       string // canary | stable | rolled-back
	CandidateID string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GCLease is a row-level lease so at most one instance runs a GC task at
// a time in a multi-instance deployment (spec.md §4.8).
type GCLease struct {
	TaskName  string `gorm:"primaryKey"`
	HolderID  string
	ExpiresAt time.Time
}

// AllModels lists every model for AutoMigrate.
func AllModels() []any {
	return []any{
		&Sandbox{},
		&Session{},
		&SessionContainer{},
		&Cargo{},
		&IdempotencyRecord{},
		&ExecutionRecord{},
		&SkillCandidate{},
		&SkillRelease{},
		&GCLease{},
	}
}
