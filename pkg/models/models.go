// Package models defines the persisted records of the WebForge engine.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Project is a generated app on disk, tracked across builds and updates.
type Project struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Name     string `json:"name" gorm:"uniqueIndex;not null"`
	Title    string `json:"title"`
	SiteType string `json:"site_type"`
	Strategy string `json:"strategy"`

	FileCount       int        `json:"file_count" gorm:"default:0"`
	LastBuildStatus string     `json:"last_build_status"`
	LastBuiltAt     *time.Time `json:"last_built_at"`

	Runs []PipelineRun `json:"-" gorm:"foreignKey:ProjectName;references:Name"`
}

// Run kinds.
const (
	RunKindBuild  = "build"
	RunKindUpdate = "update"
)

// Run stages.
const (
	StageReceived   = "received"
	StageEnriching  = "enriching"
	StageGenerating = "generating"
	StageInstalling = "installing"
	StageServing    = "serving"
	StageFixLoop    = "fixloop"
	StageDone       = "done"
	StageFailed     = "failed"
	StageCancelled  = "cancelled"
)

// Failure reason codes.
const (
	ReasonUserInput          = "user_input"
	ReasonBusy               = "busy"
	ReasonCapacity           = "capacity"
	ReasonEnrichFailed       = "enrich_failed"
	ReasonGenerateFailed     = "generate_failed"
	ReasonInstallFailed      = "install_failed"
	ReasonServeTimeout       = "serve_timeout"
	ReasonServeCrashed       = "serve_crashed"
	ReasonFixBudgetExhausted = "fix_budget_exhausted"
	ReasonCancelled          = "cancelled"
	ReasonInternal           = "internal"
)

// PipelineRun records one orchestrator execution against a project.
type PipelineRun struct {
	ID        uint           `json:"-" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	RunID       string `json:"run_id" gorm:"uniqueIndex;not null"`
	SessionID   string `json:"session_id" gorm:"index"`
	ProjectName string `json:"project" gorm:"index"`

	Kind   string `json:"kind"`   // build, update
	Intent string `json:"intent"` // patch, modify, feature (updates only)
	Prompt string `json:"prompt"`

	Stage       string `json:"stage"`
	FixAttempts int    `json:"fix_attempts" gorm:"default:0"`

	ServingURL  string `json:"serving_url"`
	ErrorCode   string `json:"error_code"`
	ErrorDetail string `json:"error_detail"`

	PromptTokens     int `json:"prompt_tokens" gorm:"default:0"`
	CompletionTokens int `json:"completion_tokens" gorm:"default:0"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Terminal reports whether the run has reached a terminal stage.
func (r *PipelineRun) Terminal() bool {
	switch r.Stage {
	case StageDone, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Succeeded reports whether the run finished serving a working app.
func (r *PipelineRun) Succeeded() bool {
	return r.Stage == StageDone
}

// Duration returns the run's wall time, zero while still running.
func (r *PipelineRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
