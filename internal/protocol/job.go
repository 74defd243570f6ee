package protocol

import (
	"strings"
	"time"
)

type JobType string

const (
	JobTypeTicketDescription JobType = "ticket_description"
	JobTypeTaskBreakdown     JobType = "task_breakdown"
	JobTypeCoverageCheck     JobType = "coverage_check"
)

func ParseJobType(s string) (JobType, bool) {
	switch JobType(strings.ToLower(strings.TrimSpace(s))) {
	case JobTypeTicketDescription:
		return JobTypeTicketDescription, true
	case JobTypeTaskBreakdown:
		return JobTypeTaskBreakdown, true
	case JobTypeCoverageCheck:
		return JobTypeCoverageCheck, true
	default:
		return "", false
	}
}

type RepoSpec struct {
	URL    string `json:"url" yaml:"url"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// LLMConfig is the job-supplied credential bundle. The engine never falls back
// to the process environment for any of these values.
type LLMConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

type ExecutionRequest struct {
	JobID   string     `json:"job_id"`
	Prompt  string     `json:"prompt"`
	JobType JobType    `json:"job_type"`
	Repos   []RepoSpec `json:"repos"`
	LLM     LLMConfig  `json:"llm"`
}

// ExecutionResult is the validated JSON object produced by the execution container.
type ExecutionResult map[string]any

// JobRecord is the persisted view of one engine job as seen by the control plane.
type JobRecord struct {
	ID          string          `json:"id"`
	JobType     JobType         `json:"job_type"`
	Status      string          `json:"status"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	Result      ExecutionResult `json:"result,omitempty"`
	ArchiveKey  string          `json:"archive_key,omitempty"`
	CreatedUTC  time.Time       `json:"created_utc"`
	StartedUTC  time.Time       `json:"started_utc,omitempty"`
	FinishedUTC time.Time       `json:"finished_utc,omitempty"`
}

type CancelJobResponse struct {
	JobID     string `json:"job_id"`
	Requested bool   `json:"requested"`
	Status    string `json:"status,omitempty"`
}
