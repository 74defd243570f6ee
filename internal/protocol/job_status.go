package protocol

import "strings"

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

func NormalizeJobStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsActiveJobStatus(status string) bool {
	switch NormalizeJobStatus(status) {
	case JobStatusQueued, JobStatusRunning:
		return true
	default:
		return false
	}
}

func IsTerminalJobStatus(status string) bool {
	switch NormalizeJobStatus(status) {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsCancellableJobStatus reports whether a cancel request can still affect the job.
func IsCancellableJobStatus(status string) bool {
	return IsActiveJobStatus(status)
}
