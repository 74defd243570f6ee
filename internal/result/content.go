package result

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/deptz/augment-sub000/internal/protocol"
)

const (
	minDescriptionChars     = 50
	minTaskDescriptionChars = 20
)

// checkContent rejects results that are structurally valid but carry no
// meaningful content. It returns the reason for rejection.
func checkContent(jobType protocol.JobType, doc map[string]any) (string, bool) {
	switch jobType {
	case protocol.JobTypeTicketDescription:
		desc, _ := doc["description"].(string)
		if n := utf8.RuneCountInString(strings.TrimSpace(desc)); n < minDescriptionChars {
			return fmt.Sprintf("description has %d characters, need at least %d", n, minDescriptionChars), false
		}
	case protocol.JobTypeTaskBreakdown:
		tasks, _ := doc["tasks"].([]any)
		if len(tasks) == 0 {
			return "no tasks", false
		}
		for i, raw := range tasks {
			task, _ := raw.(map[string]any)
			summary, _ := task["summary"].(string)
			desc, _ := task["description"].(string)
			if strings.TrimSpace(summary) == "" {
				return fmt.Sprintf("tasks[%d] has an empty summary", i), false
			}
			if n := utf8.RuneCountInString(strings.TrimSpace(desc)); n < minTaskDescriptionChars {
				return fmt.Sprintf("tasks[%d] description has %d characters, need at least %d", i, n, minTaskDescriptionChars), false
			}
		}
	case protocol.JobTypeCoverageCheck:
		switch doc["coverage_percentage"].(type) {
		case float64, int, int64:
		default:
			return "coverage_percentage is not a number", false
		}
	}
	return "", true
}
