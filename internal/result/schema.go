package result

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/deptz/augment-sub000/internal/protocol"
)

const ticketDescriptionSchema = `{
  "type": "object",
  "required": ["description"],
  "properties": {
    "description": {"type": "string"},
    "impacted_files": {"type": "array", "items": {"type": "string"}},
    "components": {"type": "array", "items": {"type": "string"}},
    "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "string", "enum": ["high", "medium", "low"]}
  }
}`

const taskBreakdownSchema = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["summary", "description"],
        "properties": {
          "summary": {"type": "string"},
          "description": {"type": "string"},
          "files_to_modify": {"type": "array", "items": {"type": "string"}},
          "estimated_effort": {"type": "string", "enum": ["small", "medium", "large"]},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "team": {"type": "string"},
          "test_cases": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "warnings": {"type": "array", "items": {"type": "string"}}
  }
}`

const coverageCheckSchema = `{
  "type": "object",
  "required": ["coverage_percentage"],
  "properties": {
    "coverage_percentage": {"type": "number", "minimum": 0, "maximum": 100},
    "covered_requirements": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["requirement"],
        "properties": {
          "requirement": {"type": "string"},
          "tasks": {"type": "array", "items": {"type": "string"}},
          "files": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "gaps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["requirement"],
        "properties": {
          "requirement": {"type": "string"},
          "missing_tasks": {"type": "string"},
          "affected_files": {"type": "array", "items": {"type": "string"}},
          "severity": {"type": "string", "enum": ["critical", "important", "minor"]},
          "implementation_status": {"type": "string", "enum": ["missing", "partial", "mismatch"]}
        }
      }
    },
    "risks": {"type": "array", "items": {"type": "string"}},
    "overall_assessment": {"type": "string"},
    "suggestions_for_updates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["task_key", "suggested_description"],
        "properties": {
          "task_key": {"type": "string"},
          "current_description": {"type": "string"},
          "suggested_description": {"type": "string"},
          "suggested_test_cases": {"type": "string"},
          "ready_to_submit": {"type": "object"}
        }
      }
    },
    "suggestions_for_new_tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["summary", "description"],
        "properties": {
          "summary": {"type": "string"},
          "description": {"type": "string"},
          "test_cases": {"type": "string"},
          "gap_addressed": {"type": "string"},
          "ready_to_submit": {"type": "object"}
        }
      }
    }
  }
}`

var schemaSources = map[protocol.JobType]string{
	protocol.JobTypeTicketDescription: ticketDescriptionSchema,
	protocol.JobTypeTaskBreakdown:     taskBreakdownSchema,
	protocol.JobTypeCoverageCheck:     coverageCheckSchema,
}

var (
	compileOnce sync.Once
	compiled    map[protocol.JobType]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[protocol.JobType]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[protocol.JobType]*jsonschema.Schema, len(schemaSources))
		for jobType, src := range schemaSources {
			s, err := jsonschema.CompileString(string(jobType)+".json", src)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", jobType, err)
				return
			}
			compiled[jobType] = s
		}
	})
	return compiled, compileErr
}

// SchemaFor returns the JSON schema text for a job type, for inclusion in prompts.
func SchemaFor(jobType protocol.JobType) (string, error) {
	src, ok := schemaSources[jobType]
	if !ok {
		return "", fmt.Errorf("unknown job type %q", jobType)
	}
	return src, nil
}
