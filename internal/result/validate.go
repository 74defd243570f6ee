// Package result reads the file an execution container leaves in the
// workspace and checks it against the job type's schema and content rules.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/workspace"
)

const (
	DefaultFileName = "result.json"
	DefaultMaxBytes = 10 << 20
	listingLimit    = 50
)

var fencePattern = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")

type Validator struct {
	fileName string
	maxBytes int64
	logger   *slog.Logger
}

type Option func(*Validator)

func WithFileName(name string) Option {
	return func(v *Validator) {
		if name = strings.TrimSpace(name); name != "" {
			v.fileName = name
		}
	}
}

func WithMaxBytes(n int64) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxBytes = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func New(opts ...Option) *Validator {
	v := &Validator{fileName: DefaultFileName, maxBytes: DefaultMaxBytes, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ReadAndValidate loads the result file from the workspace, parses it and
// applies the schema and content checks for jobType.
func (v *Validator) ReadAndValidate(workspacePath string, jobType protocol.JobType) (protocol.ExecutionResult, error) {
	const op = "read result"
	path := filepath.Join(workspacePath, v.fileName)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		listing := workspace.Listing(workspacePath, listingLimit)
		return nil, failure.Newf(failure.KindResultMissing, op, "execution did not produce %s", v.fileName).
			WithDetail("workspace contents:\n" + strings.Join(listing, "\n"))
	}
	if err != nil {
		return nil, failure.Wrap(failure.KindResultMissing, op, err)
	}
	if info.IsDir() {
		return nil, failure.Newf(failure.KindResultMissing, op, "%s is a directory", v.fileName)
	}
	if info.Size() > v.maxBytes {
		return nil, failure.Newf(failure.KindResultTooLarge, op, "%s is %.1fMB, limit %.1fMB",
			v.fileName, float64(info.Size())/(1<<20), float64(v.maxBytes)/(1<<20))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.KindResultMissing, op, err)
	}
	res, err := Parse(raw, jobType)
	if err != nil {
		return nil, err
	}
	v.logger.Info("result validated", "job_type", jobType, "bytes", len(raw))
	return res, nil
}

// Parse decodes content, unwrapping a markdown code fence when present, and
// validates it for jobType.
func Parse(content []byte, jobType protocol.JobType) (protocol.ExecutionResult, error) {
	const op = "validate result"
	schemas, err := compiledSchemas()
	if err != nil {
		return nil, failure.Wrap(failure.KindInternal, op, err)
	}
	schema, ok := schemas[jobType]
	if !ok {
		return nil, failure.Newf(failure.KindConfiguration, op, "unknown job type %q", jobType)
	}

	text := ExtractJSON(string(content))
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, failure.Wrap(failure.KindResultInvalidJSON, op, err).WithDetail(excerpt(text))
	}
	if err := schema.Validate(doc); err != nil {
		return nil, failure.New(failure.KindResultSchema, op, fmt.Sprintf("does not match %s schema", jobType)).WithDetail(describeSchemaError(err))
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, failure.New(failure.KindResultSchema, op, "result is not a JSON object")
	}
	if reason, ok := checkContent(jobType, obj); !ok {
		return nil, failure.New(failure.KindResultContent, op, "result has valid structure but no meaningful content").WithDetail(reason)
	}
	return protocol.ExecutionResult(obj), nil
}

// ExtractJSON strips a surrounding markdown code fence. Content that already
// starts like JSON is returned trimmed.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return content
	}
	if m := fencePattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return content
}

func describeSchemaError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var lines []string
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		lines = append(lines, loc+": "+e.Error)
	}
	if len(lines) == 0 {
		return ve.Error()
	}
	return strings.Join(lines, "\n")
}

func excerpt(s string) string {
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
