package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deptz/augment-sub000/internal/config"
	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/worker"
)

type runOptions struct {
	RequestFile string
	JobID       string
	JobType     string
	Prompt      string
	PromptFile  string
	Repos       []string
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := runOptions{}
	command := &cobra.Command{
		Use:   "run",
		Short: "Execute one job and print its record as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			req, err := buildRequest(opts, cfg.LLM, os.ReadFile)
			if err != nil {
				return &exitError{Code: 2, Err: err}
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var wopts []worker.Option
			wopts = append(wopts, worker.WithLogger(logger))
			if a.archive != nil {
				wopts = append(wopts, worker.WithArchiver(a.archive))
			}
			rec, runErr := worker.New(a.runner, a.store, a.coord, wopts...).Run(cmd.Context(), req)
			if err := writeJSON(cmd.OutOrStdout(), rec); err != nil {
				return err
			}
			if runErr != nil {
				return &exitError{Code: exitCodeFor(runErr), Err: runErr}
			}
			return nil
		},
	}
	f := command.Flags()
	f.StringVar(&opts.RequestFile, "request", "", "JSON execution request file (- for stdin)")
	f.StringVar(&opts.JobID, "job-id", "", "job id (default: random UUID)")
	f.StringVar(&opts.JobType, "type", "", "job type: ticket_description, task_breakdown or coverage_check")
	f.StringVar(&opts.Prompt, "prompt", "", "prompt text")
	f.StringVar(&opts.PromptFile, "prompt-file", "", "read the prompt from a file")
	f.StringArrayVar(&opts.Repos, "repo", nil, "repository URL, optionally suffixed with #branch (repeatable)")
	f.StringVar(&opts.Provider, "provider", "", "LLM provider (default from config llm.provider)")
	f.StringVar(&opts.Model, "model", "", "LLM model (default from config llm.model)")
	f.StringVar(&opts.APIKey, "api-key", "", "LLM API key (default from config llm.api_key)")
	f.StringVar(&opts.BaseURL, "base-url", "", "LLM base URL override")
	return command
}

// buildRequest assembles a request from a request file and flags. Flags
// override the file and the config's llm section fills what is still empty.
func buildRequest(opts runOptions, llm config.LLM, readFile func(string) ([]byte, error)) (protocol.ExecutionRequest, error) {
	var req protocol.ExecutionRequest
	if path := strings.TrimSpace(opts.RequestFile); path != "" {
		var data []byte
		var err error
		if path == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = readFile(path)
		}
		if err != nil {
			return req, fmt.Errorf("read request: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse request %q: %w", path, err)
		}
	}

	if v := strings.TrimSpace(opts.JobID); v != "" {
		req.JobID = v
	}
	if strings.TrimSpace(req.JobID) == "" {
		req.JobID = uuid.NewString()
	}
	if v := strings.TrimSpace(opts.JobType); v != "" {
		req.JobType = protocol.JobType(v)
	}
	jt, ok := protocol.ParseJobType(string(req.JobType))
	if !ok {
		return req, fmt.Errorf("unknown job type %q", req.JobType)
	}
	req.JobType = jt

	switch {
	case opts.Prompt != "":
		req.Prompt = opts.Prompt
	case opts.PromptFile != "":
		data, err := readFile(opts.PromptFile)
		if err != nil {
			return req, fmt.Errorf("read prompt: %w", err)
		}
		req.Prompt = string(data)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return req, errors.New("a prompt is required")
	}

	for _, raw := range opts.Repos {
		url, branch, _ := strings.Cut(strings.TrimSpace(raw), "#")
		req.Repos = append(req.Repos, protocol.RepoSpec{URL: url, Branch: branch})
	}

	req.LLM.Provider = firstNonEmpty(opts.Provider, req.LLM.Provider, llm.Provider)
	req.LLM.Model = firstNonEmpty(opts.Model, req.LLM.Model, llm.Model)
	req.LLM.APIKey = firstNonEmpty(opts.APIKey, req.LLM.APIKey, llm.APIKey)
	req.LLM.BaseURL = firstNonEmpty(opts.BaseURL, req.LLM.BaseURL, llm.BaseURL)
	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// exitCodeFor separates caller mistakes (2) and cancellation (130) from
// execution failures (1).
func exitCodeFor(err error) int {
	switch failure.KindOf(err) {
	case failure.KindConfiguration:
		return 2
	case failure.KindCancelled:
		return 130
	default:
		return 1
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
