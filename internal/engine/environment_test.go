package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
)

func TestBuildEnvironmentProviderKeys(t *testing.T) {
	cases := []struct {
		provider string
		keys     []string
	}{
		{"openai", []string{"OPENAI_API_KEY"}},
		{"Anthropic", []string{"ANTHROPIC_API_KEY"}},
		{"claude", []string{"ANTHROPIC_API_KEY"}},
		{"gemini", []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}},
		{"moonshot", []string{"MOONSHOT_API_KEY"}},
	}
	for _, tc := range cases {
		env, err := BuildEnvironment(protocol.LLMConfig{Provider: tc.provider, Model: "m", APIKey: "secret"})
		if err != nil {
			t.Fatalf("%s: %v", tc.provider, err)
		}
		for _, k := range tc.keys {
			if env.Vars[k] != "secret" {
				t.Fatalf("%s: expected %s to be set, got %v", tc.provider, k, env.Names())
			}
		}
		if env.Credential != tc.keys[0] {
			t.Fatalf("%s: unexpected credential %q", tc.provider, env.Credential)
		}
		if env.Vars["OPENCODE_WORKSPACE"] != WorkspaceMount || env.Vars["OPENCODE_CONFIG"] != ConfigMount || env.Vars["LLM_MODEL"] != "m" {
			t.Fatalf("%s: missing fixed variables: %v", tc.provider, env.Vars)
		}
	}
}

func TestBuildEnvironmentIgnoresProcessEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-host")
	t.Setenv("LLM_PROVIDER", "openai")
	_, err := BuildEnvironment(protocol.LLMConfig{Provider: "openai", Model: "gpt-4o"})
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error without a job key, got %v", err)
	}
	_, err = BuildEnvironment(protocol.LLMConfig{})
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error without a provider, got %v", err)
	}
}

func TestBuildEnvironmentUnknownProvider(t *testing.T) {
	_, err := BuildEnvironment(protocol.LLMConfig{Provider: "llama-local", Model: "m", APIKey: "k"})
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRenderConfig(t *testing.T) {
	env, err := BuildEnvironment(protocol.LLMConfig{Provider: "openai", Model: "gpt-4o", APIKey: "k", BaseURL: "https://proxy.internal/v1"})
	if err != nil {
		t.Fatalf("build env: %v", err)
	}
	data, err := RenderConfig(env)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var cfg struct {
		Model    string `json:"model"`
		Provider map[string]struct {
			Options struct {
				BaseURL string `json:"baseURL"`
			} `json:"options"`
		} `json:"provider"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("generated config is not JSON: %v\n%s", err, data)
	}
	if cfg.Model != "openai/gpt-4o" {
		t.Fatalf("unexpected model %q", cfg.Model)
	}
	if cfg.Provider["openai"].Options.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("unexpected provider block %+v", cfg.Provider)
	}

	env.BaseURL = ""
	data, err = RenderConfig(env)
	if err != nil {
		t.Fatalf("render without base url: %v", err)
	}
	if !json.Valid(data) {
		t.Fatalf("invalid JSON without provider block: %s", data)
	}
}

func TestContainerName(t *testing.T) {
	if got := ContainerName("job 1/x"); got != "augment-opencode-job-1-x" {
		t.Fatalf("unexpected name %q", got)
	}
}
