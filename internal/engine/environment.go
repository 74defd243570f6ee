package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
)

const (
	ContainerNamePrefix = "augment-opencode-"
	ContainerPort       = 4096
	WorkspaceMount      = "/workspace"
	ConfigMount         = "/etc/opencode/opencode.json"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName is the runtime name of a job's container. The runtime refuses
// a second container with the same name, which keeps one container per job.
func ContainerName(jobID string) string {
	return ContainerNamePrefix + unsafeNameChars.ReplaceAllString(strings.TrimSpace(jobID), "-")
}

type provider struct {
	id      string
	keyVars []string
}

var providers = map[string]provider{
	"openai":    {id: "openai", keyVars: []string{"OPENAI_API_KEY"}},
	"anthropic": {id: "anthropic", keyVars: []string{"ANTHROPIC_API_KEY"}},
	"claude":    {id: "anthropic", keyVars: []string{"ANTHROPIC_API_KEY"}},
	"google":    {id: "google", keyVars: []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}},
	"gemini":    {id: "google", keyVars: []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}},
	"moonshot":  {id: "moonshotai", keyVars: []string{"MOONSHOT_API_KEY"}},
}

// SupportedProviders lists the provider names BuildEnvironment accepts.
func SupportedProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Environment is the container environment derived from a job's LLM config.
type Environment struct {
	Vars       map[string]string
	ProviderID string
	Model      string
	BaseURL    string
	// Credential names the variable holding the API key, for error messages.
	Credential string
}

// BuildEnvironment derives the container environment from the job's LLM
// config alone. Nothing is read from the process environment.
func BuildEnvironment(llm protocol.LLMConfig) (Environment, error) {
	const op = "build environment"
	name := strings.ToLower(strings.TrimSpace(llm.Provider))
	model := strings.TrimSpace(llm.Model)
	key := strings.TrimSpace(llm.APIKey)
	if name == "" {
		return Environment{}, failure.New(failure.KindConfiguration, op, "llm provider is required")
	}
	p, ok := providers[name]
	if !ok {
		return Environment{}, failure.Newf(failure.KindConfiguration, op, "unsupported llm provider %q (supported: %s)", llm.Provider, strings.Join(SupportedProviders(), ", "))
	}
	if model == "" {
		return Environment{}, failure.Newf(failure.KindConfiguration, op, "llm model is required for provider %q", name)
	}
	if key == "" {
		return Environment{}, failure.Newf(failure.KindConfiguration, op, "%s is required for provider %q", p.keyVars[0], name)
	}
	env := Environment{
		Vars: map[string]string{
			"LLM_PROVIDER":       name,
			"LLM_MODEL":          model,
			"OPENCODE_WORKSPACE": WorkspaceMount,
			"OPENCODE_CONFIG":    ConfigMount,
		},
		ProviderID: p.id,
		Model:      model,
		BaseURL:    strings.TrimSpace(llm.BaseURL),
		Credential: p.keyVars[0],
	}
	for _, v := range p.keyVars {
		env.Vars[v] = key
	}
	return env, nil
}

// Names returns the variable names in sorted order, for logging without values.
func (e Environment) Names() []string {
	names := make([]string, 0, len(e.Vars))
	for k := range e.Vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

const configTemplate = `// Generated for one job; mounted read-only into the execution container.
{
  "$schema": "https://opencode.ai/config.json",
  "model": {{model}},
  "autoupdate": false,
  "share": "disabled",
  "permission": {
    "edit": "allow",
    "bash": "allow",
    "webfetch": "deny",
  },
  {{provider}}
}
`

// RenderConfig produces the execution process configuration file.
func RenderConfig(env Environment) ([]byte, error) {
	model, err := json.Marshal(env.ProviderID + "/" + env.Model)
	if err != nil {
		return nil, err
	}
	providerBlock := ""
	if env.BaseURL != "" {
		id, _ := json.Marshal(env.ProviderID)
		baseURL, _ := json.Marshal(env.BaseURL)
		providerBlock = fmt.Sprintf(`"provider": { %s: { "options": { "baseURL": %s, }, }, },`, id, baseURL)
	}
	text := strings.NewReplacer("{{model}}", string(model), "{{provider}}", providerBlock).Replace(configTemplate)
	out := jsonc.ToJSON([]byte(text))
	if !json.Valid(out) {
		return nil, fmt.Errorf("generated execution config is not valid JSON")
	}
	return out, nil
}
