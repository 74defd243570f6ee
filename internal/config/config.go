package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type File struct {
	Version   int       `yaml:"version" json:"version"`
	Engine    Engine    `yaml:"engine" json:"engine"`
	Workspace Workspace `yaml:"workspace" json:"workspace"`
	LLM       LLM       `yaml:"llm" json:"llm"`
	Store     Store     `yaml:"store" json:"store"`
	Control   Control   `yaml:"control" json:"control"`
	Archive   Archive   `yaml:"archive" json:"archive"`
	Log       Log       `yaml:"log" json:"log"`
}

type Engine struct {
	DockerImage            string `yaml:"docker_image" json:"docker_image"`
	MaxConcurrent          int    `yaml:"max_concurrent" json:"max_concurrent"`
	JobTimeoutMinutes      int    `yaml:"job_timeout_minutes" json:"job_timeout_minutes"`
	ResultFile             string `yaml:"result_file" json:"result_file"`
	MaxResultSizeMB        int    `yaml:"max_result_size_mb" json:"max_result_size_mb"`
	Network                string `yaml:"network,omitempty" json:"network,omitempty"`
	ReadyTimeoutSeconds    int    `yaml:"ready_timeout_seconds" json:"ready_timeout_seconds"`
	StopTimeoutSeconds     int    `yaml:"stop_timeout_seconds" json:"stop_timeout_seconds"`
	SettleDelayMillis      int    `yaml:"settle_delay_ms" json:"settle_delay_ms"`
	ContainerMaxAgeMinutes int    `yaml:"container_max_age_minutes" json:"container_max_age_minutes"`
	MinDockerVersion       string `yaml:"min_docker_version,omitempty" json:"min_docker_version,omitempty"`
}

type Workspace struct {
	BaseDir             string `yaml:"base_dir" json:"base_dir"`
	MaxReposPerJob      int    `yaml:"max_repos_per_job" json:"max_repos_per_job"`
	CloneTimeoutSeconds int    `yaml:"clone_timeout_seconds" json:"clone_timeout_seconds"`
	ShallowClone        *bool  `yaml:"shallow_clone,omitempty" json:"shallow_clone,omitempty"`
	MaxAgeMinutes       int    `yaml:"max_age_minutes" json:"max_age_minutes"`
	GitUsername         string `yaml:"git_username,omitempty" json:"git_username,omitempty"`
	GitToken            string `yaml:"git_token,omitempty" json:"git_token,omitempty"`
	AgentsMDPath        string `yaml:"agents_md_path,omitempty" json:"agents_md_path,omitempty"`
}

// LLM holds the credentials the CLI attaches to jobs it submits. The engine
// itself only ever reads credentials from the job request.
type LLM struct {
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

type Store struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

type Control struct {
	Addr         string `yaml:"addr" json:"addr"`
	GRPCAddr     string `yaml:"grpc_addr,omitempty" json:"grpc_addr,omitempty"`
	MDNS         bool   `yaml:"mdns" json:"mdns"`
	MDNSInstance string `yaml:"mdns_instance,omitempty" json:"mdns_instance,omitempty"`
}

type Archive struct {
	Endpoint      string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Bucket        string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	AccessKey     string `yaml:"access_key,omitempty" json:"access_key,omitempty"`
	SecretKey     string `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`
	UseSSL        bool   `yaml:"use_ssl,omitempty" json:"use_ssl,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

const (
	DefaultDockerImage = "ghcr.io/anomalyco/opencode"
	DefaultResultFile  = "result.json"
)

// Default returns the configuration used when no file is given.
func Default() File {
	var cfg File
	cfg.Version = 1
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	return Parse(data, path)
}

// Parse decodes YAML (or JSON/JSONC, selected by the source extension),
// expands ${VAR} and ${VAR:default} references, applies defaults and validates.
func Parse(data []byte, source string) (File, error) {
	cfg := File{}

	switch strings.ToLower(filepath.Ext(source)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	data = ExpandEnv(data, os.LookupEnv)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse YAML in %q: %w", source, err)
	}
	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config in %q: %s", source, strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (cfg *File) applyDefaults() {
	e := &cfg.Engine
	if strings.TrimSpace(e.DockerImage) == "" {
		e.DockerImage = DefaultDockerImage
	}
	if e.MaxConcurrent == 0 {
		e.MaxConcurrent = 2
	}
	if e.JobTimeoutMinutes == 0 {
		e.JobTimeoutMinutes = 20
	}
	if strings.TrimSpace(e.ResultFile) == "" {
		e.ResultFile = DefaultResultFile
	}
	if e.MaxResultSizeMB == 0 {
		e.MaxResultSizeMB = 10
	}
	if e.ReadyTimeoutSeconds == 0 {
		e.ReadyTimeoutSeconds = 60
	}
	if e.StopTimeoutSeconds == 0 {
		e.StopTimeoutSeconds = 10
	}
	if e.SettleDelayMillis == 0 {
		e.SettleDelayMillis = 2000
	}
	if e.ContainerMaxAgeMinutes == 0 {
		e.ContainerMaxAgeMinutes = 60
	}

	w := &cfg.Workspace
	if strings.TrimSpace(w.BaseDir) == "" {
		w.BaseDir = filepath.Join(os.TempDir(), "augment-workspaces")
	}
	if w.MaxReposPerJob == 0 {
		w.MaxReposPerJob = 5
	}
	if w.CloneTimeoutSeconds == 0 {
		w.CloneTimeoutSeconds = 300
	}
	if w.ShallowClone == nil {
		shallow := true
		w.ShallowClone = &shallow
	}
	if w.MaxAgeMinutes == 0 {
		w.MaxAgeMinutes = 60
	}

	if strings.TrimSpace(cfg.Store.Driver) == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && strings.TrimSpace(cfg.Store.DSN) == "" {
		cfg.Store.DSN = "augment-engine.db"
	}
	if strings.TrimSpace(cfg.Control.Addr) == "" {
		cfg.Control.Addr = ":8113"
	}
	if cfg.Archive.RetentionDays == 0 {
		cfg.Archive.RetentionDays = 30
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = "text"
	}
}

func (cfg File) Validate() []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported config version %d", cfg.Version))
	}

	e := cfg.Engine
	if strings.TrimSpace(e.DockerImage) == "" {
		errs = append(errs, "engine.docker_image is required")
	}
	if e.MaxConcurrent < 1 {
		errs = append(errs, "engine.max_concurrent must be >= 1")
	}
	if e.JobTimeoutMinutes < 0 {
		errs = append(errs, "engine.job_timeout_minutes must be >= 0")
	}
	if e.MaxResultSizeMB < 1 {
		errs = append(errs, "engine.max_result_size_mb must be >= 1")
	}
	if e.ReadyTimeoutSeconds < 1 {
		errs = append(errs, "engine.ready_timeout_seconds must be >= 1")
	}
	if e.StopTimeoutSeconds < 0 {
		errs = append(errs, "engine.stop_timeout_seconds must be >= 0")
	}
	if e.SettleDelayMillis < 0 {
		errs = append(errs, "engine.settle_delay_ms must be >= 0")
	}
	if rf := strings.TrimSpace(e.ResultFile); rf != "" && (rf != filepath.Base(rf) || rf == "." || rf == "..") {
		errs = append(errs, fmt.Sprintf("engine.result_file must be a plain file name, got %q", rf))
	}

	w := cfg.Workspace
	if w.MaxReposPerJob < 1 {
		errs = append(errs, "workspace.max_repos_per_job must be >= 1")
	}
	if w.CloneTimeoutSeconds < 1 {
		errs = append(errs, "workspace.clone_timeout_seconds must be >= 1")
	}
	if w.MaxAgeMinutes < 1 {
		errs = append(errs, "workspace.max_age_minutes must be >= 1")
	}
	if (strings.TrimSpace(w.GitUsername) == "") != (strings.TrimSpace(w.GitToken) == "") {
		errs = append(errs, "workspace.git_username and workspace.git_token must be set together")
	}

	if !slices.Contains([]string{"sqlite", "postgres", "memory"}, cfg.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver must be one of sqlite,postgres,memory, got %q", cfg.Store.Driver))
	}
	if cfg.Store.Driver == "postgres" && strings.TrimSpace(cfg.Store.DSN) == "" {
		errs = append(errs, "store.dsn is required for the postgres driver")
	}

	if strings.TrimSpace(cfg.Archive.Endpoint) != "" && strings.TrimSpace(cfg.Archive.Bucket) == "" {
		errs = append(errs, "archive.bucket is required when archive.endpoint is set")
	}
	if cfg.Archive.RetentionDays < 0 {
		errs = append(errs, "archive.retention_days must be >= 0")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.Log.Level)) {
		errs = append(errs, fmt.Sprintf("log.level must be one of debug,info,warn,error, got %q", cfg.Log.Level))
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(cfg.Log.Format)) {
		errs = append(errs, fmt.Sprintf("log.format must be one of text,json, got %q", cfg.Log.Format))
	}

	return errs
}

func (e Engine) JobTimeout() time.Duration {
	return time.Duration(e.JobTimeoutMinutes) * time.Minute
}

func (e Engine) ReadyTimeout() time.Duration {
	return time.Duration(e.ReadyTimeoutSeconds) * time.Second
}

func (e Engine) StopTimeout() time.Duration {
	return time.Duration(e.StopTimeoutSeconds) * time.Second
}

func (e Engine) SettleDelay() time.Duration {
	return time.Duration(e.SettleDelayMillis) * time.Millisecond
}

func (e Engine) ContainerMaxAge() time.Duration {
	return time.Duration(e.ContainerMaxAgeMinutes) * time.Minute
}

func (e Engine) MaxResultBytes() int64 {
	return int64(e.MaxResultSizeMB) * 1024 * 1024
}

func (w Workspace) CloneTimeout() time.Duration {
	return time.Duration(w.CloneTimeoutSeconds) * time.Second
}

func (w Workspace) MaxAge() time.Duration {
	return time.Duration(w.MaxAgeMinutes) * time.Minute
}

func (w Workspace) Shallow() bool {
	return w.ShallowClone == nil || *w.ShallowClone
}

func (a Archive) Enabled() bool {
	return strings.TrimSpace(a.Endpoint) != ""
}

func (a Archive) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}
