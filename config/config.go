// Package config loads dacli settings from YAML, the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/dacli/capability"
)

const EnvPrefix = "DACLI"

type LLMSettings struct {
	Provider      string  `mapstructure:"provider" yaml:"provider"`
	Model         string  `mapstructure:"model" yaml:"model"`
	FallbackModel string  `mapstructure:"fallback_model" yaml:"fallback_model,omitempty"`
	APIKey        string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL       string  `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens     int     `mapstructure:"max_tokens" yaml:"max_tokens" validate:"gte=1"`
	Temperature   float64 `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	Timeout       int     `mapstructure:"timeout" yaml:"timeout" validate:"gte=1"`
}

type GitHubSettings struct {
	Token           string `mapstructure:"token" yaml:"token"`
	RepositoryURL   string `mapstructure:"repository_url" yaml:"repository_url"`
	Owner           string `mapstructure:"owner" yaml:"owner"`
	Repo            string `mapstructure:"repo" yaml:"repo"`
	Branch          string `mapstructure:"branch" yaml:"branch"`
	Timeout         int    `mapstructure:"timeout" yaml:"timeout" validate:"gte=1"`
	WorkflowTimeout int    `mapstructure:"workflow_timeout" yaml:"workflow_timeout" validate:"gte=30"`
}

type SnowflakeSettings struct {
	Account        string `mapstructure:"account" yaml:"account"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"`
	Warehouse      string `mapstructure:"warehouse" yaml:"warehouse"`
	Role           string `mapstructure:"role" yaml:"role"`
	Database       string `mapstructure:"database" yaml:"database"`
	Schema         string `mapstructure:"schema" yaml:"schema"`
	QueryTimeout   int    `mapstructure:"query_timeout" yaml:"query_timeout" validate:"gte=1"`
	LoginTimeout   int    `mapstructure:"login_timeout" yaml:"login_timeout" validate:"gte=1"`
	NetworkTimeout int    `mapstructure:"network_timeout" yaml:"network_timeout" validate:"gte=1"`
}

type PineconeSettings struct {
	APIKey          string `mapstructure:"api_key" yaml:"api_key"`
	IndexName       string `mapstructure:"index_name" yaml:"index_name"`
	Environment     string `mapstructure:"environment" yaml:"environment"`
	Host            string `mapstructure:"host" yaml:"host,omitempty"`
	TopK            int    `mapstructure:"top_k" yaml:"top_k" validate:"gte=1,lte=100"`
	IncludeMetadata bool   `mapstructure:"include_metadata" yaml:"include_metadata"`
}

type EmbeddingsSettings struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Model    string `mapstructure:"model" yaml:"model"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url,omitempty"`
}

type AgentSettings struct {
	MaxIterations    int    `mapstructure:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	MemoryWindow     int    `mapstructure:"memory_window" yaml:"memory_window" validate:"gte=1"`
	LogLevel         string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	StatePath        string `mapstructure:"state_path" yaml:"state_path"`
	HistoryPath      string `mapstructure:"history_path" yaml:"history_path"`
	SystemPromptPath string `mapstructure:"system_prompt_path" yaml:"system_prompt_path,omitempty"`
}

type UISettings struct {
	ShowTiming     bool `mapstructure:"show_timing" yaml:"show_timing"`
	MaxWidth       int  `mapstructure:"max_width" yaml:"max_width" validate:"gte=40"`
	TruncateOutput int  `mapstructure:"truncate_output" yaml:"truncate_output" validate:"gte=100"`
}

type RetrySettings struct {
	MaxAttempts  int     `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	InitialDelay float64 `mapstructure:"initial_delay" yaml:"initial_delay" validate:"gte=0.1"`
	MaxDelay     float64 `mapstructure:"max_delay" yaml:"max_delay" validate:"gte=1"`
	Multiplier   float64 `mapstructure:"multiplier" yaml:"multiplier" validate:"gte=1"`
}

type ServerSettings struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	MaxSessions   int    `mapstructure:"max_sessions" yaml:"max_sessions" validate:"gte=1"`
	Environment   string `mapstructure:"environment" yaml:"environment"`
	MaxIterations int    `mapstructure:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	MemoryWindow  int    `mapstructure:"memory_window" yaml:"memory_window" validate:"gte=1"`
}

type TelemetrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Settings is the full configuration tree.
type Settings struct {
	LLM        LLMSettings              `mapstructure:"llm" yaml:"llm"`
	GitHub     GitHubSettings           `mapstructure:"github" yaml:"github"`
	Snowflake  SnowflakeSettings        `mapstructure:"snowflake" yaml:"snowflake"`
	Pinecone   PineconeSettings         `mapstructure:"pinecone" yaml:"pinecone"`
	Embeddings EmbeddingsSettings       `mapstructure:"embeddings" yaml:"embeddings"`
	Agent      AgentSettings            `mapstructure:"agent" yaml:"agent"`
	UI         UISettings               `mapstructure:"ui" yaml:"ui"`
	Retry      RetrySettings            `mapstructure:"retry" yaml:"retry"`
	Server     ServerSettings           `mapstructure:"server" yaml:"server"`
	Telemetry  TelemetrySettings        `mapstructure:"telemetry" yaml:"telemetry"`
	Tools      capability.ToolsSettings `mapstructure:"tools" yaml:"tools"`

	// Source is the file the settings were read from, empty for defaults.
	Source string `mapstructure:"-" yaml:"-"`
}

// setDefaults registers every key so that environment overrides apply even
// when the key is absent from the file.
func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"llm.provider":    "openai",
		"llm.model":       "",
		"llm.api_key":     "",
		"llm.base_url":    "",
		"llm.max_tokens":  4096,
		"llm.temperature": 0.7,
		"llm.timeout":     120,

		"github.token":            "",
		"github.repository_url":   "",
		"github.owner":            "",
		"github.repo":             "",
		"github.branch":           "main",
		"github.timeout":          60,
		"github.workflow_timeout": 600,

		"snowflake.account":         "",
		"snowflake.user":            "",
		"snowflake.password":        "",
		"snowflake.warehouse":       "",
		"snowflake.role":            "",
		"snowflake.database":        "",
		"snowflake.schema":          "PUBLIC",
		"snowflake.query_timeout":   300,
		"snowflake.login_timeout":   60,
		"snowflake.network_timeout": 60,

		"pinecone.api_key":          "",
		"pinecone.index_name":       "",
		"pinecone.environment":      "",
		"pinecone.host":             "",
		"pinecone.top_k":            5,
		"pinecone.include_metadata": true,

		"embeddings.provider": "openai",
		"embeddings.api_key":  "",
		"embeddings.model":    "text-embedding-3-small",
		"embeddings.base_url": "",

		"agent.max_iterations":     100,
		"agent.memory_window":      10,
		"agent.log_level":          "INFO",
		"agent.state_path":         ".dacli/state/",
		"agent.history_path":       ".dacli/history/",
		"agent.system_prompt_path": "",

		"ui.show_timing":     true,
		"ui.max_width":       120,
		"ui.truncate_output": 5000,

		"retry.max_attempts":  3,
		"retry.initial_delay": 1.0,
		"retry.max_delay":     30.0,
		"retry.multiplier":    2.0,

		"server.addr":           ":8080",
		"server.max_sessions":   128,
		"server.environment":    "development",
		"server.max_iterations": 50,
		"server.memory_window":  25,

		"telemetry.enabled":      false,
		"telemetry.endpoint":     "",
		"telemetry.insecure":     false,
		"telemetry.service_name": "dacli",

		"tools.setup_completed": false,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Default returns the settings used when no configuration file exists.
func Default() *Settings {
	s, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return s
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SearchPaths returns the candidate configuration files in priority order.
func SearchPaths(explicit string) []string {
	var paths []string
	if explicit != "" {
		paths = append(paths, explicit)
	}
	paths = append(paths, "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".dacli", "config.yaml"))
	}
	return paths
}

// Load reads the first configuration file found among SearchPaths(path),
// applies ${VAR} substitution and DACLI_* environment overrides, and
// validates the result. Missing files yield the defaults.
func Load(path string) (*Settings, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	v := newViper()
	source := ""
	for _, candidate := range SearchPaths(path) {
		data, err := os.ReadFile(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", candidate, err)
		}
		raw := map[string]any{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", candidate, err)
		}
		if err := v.MergeConfigMap(SubstituteEnv(raw).(map[string]any)); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", candidate, err)
		}
		source = candidate
		break
	}

	s, err := decode(v)
	if err != nil {
		return nil, err
	}
	s.Source = source
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	s.normalize()
	return &s, nil
}

func (s *Settings) normalize() {
	s.Agent.LogLevel = strings.ToUpper(strings.TrimSpace(s.Agent.LogLevel))
	s.LLM.Provider = strings.ToLower(strings.TrimSpace(s.LLM.Provider))
	if s.GitHub.RepositoryURL != "" {
		owner, repo := ParseRepositoryURL(s.GitHub.RepositoryURL)
		if s.GitHub.Owner == "" {
			s.GitHub.Owner = owner
		}
		if s.GitHub.Repo == "" {
			s.GitHub.Repo = repo
		}
	}
}

// ParseRepositoryURL extracts owner and repository from a URL such as
// https://github.com/owner/repo.git.
func ParseRepositoryURL(raw string) (owner, repo string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git")
}

var envPlaceholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// SubstituteEnv replaces ${VAR} placeholders in every string of value,
// descending into maps and lists. Unset variables become empty strings.
func SubstituteEnv(value any) any {
	switch v := value.(type) {
	case string:
		return envPlaceholder.ReplaceAllStringFunc(v, func(m string) string {
			return os.Getenv(envPlaceholder.FindStringSubmatch(m)[1])
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = SubstituteEnv(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = SubstituteEnv(item)
		}
		return out
	}
	return value
}

// Save writes s as YAML to path, creating the parent directory.
func Save(path string, s *Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// CapabilityValues returns the settings of category c keyed like the
// catalog's required configuration.
func (s *Settings) CapabilityValues(c capability.Category) map[string]string {
	switch c {
	case capability.Snowflake:
		return map[string]string{
			"account":   s.Snowflake.Account,
			"user":      s.Snowflake.User,
			"password":  s.Snowflake.Password,
			"warehouse": s.Snowflake.Warehouse,
			"database":  s.Snowflake.Database,
		}
	case capability.GitHub:
		return map[string]string{
			"token": s.GitHub.Token,
			"owner": s.GitHub.Owner,
			"repo":  s.GitHub.Repo,
		}
	case capability.Pinecone:
		return map[string]string{
			"api_key":    s.Pinecone.APIKey,
			"index_name": s.Pinecone.IndexName,
		}
	}
	return nil
}

func seconds(n float64) time.Duration {
	return time.Duration(n * float64(time.Second))
}

func (r RetrySettings) InitialDelayDuration() time.Duration { return seconds(r.InitialDelay) }
func (r RetrySettings) MaxDelayDuration() time.Duration     { return seconds(r.MaxDelay) }

func (l LLMSettings) TimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}
