// Package config decodes and hot-reloads the gateway's JSON configuration,
// grounded in the teacher's pkg/config/{config,watcher}.go: jsoniter
// decoding, a DefaultSystemConfig-style set of safe defaults, and an
// fsnotify watcher with a debounce timer.
package config

import (
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"assistantgw/internal/approval"
	"assistantgw/internal/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// QueueMode is the overlap policy applied to buffered Message events
// within one lane (spec.md §4.2).
type QueueMode string

const (
	QueueFollowup  QueueMode = "followup"
	QueueCollect   QueueMode = "collect"
	QueueSteer     QueueMode = "steer"
	QueueInterrupt QueueMode = "interrupt"
)

// QueueConfig is spec.md §6's `queue` configuration block.
type QueueConfig struct {
	Mode           QueueMode `json:"mode"`
	MaxConcurrency int       `json:"max_concurrency"`
	LaneBuffer     int       `json:"lane_buffer"`
	DebounceMs     int       `json:"debounce_ms"`
}

// ContextConfig is spec.md §6's `context` configuration block, governing
// compaction and the assistant loop's breakers.
type ContextConfig struct {
	CompactionEnabled        bool `json:"compaction_enabled"`
	CompactionTriggerTokens  int  `json:"compaction_trigger_tokens"`
	CompactionRetainMessages int  `json:"compaction_retain_messages"`
	CompactionHorizon        string `json:"compaction_horizon"`
	CompactionFlushMaxChars  int  `json:"compaction_flush_max_chars"`
	MaxPromptTokens          int  `json:"max_prompt_tokens"`
	MinRecentMessages        int  `json:"min_recent_messages"`
	MaxToolChars             int  `json:"max_tool_chars"`
	ToolLoopsMax             int  `json:"tool_loops_max"`
	ToolMaxRuntimeSeconds    int  `json:"tool_max_runtime_seconds"`
	ToolNoProgressLimit      int  `json:"tool_no_progress_limit"`
}

// ProfileConfig is one entry of spec.md §3's LLMProfile: a configured
// (provider, model, credential) triple. APIKey is opaque to this package —
// whatever the concrete provider wire client (out of scope, §1) needs.
type ProfileConfig struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

// LLMConfig is spec.md §6's `llm` configuration block.
type LLMConfig struct {
	Profiles                 []ProfileConfig `json:"profiles"`
	ActiveProfile            string          `json:"active_profile"`
	FallbackProfiles         []string        `json:"fallback_profiles"`
	FailoverCooldownBaseSeconds int         `json:"failover_cooldown_base_seconds"`
	FailoverCooldownMaxSeconds  int         `json:"failover_cooldown_max_seconds"`
}

// SecurityConfig is spec.md §6's `security` configuration block.
type SecurityConfig struct {
	ShellApproval              approval.Mode `json:"shell_approval"`
	BrowserApproval            approval.Mode `json:"browser_approval"`
	FilesystemWriteApproval    approval.Mode `json:"filesystem_write_approval"`
	HumanApprovalTimeoutSeconds int          `json:"human_approval_timeout_seconds"`
}

// MemoryConfig is spec.md §6's `memory` configuration block.
type MemoryConfig struct {
	Enabled bool `json:"enabled"`
}

// AutomationConfig is spec.md §6's `automation` configuration block.
type AutomationConfig struct {
	Enabled                 bool   `json:"enabled"`
	HeartbeatIntervalSeconds int   `json:"heartbeat_interval_seconds"`
	WebhookSecret           string `json:"webhook_secret"`
}

// SkillsConfig is spec.md §4.7/§6's skills policy knobs.
type SkillsConfig struct {
	RequireHTTPSSource    bool     `json:"require_https_source"`
	RequireTrustedSource  bool     `json:"require_trusted_source"`
	TrustedSourcePrefixes []string `json:"trusted_source_prefixes"`
	RequireSHA256Signature bool    `json:"require_sha256_signature"`
}

// Config is the full application configuration, decoded from config.json.
type Config struct {
	Channels map[string]jsoniter.RawMessage `json:"channels"`

	SystemPrompt string `json:"system_prompt"`

	Queue      QueueConfig      `json:"queue"`
	Context    ContextConfig    `json:"context"`
	LLM        LLMConfig        `json:"llm"`
	Security   SecurityConfig   `json:"security"`
	Memory     MemoryConfig     `json:"memory"`
	Automation AutomationConfig `json:"automation"`
	Skills     SkillsConfig     `json:"skills"`

	LogLevel string `json:"log_level"`
}

// DeepCopy returns a copy for a concurrently-reloading caller. It clones
// the Channels map; slice fields are copied shallowly and share their
// backing arrays with c.
func (c *Config) DeepCopy() *Config {
	cp := *c
	if c.Channels != nil {
		cp.Channels = make(map[string]jsoniter.RawMessage, len(c.Channels))
		for k, v := range c.Channels {
			cp.Channels[k] = v
		}
	}
	cp.Queue.Mode = c.Queue.Mode
	return &cp
}

// Validate guards against an empty profile list, which would otherwise
// surface only much later as the assistant loop's ConfigurationError
// ("no LLM profiles configured", spec.md §4.3 pre-flight).
func (c *Config) Validate() error {
	if len(c.LLM.Profiles) == 0 {
		return fmt.Errorf("config: mandatory 'llm.profiles' is missing or empty")
	}
	return nil
}

// FailoverConfig adapts LLMConfig's cooldown tunables to llm.FailoverConfig.
func (c *Config) FailoverConfig() llm.FailoverConfig {
	base := c.LLM.FailoverCooldownBaseSeconds
	if base <= 0 {
		base = 30
	}
	max := c.LLM.FailoverCooldownMaxSeconds
	if max <= 0 {
		max = 900
	}
	return llm.FailoverConfig{
		CooldownBase: time.Duration(base) * time.Second,
		CooldownMax:  time.Duration(max) * time.Second,
	}
}

// Defaults returns a Config seeded with the safe fallback values the
// teacher's DefaultSystemConfig hardcodes, adapted to this spec's fields.
func Defaults() *Config {
	return &Config{
		Queue: QueueConfig{
			Mode:           QueueFollowup,
			MaxConcurrency: 8,
			LaneBuffer:     64,
			DebounceMs:     750,
		},
		Context: ContextConfig{
			CompactionEnabled:        true,
			CompactionTriggerTokens:  6000,
			CompactionRetainMessages: 10,
			CompactionHorizon:        "24h",
			CompactionFlushMaxChars:  20000,
			MaxPromptTokens:          8000,
			MinRecentMessages:        4,
			MaxToolChars:             4000,
			ToolLoopsMax:             25,
			ToolMaxRuntimeSeconds:    300,
			ToolNoProgressLimit:      3,
		},
		LLM: LLMConfig{
			FailoverCooldownBaseSeconds: 30,
			FailoverCooldownMaxSeconds:  900,
		},
		Security: SecurityConfig{
			ShellApproval:               approval.ModeHuman,
			BrowserApproval:             approval.ModeAi,
			FilesystemWriteApproval:     approval.ModeHuman,
			HumanApprovalTimeoutSeconds: 300,
		},
		Memory:     MemoryConfig{Enabled: true},
		Automation: AutomationConfig{Enabled: true, HeartbeatIntervalSeconds: 60},
		LogLevel:   "info",
	}
}

// Load reads config.json from path, falling back to Defaults() for any
// field the file doesn't set by decoding on top of them.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config: file %q not found; please create one", path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ClampMaxToolChars applies spec.md §8's boundary-case decision: a
// configured 0 is clamped to 1 rather than accepted as "disable tool
// history entirely" (see DESIGN.md's Open Question #2).
func (c *ContextConfig) ClampMaxToolChars() int {
	if c.MaxToolChars < 1 {
		return 1
	}
	return c.MaxToolChars
}
