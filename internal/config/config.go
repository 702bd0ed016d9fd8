package config

import (
	"fmt"
	"time"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/internal/compaction"
	agentctx "github.com/lanehub/conductor/internal/context"
	"github.com/lanehub/conductor/internal/debounce"
	"github.com/lanehub/conductor/internal/lane"
	"github.com/lanehub/conductor/pkg/models"
)

// Config is the fully-validated configuration surface named in spec §6. It
// is decoded with yaml.v3's KnownFields(true), so an unrecognized key at any
// level fails the load rather than being silently ignored.
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Context  ContextConfig  `yaml:"context"`
	Security SecurityConfig `yaml:"security"`
	General  GeneralConfig  `yaml:"general"`
	Sessions SessionsConfig `yaml:"sessions"`
	Memory   MemoryConfig   `yaml:"memory"`
	Channels ChannelsConfig `yaml:"channels"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// RuntimeConfig is runtime.{mode}. mode ∈ {dev, prod}; prod is strict (spec
// §6): it forbids an infinite human-approval wait that dev allows.
type RuntimeConfig struct {
	Mode string `yaml:"mode"`
}

// Production reports whether runtime.mode is "prod".
func (c *Config) Production() bool {
	return c.Runtime.Mode == "prod"
}

// QueueConfig is queue.{mode, max_concurrency, lane_buffer, debounce_ms}.
type QueueConfig struct {
	Mode           models.QueueMode `yaml:"mode"`
	MaxConcurrency int              `yaml:"max_concurrency"`
	LaneBuffer     int              `yaml:"lane_buffer"`
	DebounceMs     int              `yaml:"debounce_ms"`
	ByChannelMs    map[string]int   `yaml:"by_channel_debounce_ms"`
}

// ContextConfig is context.{max_prompt_tokens, min_recent_messages,
// max_tool_chars, tool_loops_max, tool_max_runtime_seconds,
// tool_no_progress_limit, compaction_enabled, compaction_trigger_tokens,
// compaction_retain_messages, compaction_horizon_seconds, compaction_flush_max_chars}.
type ContextConfig struct {
	MaxPromptTokens     int `yaml:"max_prompt_tokens"`
	MinRecentMessages   int `yaml:"min_recent_messages"`
	MaxToolChars        int `yaml:"max_tool_chars"`
	ToolLoopsMax        int `yaml:"tool_loops_max"`
	ToolMaxRuntimeSecs  int `yaml:"tool_max_runtime_seconds"`
	ToolNoProgressLimit int `yaml:"tool_no_progress_limit"`

	CompactionEnabled         bool  `yaml:"compaction_enabled"`
	CompactionTriggerTokens   int   `yaml:"compaction_trigger_tokens"`
	CompactionRetainMessages  int   `yaml:"compaction_retain_messages"`
	CompactionHorizonSeconds  int64 `yaml:"compaction_horizon_seconds"`
	CompactionFlushMaxChars   int   `yaml:"compaction_flush_max_chars"`

	MemoryRecallLimit int `yaml:"memory_recall_limit"`
	MemoryRecallChars int `yaml:"memory_recall_chars"`
}

// SecurityConfig is security.{shell_approval, browser_approval,
// filesystem_write_approval, human_approval_timeout_seconds,
// allow_all_senders, allowed_users}.
type SecurityConfig struct {
	ShellApproval             string   `yaml:"shell_approval"`
	BrowserApproval           string   `yaml:"browser_approval"`
	FilesystemWriteApproval   string   `yaml:"filesystem_write_approval"`
	HumanApprovalTimeoutSecs  int      `yaml:"human_approval_timeout_seconds"`
	AllowAllSenders           bool     `yaml:"allow_all_senders"`
	AllowedUsers              []string `yaml:"allowed_users"`
}

// GeneralConfig is general.{model, fallback_models,
// failover_cooldown_base_seconds, failover_cooldown_max_seconds,
// system_directive, max_tokens}.
type GeneralConfig struct {
	Model                       string   `yaml:"model"`
	FallbackModels              []string `yaml:"fallback_models"`
	FailoverCooldownBaseSeconds int      `yaml:"failover_cooldown_base_seconds"`
	FailoverCooldownMaxSeconds  int      `yaml:"failover_cooldown_max_seconds"`
	SystemDirective             string   `yaml:"system_directive"`
	MaxTokens                   int      `yaml:"max_tokens"`
}

// SessionsConfig selects and configures the session store backend (spec §6,
// §4.1's SQLite/Postgres split).
type SessionsConfig struct {
	Backend          string `yaml:"backend"` // "sqlite" | "postgres" | "memory"
	SQLitePath       string `yaml:"sqlite_path"`
	PostgresDSN      string `yaml:"postgres_dsn"`
}

// MemoryConfig selects and configures the long-term memory backend.
type MemoryConfig struct {
	Backend     string `yaml:"backend"` // "pgvector" | "memory" | "" (disabled)
	PostgresDSN string `yaml:"postgres_dsn"`
	Dimensions  int    `yaml:"dimensions"`
}

// ChannelsConfig lists which channel adapters to start.
type ChannelsConfig struct {
	Telegram *TelegramConfig `yaml:"telegram"`
	Discord  *DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// ConfigError wraps a validation or load failure, per spec §7's taxonomy.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Msg)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Load reads path (resolving $include directives), decodes it strictly, and
// validates it fail-fast. This is the only entry point cmd/conductor should
// call.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Queue.Mode == "" {
		cfg.Queue.Mode = models.QueueModeFollowup
	}
	if cfg.Queue.MaxConcurrency <= 0 {
		cfg.Queue.MaxConcurrency = 4
	}
	if cfg.Queue.LaneBuffer <= 0 {
		cfg.Queue.LaneBuffer = 32
	}
	if cfg.Context.MaxPromptTokens <= 0 {
		cfg.Context.MaxPromptTokens = 12000
	}
	if cfg.Context.MinRecentMessages <= 0 {
		cfg.Context.MinRecentMessages = 6
	}
	if cfg.Context.MaxToolChars <= 0 {
		cfg.Context.MaxToolChars = 4000
	}
	if cfg.Context.ToolLoopsMax <= 0 {
		cfg.Context.ToolLoopsMax = 25
	}
	if cfg.Context.ToolMaxRuntimeSecs <= 0 {
		cfg.Context.ToolMaxRuntimeSecs = 120
	}
	if cfg.Context.ToolNoProgressLimit <= 0 {
		cfg.Context.ToolNoProgressLimit = 3
	}
	if cfg.Context.MemoryRecallLimit <= 0 {
		cfg.Context.MemoryRecallLimit = 5
	}
	if cfg.Context.MemoryRecallChars <= 0 {
		cfg.Context.MemoryRecallChars = 2000
	}
	if cfg.General.FailoverCooldownBaseSeconds <= 0 {
		cfg.General.FailoverCooldownBaseSeconds = 30
	}
	if cfg.General.FailoverCooldownMaxSeconds <= 0 {
		cfg.General.FailoverCooldownMaxSeconds = 900
	}
	if cfg.General.MaxTokens <= 0 {
		cfg.General.MaxTokens = 4096
	}
	if cfg.General.SystemDirective == "" {
		cfg.General.SystemDirective = "You are a helpful personal assistant with access to tools. Use them when they help answer the request."
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "sqlite"
	}
	if cfg.Security.ShellApproval == "" {
		cfg.Security.ShellApproval = "human"
	}
	if cfg.Security.BrowserApproval == "" {
		cfg.Security.BrowserApproval = "ai"
	}
	if cfg.Security.FilesystemWriteApproval == "" {
		cfg.Security.FilesystemWriteApproval = "human"
	}
	if cfg.Runtime.Mode == "" {
		cfg.Runtime.Mode = "dev"
	}
}

// Validate enforces the fail-fast invariants spec §7 requires before the
// gateway starts accepting traffic.
func Validate(cfg *Config) error {
	if cfg.Context.CompactionEnabled && cfg.Memory.Backend == "" {
		return &ConfigError{Field: "context.compaction_enabled", Msg: "compaction requires memory.backend to be set"}
	}
	switch cfg.Runtime.Mode {
	case "dev", "prod":
	default:
		return &ConfigError{Field: "runtime.mode", Msg: fmt.Sprintf("must be \"dev\" or \"prod\", got %q", cfg.Runtime.Mode)}
	}
	if cfg.Security.HumanApprovalTimeoutSecs == 0 && cfg.Production() {
		return &ConfigError{Field: "security.human_approval_timeout_seconds", Msg: "infinite human approval wait (0) is not permitted in runtime.mode=prod"}
	}
	switch cfg.Queue.Mode {
	case models.QueueModeFollowup, models.QueueModeCollect, models.QueueModeSteer, models.QueueModeInterrupt:
	default:
		return &ConfigError{Field: "queue.mode", Msg: fmt.Sprintf("unknown queue mode %q", cfg.Queue.Mode)}
	}
	switch cfg.Sessions.Backend {
	case "sqlite", "postgres", "memory":
	default:
		return &ConfigError{Field: "sessions.backend", Msg: fmt.Sprintf("unknown sessions backend %q", cfg.Sessions.Backend)}
	}
	if cfg.Sessions.Backend == "sqlite" && cfg.Sessions.SQLitePath == "" {
		return &ConfigError{Field: "sessions.sqlite_path", Msg: "required when sessions.backend=sqlite"}
	}
	if cfg.Sessions.Backend == "postgres" && cfg.Sessions.PostgresDSN == "" {
		return &ConfigError{Field: "sessions.postgres_dsn", Msg: "required when sessions.backend=postgres"}
	}
	if !cfg.Security.AllowAllSenders && len(cfg.Security.AllowedUsers) == 0 {
		return &ConfigError{Field: "security.allowed_users", Msg: "must list at least one user unless allow_all_senders is true"}
	}
	if cfg.General.Model == "" {
		return &ConfigError{Field: "general.model", Msg: "required"}
	}
	return nil
}

// ContextBuilderConfig projects Config onto the internal/context package's
// own Config shape.
func (c *Config) ContextBuilderConfig() agentctx.Config {
	return agentctx.Config{
		MaxPromptTokens:      c.Context.MaxPromptTokens,
		MinRecentMessages:    c.Context.MinRecentMessages,
		MaxToolChars:         c.Context.MaxToolChars,
		CompactionTriggerTok: c.Context.CompactionTriggerTokens,
		MemoryRecallLimit:    c.Context.MemoryRecallLimit,
		MemoryRecallChars:    c.Context.MemoryRecallChars,
	}
}

// CompactionConfig projects Config onto internal/compaction.Config.
func (c *Config) CompactionConfig() compaction.Config {
	return compaction.Config{
		Enabled:        c.Context.CompactionEnabled,
		TriggerTokens:  c.Context.CompactionTriggerTokens,
		RetainMessages: c.Context.CompactionRetainMessages,
		Horizon:        time.Duration(c.Context.CompactionHorizonSeconds) * time.Second,
		FlushMaxChars:  c.Context.CompactionFlushMaxChars,
	}
}

// LoopConfig projects Config onto internal/agent.LoopConfig.
func (c *Config) LoopConfig() agent.LoopConfig {
	cfg := agent.DefaultLoopConfig()
	if c.Context.ToolLoopsMax > 0 {
		cfg.ToolLoopsMax = c.Context.ToolLoopsMax
	}
	if c.Context.ToolMaxRuntimeSecs > 0 {
		cfg.ToolMaxRuntime = time.Duration(c.Context.ToolMaxRuntimeSecs) * time.Second
	}
	if c.Context.ToolNoProgressLimit > 0 {
		cfg.ToolNoProgressLimit = c.Context.ToolNoProgressLimit
	}
	if c.General.MaxTokens > 0 {
		cfg.MaxTokens = c.General.MaxTokens
	}
	cfg.SystemDirective = c.General.SystemDirective
	return cfg
}

// LaneConfig projects Config onto internal/lane.Config.
func (c *Config) LaneConfig() lane.Config {
	return lane.Config{
		MaxConcurrency: c.Queue.MaxConcurrency,
		LaneBuffer:     c.Queue.LaneBuffer,
		Mode:           c.Queue.Mode,
		Debounce: debounceConfig(c),
	}
}

func debounceConfig(c *Config) debounce.DebounceConfig {
	return debounce.DebounceConfig{
		DebounceMs: c.Queue.DebounceMs,
		ByChannel:  c.Queue.ByChannelMs,
	}
}

// ApprovalPolicy builds internal/agent.ApprovalPolicy from security.*.
// Risk level, not tool category, is the approval key (spec §4.4): low is
// auto-approved, medium goes through the AI judge, high requires a human.
// security.{shell,browser,filesystem_write}_approval override that default
// per category for operators who want, say, shell commands to always
// require a human: browser_approval replaces the "medium" tier's mode, and
// the stricter of shell_approval and filesystem_write_approval replaces the
// "high" tier's mode. The tool registry is not consulted, and an override
// replaces the tier's mode whether it is stricter or looser than the default.
func (c *Config) ApprovalPolicy() agent.ApprovalPolicy {
	policy := agent.DefaultApprovalPolicy()
	policy.HumanApprovalTimeout = time.Duration(c.Security.HumanApprovalTimeoutSecs) * time.Second

	if mode := approvalModeOverride(c.Security.BrowserApproval); mode != "" {
		policy.ModeByRisk[agent.RiskMedium] = mode
	}
	if mode := tightestOverride(c.Security.ShellApproval, c.Security.FilesystemWriteApproval); mode != "" {
		policy.ModeByRisk[agent.RiskHigh] = mode
	}
	return policy
}

func approvalModeOverride(raw string) agent.ApprovalMode {
	switch raw {
	case string(agent.ApprovalAuto), string(agent.ApprovalAI), string(agent.ApprovalHuman):
		return agent.ApprovalMode(raw)
	default:
		return ""
	}
}

// tightestOverride picks the stricter of two per-category settings for the
// shared "high" risk tier (human > ai > auto), since shell.run and fs.write
// are both registered at RiskHigh but configured independently.
func tightestOverride(a, b string) agent.ApprovalMode {
	rank := map[string]int{string(agent.ApprovalAuto): 0, string(agent.ApprovalAI): 1, string(agent.ApprovalHuman): 2}
	best := agent.ApprovalMode("")
	bestRank := -1
	for _, raw := range []string{a, b} {
		mode := approvalModeOverride(raw)
		if mode == "" {
			continue
		}
		if r := rank[raw]; r > bestRank {
			bestRank = r
			best = mode
		}
	}
	return best
}
