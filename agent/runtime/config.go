package runtime

import (
	"time"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/permission"
	"goa.design/agentcore/agent/sandbox"
	"goa.design/agentcore/agent/store"
	"goa.design/agentcore/agent/telemetry"
	"goa.design/agentcore/agent/tools"
)

type (
	// Config is the effective per-agent configuration. It is serialized into
	// the agent meta so a stored agent can be resumed from meta alone.
	Config struct {
		// Model is the provider model identifier. Required.
		Model string `json:"model"`
		// SystemPrompt is the base system instruction.
		SystemPrompt string `json:"systemPrompt,omitempty"`
		// TemplateID names the template this config came from.
		TemplateID string `json:"templateId,omitempty"`
		// Tools lists the registry ids the agent may use; "*" selects every
		// registered tool.
		Tools []string `json:"tools,omitempty"`
		// ToolConfigs carries per-registry-id factory configuration.
		ToolConfigs map[string]map[string]any `json:"toolConfigs,omitempty"`
		// Permissions is the tool gating policy.
		Permissions permission.Policy `json:"permissions,omitempty"`
		// MaxIterations caps model calls per run. Defaults to 50.
		MaxIterations *int `json:"maxIterations,omitempty"`
		// MaxToolConcurrency bounds parallel tool executions. Defaults to 3.
		MaxToolConcurrency int `json:"maxToolConcurrency,omitempty"`
		// ToolTimeout bounds a single tool execution. Defaults to 60s.
		ToolTimeout time.Duration `json:"toolTimeout,omitempty"`
		// MaxTokens caps completion tokens per model call.
		MaxTokens int `json:"maxTokens,omitempty"`
		// Temperature is the sampling temperature.
		Temperature float32 `json:"temperature,omitempty"`
		// EnableThinking asks the provider for thinking deltas.
		EnableThinking bool `json:"enableThinking,omitempty"`
		// ExposeThinking forwards thinking deltas on the progress channel.
		ExposeThinking bool `json:"exposeThinking,omitempty"`
		// ThinkingBudget caps thinking tokens.
		ThinkingBudget int `json:"thinkingBudget,omitempty"`
		// CompressionThreshold overrides the context pressure threshold in
		// estimated tokens. Zero keeps the default.
		CompressionThreshold int `json:"compressionThreshold,omitempty"`
		// RateLimitTPM enables adaptive client-side rate limiting at the
		// given tokens-per-minute budget. Zero disables it.
		RateLimitTPM int `json:"rateLimitTpm,omitempty"`
		// SkillPaths are the skill package search paths.
		SkillPaths []string `json:"skillPaths,omitempty"`
		// AutoActivateSkills are activated at creation.
		AutoActivateSkills []string `json:"autoActivateSkills,omitempty"`
		// RecommendSkills are surfaced as recommended in the system prompt.
		RecommendSkills []string `json:"recommendSkills,omitempty"`
		// Subagents configures delegation.
		Subagents SubagentConfig `json:"subagents,omitempty"`
		// Metadata carries free-form application values persisted with the
		// agent meta.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// SubagentConfig bounds and shapes sub-agent delegation.
	SubagentConfig struct {
		// Depth is the maximum delegation depth. Zero forbids delegation.
		Depth int `json:"depth,omitempty"`
		// Overrides adjust inherited child configuration.
		Overrides SubagentOverrides `json:"overrides,omitempty"`
		// Templates maps template ids to child configurations.
		Templates map[string]Config `json:"templates,omitempty"`
	}

	// SubagentOverrides are applied to every delegated child.
	SubagentOverrides struct {
		// Permission replaces the child's gating policy when non-nil.
		Permission *permission.Policy `json:"permission,omitempty"`
	}

	// Deps are the external dependencies an agent is created with. Store and
	// Model are required; the rest default to working implementations.
	Deps struct {
		// Store persists all durable agent state.
		Store store.Store
		// Model is the provider client used for streaming steps.
		Model model.Client
		// Summarizer is the auxiliary client for compression summaries. When
		// nil, Model is used.
		Summarizer model.Client
		// Registry supplies tool factories. When nil, only directly provided
		// tools are available.
		Registry *tools.Registry
		// Sandbox is the agent's workspace, nil for none.
		Sandbox sandbox.Sandbox
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}
)

// Defaults applied by Create and Resume.
const (
	DefaultMaxIterations      = 50
	DefaultMaxToolConcurrency = 3
	DefaultToolTimeout        = 60 * time.Second

	// ProcessingTimeout is the heartbeat staleness threshold beyond which a
	// processing task is presumed wedged and replaced.
	ProcessingTimeout = 5 * time.Minute
)

func (c *Config) validate() error {
	if c.Model == "" {
		return &agent.ConfigError{Reason: "missing model"}
	}
	return nil
}

func (c *Config) maxIterations() int {
	if c.MaxIterations != nil {
		if *c.MaxIterations < 0 {
			return 0
		}
		return *c.MaxIterations
	}
	return DefaultMaxIterations
}

func (c *Config) maxToolConcurrency() int {
	if c.MaxToolConcurrency > 0 {
		return c.MaxToolConcurrency
	}
	return DefaultMaxToolConcurrency
}

func (c *Config) toolTimeout() time.Duration {
	if c.ToolTimeout > 0 {
		return c.ToolTimeout
	}
	return DefaultToolTimeout
}

func (d *Deps) normalize() error {
	if d.Store == nil {
		return &agent.ConfigError{Reason: "missing store"}
	}
	if d.Model == nil {
		return &agent.ConfigError{Reason: "missing model client"}
	}
	if d.Summarizer == nil {
		d.Summarizer = d.Model
	}
	if d.Registry == nil {
		d.Registry = tools.NewRegistry()
	}
	if d.Logger == nil {
		d.Logger = telemetry.NewNoopLogger()
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NewNoopMetrics()
	}
	if d.Tracer == nil {
		d.Tracer = telemetry.NewNoopTracer()
	}
	return nil
}
