package session

import "github.com/codeloom-ai/codeloom/internal/permission"

// Agent is one named processing configuration: its prompt, sampling
// parameters, tool filter and permission policy.
type Agent struct {
	Name string `json:"name"`

	Prompt      string   `json:"prompt,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	MaxSteps    int      `json:"maxSteps,omitempty"`

	// Tools whitelists tool IDs; empty means all registered tools.
	Tools []string `json:"tools,omitempty"`
	// DisabledTools always wins over Tools.
	DisabledTools []string `json:"disabledTools,omitempty"`

	// Permission maps tool ID to allow/deny/ask; Default applies to
	// tools without an explicit entry.
	Permission map[string]permission.Action `json:"permission,omitempty"`
	Default    permission.Action            `json:"defaultPermission,omitempty"`
}

// ToolEnabled reports whether the agent may call the given tool.
func (a *Agent) ToolEnabled(toolID string) bool {
	for _, disabled := range a.DisabledTools {
		if disabled == toolID {
			return false
		}
	}
	if len(a.Tools) == 0 {
		return true
	}
	for _, enabled := range a.Tools {
		if enabled == toolID {
			return true
		}
	}
	return false
}

// PermissionFor resolves the permission action for one tool.
func (a *Agent) PermissionFor(toolID string) permission.Action {
	if action, ok := a.Permission[toolID]; ok {
		return action
	}
	if a.Default != "" {
		return a.Default
	}
	return permission.ActionAllow
}

// BuildAgent is the default agent: full tool access, read-only tools
// allowed without asking.
func BuildAgent() *Agent {
	return &Agent{
		Name:     "build",
		MaxSteps: MaxSteps,
		Default:  permission.ActionAllow,
	}
}

// PlanAgent analyzes without mutating: file-modifying tools are
// disabled outright.
func PlanAgent() *Agent {
	return &Agent{
		Name:          "plan",
		MaxSteps:      MaxSteps,
		DisabledTools: []string{"write", "edit", "bash"},
		Default:       permission.ActionAllow,
		Prompt: `You are in plan mode. Analyze the task and produce a concrete plan.
Do not modify any files; use read-only tools to inspect the project.`,
	}
}

// AgentByName resolves a named agent, falling back to build.
func AgentByName(name string) *Agent {
	switch name {
	case "plan":
		return PlanAgent()
	default:
		return BuildAgent()
	}
}
