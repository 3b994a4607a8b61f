package session

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/codeloom-ai/codeloom/pkg/types"
)

// SystemPrompt assembles the system prompt for one turn from the agent
// prompt, environment context and project rule files.
type SystemPrompt struct {
	session    *types.Session
	agent      *Agent
	providerID string
	modelID    string
}

func NewSystemPrompt(session *types.Session, agent *Agent, providerID, modelID string) *SystemPrompt {
	return &SystemPrompt{
		session:    session,
		agent:      agent,
		providerID: providerID,
		modelID:    modelID,
	}
}

// Build constructs the complete system prompt.
func (s *SystemPrompt) Build() string {
	var sections []string

	sections = append(sections, basePrompt)

	if s.agent != nil && s.agent.Prompt != "" {
		sections = append(sections, s.agent.Prompt)
	}

	sections = append(sections, s.environment())

	if rules := s.projectRules(); rules != "" {
		sections = append(sections, rules)
	}

	return strings.Join(sections, "\n\n")
}

const basePrompt = `You are a coding agent. You help the user by inspecting their project
and taking action with the tools available to you.

When using tools, be decisive. Read before you conclude; prefer specific
tool calls over guessing. Keep answers grounded in what the tools
returned.`

func (s *SystemPrompt) environment() string {
	var env strings.Builder
	env.WriteString("# Environment\n\n")

	workDir := ""
	if s.session != nil {
		workDir = s.session.Directory
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	env.WriteString(fmt.Sprintf("Working directory: %s\n", workDir))
	env.WriteString(fmt.Sprintf("Date: %s\n", time.Now().Format("2006-01-02")))
	env.WriteString(fmt.Sprintf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH))

	return env.String()
}

// projectRules loads the first rule file found in the working directory.
func (s *SystemPrompt) projectRules() string {
	workDir := ""
	if s.session != nil {
		workDir = s.session.Directory
	}
	if workDir == "" {
		return ""
	}

	for _, name := range []string{"AGENTS.md", "CLAUDE.md", ".codeloom/rules.md"} {
		if content, err := os.ReadFile(filepath.Join(workDir, name)); err == nil && len(content) > 0 {
			return "# Project Rules\n\n" + string(content)
		}
	}
	return ""
}
