package tool

import (
	"sort"
	"sync"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
}

// NewRegistry creates a registry rooted at workDir and registers the
// builtin tools.
func NewRegistry(workDir string) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
	}
	r.Register(NewGlobTool(workDir))
	r.Register(NewReadTool(workDir))
	return r
}

// WorkDir returns the registry's working directory.
func (r *Registry) WorkDir() string { return r.workDir }

// Register adds a tool, replacing any with the same ID.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools sorted by ID.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID() < tools[j].ID() })
	return tools
}
