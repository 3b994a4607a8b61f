// Package config loads layered jsonc configuration with environment
// overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/codeloom-ai/codeloom/pkg/types"
)

// Config is the merged application configuration.
type Config struct {
	Schema   string `json:"$schema,omitempty"`
	Username string `json:"username,omitempty"`

	// Model is "provider/model", e.g. "anthropic/claude-sonnet-4-5".
	Model string `json:"model,omitempty"`
	// SmallModel runs ancillary calls like titling and summarization.
	SmallModel string `json:"smallModel,omitempty"`

	LogLevel          string `json:"logLevel,omitempty"`
	DisableCompaction bool   `json:"disableCompaction,omitempty"`

	Provider     map[string]ProviderConfig `json:"provider,omitempty"`
	Agent        map[string]AgentConfig    `json:"agent,omitempty"`
	Tools        map[string]bool           `json:"tools,omitempty"`
	Instructions []string                  `json:"instructions,omitempty"`
	Permission   *PermissionConfig         `json:"permission,omitempty"`
}

// ProviderConfig configures one model provider.
type ProviderConfig struct {
	APIKey   string           `json:"apiKey,omitempty"`
	BaseURL  string           `json:"baseURL,omitempty"`
	Disabled bool             `json:"disabled,omitempty"`
	Options  *ProviderOptions `json:"options,omitempty"`
}

// ProviderOptions is the nested options block some config files use;
// its fields win over the direct ones.
type ProviderOptions struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

// AgentConfig overrides a named agent's behavior.
type AgentConfig struct {
	Prompt        string            `json:"prompt,omitempty"`
	Model         string            `json:"model,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"topP,omitempty"`
	MaxSteps      int               `json:"maxSteps,omitempty"`
	Tools         []string          `json:"tools,omitempty"`
	DisabledTools []string          `json:"disabledTools,omitempty"`
	Permission    map[string]string `json:"permission,omitempty"`
}

// PermissionConfig sets the default tool permission policy.
type PermissionConfig struct {
	Default string            `json:"default,omitempty"`
	Tools   map[string]string `json:"tools,omitempty"`
}

// Load merges configuration from every source, lowest priority first:
//
//  1. Global config (~/.codeloom/)
//  2. Global config (~/.config/codeloom/, XDG)
//  3. Project config (codeloom.json(c), .codeloom/)
//  4. CODELOOM_CONFIG file
//  5. CODELOOM_CONFIG_CONTENT inline JSON
//  6. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{
		Provider: make(map[string]ProviderConfig),
		Agent:    make(map[string]AgentConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		homeDir := filepath.Join(home, ".codeloom")
		loadOnce(filepath.Join(homeDir, "codeloom.json"), homeDir)
		loadOnce(filepath.Join(homeDir, "codeloom.jsonc"), homeDir)
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "codeloom.json"), globalDir)
	loadOnce(filepath.Join(globalDir, "codeloom.jsonc"), globalDir)

	if directory != "" {
		projectDir := filepath.Join(directory, ".codeloom")
		loadOnce(filepath.Join(directory, "codeloom.json"), directory)
		loadOnce(filepath.Join(directory, "codeloom.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "codeloom.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "codeloom.jsonc"), projectDir)
	}

	if configPath := os.Getenv("CODELOOM_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if content := os.Getenv("CODELOOM_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			merge(config, &inline)
		}
	}

	applyEnvOverrides(config)
	normalizeProviders(config)
	return config, nil
}

func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}
	merge(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders. File
// contents are escaped so they stay valid inside a JSON string.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(os.Getenv("HOME"), path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// merge folds source into target; later sources win.
func merge(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.DisableCompaction {
		target.DisableCompaction = true
	}

	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = make(map[string]bool)
		}
		for k, v := range source.Tools {
			target.Tools[k] = v
		}
	}
	if len(source.Instructions) > 0 {
		target.Instructions = append(target.Instructions, source.Instructions...)
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}
	if source.Permission != nil {
		target.Permission = source.Permission
	}
}

// normalizeProviders folds Options fields into the direct ones.
func normalizeProviders(config *Config) {
	for name, p := range config.Provider {
		if p.Options == nil {
			continue
		}
		if p.Options.APIKey != "" {
			p.APIKey = p.Options.APIKey
		}
		if p.Options.BaseURL != "" {
			p.BaseURL = p.Options.BaseURL
		}
		config.Provider[name] = p
	}
}

func applyEnvOverrides(config *Config) {
	providerEnv := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
	}
	for provider, envVar := range providerEnv {
		apiKey := os.Getenv(envVar)
		if apiKey == "" {
			continue
		}
		if config.Provider == nil {
			config.Provider = make(map[string]ProviderConfig)
		}
		p := config.Provider[provider]
		if p.APIKey == "" {
			p.APIKey = apiKey
			config.Provider[provider] = p
		}
	}

	if model := os.Getenv("CODELOOM_MODEL"); model != "" {
		config.Model = model
	}
	if model := os.Getenv("CODELOOM_SMALL_MODEL"); model != "" {
		config.SmallModel = model
	}
	if permJSON := os.Getenv("CODELOOM_PERMISSION"); permJSON != "" {
		var perm PermissionConfig
		if err := json.Unmarshal([]byte(permJSON), &perm); err == nil {
			config.Permission = &perm
		}
	}
}

// ParseModel splits a "provider/model" string. Model IDs may contain
// slashes, so only the first separator counts.
func ParseModel(s string) (types.ModelRef, bool) {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return types.ModelRef{}, false
	}
	return types.ModelRef{ProviderID: provider, ModelID: model}, true
}

// Save writes the configuration as indented JSON.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
