// Package app assembles one application instance. Every component is
// carried on the App struct; two instances in one process never share
// state.
package app

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/permission"
	"github.com/codeloom-ai/codeloom/internal/provider"
	"github.com/codeloom-ai/codeloom/internal/session"
	"github.com/codeloom-ai/codeloom/internal/snapshot"
	"github.com/codeloom-ai/codeloom/internal/storage"
	"github.com/codeloom-ai/codeloom/internal/tool"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

// DefaultModel is used when neither config nor flags pick one.
const DefaultModel = "anthropic/claude-sonnet-4-20250514"

// App is one instance rooted at a working directory.
type App struct {
	WorkDir string
	Config  *config.Config
	Paths   *config.Paths

	Store       *storage.Storage
	Bus         *event.Bus
	Providers   *provider.Registry
	Tools       *tool.Registry
	Permissions *permission.Service

	watcher   *snapshot.Watcher
	Snapshots *snapshot.Tracker

	Engine   *session.Engine
	Sessions *session.Service
}

// Options configures instance construction.
type Options struct {
	WorkDir string
	// Config overrides loading from disk; tests use this.
	Config *config.Config
	// StoragePath overrides the default data location.
	StoragePath string
	// AutoApprove skips the permission service entirely.
	AutoApprove bool
}

// New builds an instance: storage, event bus, providers from config,
// tools, permissions, snapshot tracking and the prompt engine.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.WorkDir)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}
	storagePath := opts.StoragePath
	if storagePath == "" {
		storagePath = paths.StoragePath()
	}

	a := &App{
		WorkDir: opts.WorkDir,
		Config:  cfg,
		Paths:   paths,
		Store:   storage.New(storagePath),
		Bus:     event.NewBus(),
		Tools:   tool.NewRegistry(opts.WorkDir),
	}

	a.Providers = buildProviders(cfg)

	if !opts.AutoApprove {
		a.Permissions = permission.NewService(a.Bus)
	}

	watcher, err := snapshot.NewWatcher(opts.WorkDir)
	if err != nil {
		log.Debug().Err(err).Msg("file watcher unavailable, snapshots scan every step")
	} else {
		watcher.Start()
		a.watcher = watcher
	}
	a.Snapshots = snapshot.NewTracker(a.Store, opts.WorkDir, a.watcher)

	defaultModel, err := resolveModel(cfg.Model, DefaultModel)
	if err != nil {
		return nil, err
	}
	smallModel := types.ModelRef{}
	if cfg.SmallModel != "" {
		if smallModel, err = resolveModel(cfg.SmallModel, ""); err != nil {
			return nil, err
		}
	}

	a.Engine = session.NewEngine(session.Options{
		Store:             a.Store,
		Bus:               a.Bus,
		Providers:         a.Providers,
		Tools:             a.Tools,
		Permissions:       a.Permissions,
		Snapshots:         a.Snapshots,
		DefaultModel:      defaultModel,
		SmallModel:        smallModel,
		Agents:            buildAgents(cfg),
		DisableCompaction: cfg.DisableCompaction,
	})
	a.Sessions = session.NewService(a.Store, a.Bus)
	return a, nil
}

// Close shuts the instance down: in-flight turns are cancelled, then
// the watcher and bus stop.
func (a *App) Close() {
	a.Engine.Shutdown()
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.Bus.Close()
}

// buildProviders registers every configured provider that has an API
// key.
func buildProviders(cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry()
	for name, pc := range cfg.Provider {
		if pc.Disabled || pc.APIKey == "" {
			continue
		}
		switch name {
		case "anthropic":
			registry.Register(provider.NewAnthropic(pc.APIKey, pc.BaseURL))
		default:
			log.Warn().Str("provider", name).Msg("unknown provider in config, skipping")
		}
	}
	return registry
}

// buildAgents converts config agent overrides into engine agents,
// layered over the builtin definition of the same name.
func buildAgents(cfg *config.Config) map[string]*session.Agent {
	if len(cfg.Agent) == 0 {
		return nil
	}
	agents := make(map[string]*session.Agent, len(cfg.Agent))
	for name, ac := range cfg.Agent {
		agent := session.AgentByName(name)
		agent.Name = name
		if ac.Prompt != "" {
			agent.Prompt = ac.Prompt
		}
		if ac.Temperature != nil {
			agent.Temperature = ac.Temperature
		}
		if ac.TopP != nil {
			agent.TopP = ac.TopP
		}
		if ac.MaxSteps > 0 {
			agent.MaxSteps = ac.MaxSteps
		}
		if len(ac.Tools) > 0 {
			agent.Tools = ac.Tools
		}
		if len(ac.DisabledTools) > 0 {
			agent.DisabledTools = append(agent.DisabledTools, ac.DisabledTools...)
		}
		if len(ac.Permission) > 0 {
			agent.Permission = make(map[string]permission.Action, len(ac.Permission))
			for tool, action := range ac.Permission {
				agent.Permission[tool] = permission.Action(action)
			}
		}
		agents[name] = agent
	}
	return agents
}

func resolveModel(configured, fallback string) (types.ModelRef, error) {
	s := configured
	if s == "" {
		s = fallback
	}
	ref, ok := config.ParseModel(s)
	if !ok {
		return types.ModelRef{}, fmt.Errorf("invalid model %q, want provider/model", s)
	}
	return ref, nil
}
