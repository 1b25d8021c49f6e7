// Package registry manages the agent definitions CAM can launch.
package registry

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/camdev/cam/internal/common/logger"
)

// Runtime selects how the agent executable is launched.
type Runtime string

const (
	// RuntimeNative launches the executable directly on the host.
	RuntimeNative Runtime = "native"
	// RuntimeLinuxSubenv dispatches through the Linux sub-environment
	// (WSL) when the host is Windows.
	RuntimeLinuxSubenv Runtime = "linux-subenv"
)

// EnvVar describes an environment variable an agent needs at launch.
type EnvVar struct {
	Name      string `yaml:"name"`
	Required  bool   `yaml:"required"`
	Sensitive bool   `yaml:"sensitive"`
}

// AgentDefinition describes a locally installed CLI coding agent.
type AgentDefinition struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Executable  string   `yaml:"executable"`
	DefaultArgs []string `yaml:"defaultArgs,omitempty"`
	Env         []EnvVar `yaml:"env,omitempty"`
	Runtime     Runtime  `yaml:"runtime,omitempty"`

	// SessionGoverned marks agents whose conversations can be reopened
	// via --resume/--continue and are therefore subject to the pipeline
	// session policy.
	SessionGoverned bool `yaml:"sessionGoverned,omitempty"`

	// SupportsStopHook marks agents that honor an injected on-completion
	// hook configuration.
	SupportsStopHook bool `yaml:"supportsStopHook,omitempty"`

	// BuiltIn definitions are read-only and cannot be replaced.
	BuiltIn bool `yaml:"-"`
}

// definitionsFile is the structure of an optional agents YAML file.
type definitionsFile struct {
	Agents []*AgentDefinition `yaml:"agents"`
}

// Registry holds the known agent definitions.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentDefinition
	logger *logger.Logger
}

// NewRegistry creates a registry pre-populated with the built-in agents.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		agents: make(map[string]*AgentDefinition),
		logger: log.WithFields(zap.String("component", "agent_registry")),
	}
	for _, def := range BuiltInAgents() {
		r.agents[def.ID] = def
	}
	return r
}

// LoadFromFile merges additional agent definitions from a YAML file.
// Built-in definitions cannot be overridden.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent definitions: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent definitions: %w", err)
	}

	for _, def := range file.Agents {
		if err := r.Register(def); err != nil {
			r.logger.Warn("skipping agent definition",
				zap.String("agent_id", def.ID),
				zap.Error(err))
		}
	}

	r.logger.Info("loaded agent definitions",
		zap.String("path", path),
		zap.Int("count", len(file.Agents)))
	return nil
}

// Register adds a new agent definition.
func (r *Registry) Register(def *AgentDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("agent definition has no id")
	}
	if def.Executable == "" {
		return fmt.Errorf("agent %s has no executable", def.ID)
	}
	if def.Runtime == "" {
		def.Runtime = RuntimeNative
	}
	if def.Runtime != RuntimeNative && def.Runtime != RuntimeLinuxSubenv {
		return fmt.Errorf("agent %s has unknown runtime %q", def.ID, def.Runtime)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[def.ID]; ok && existing.BuiltIn {
		return fmt.Errorf("agent %s is built-in and cannot be replaced", def.ID)
	}
	r.agents[def.ID] = def
	return nil
}

// Get returns the definition for an agent id.
func (r *Registry) Get(id string) (*AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", id)
	}
	return def, nil
}

// Exists reports whether an agent id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// List returns all registered agent definitions.
func (r *Registry) List() []*AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		result = append(result, def)
	}
	return result
}
