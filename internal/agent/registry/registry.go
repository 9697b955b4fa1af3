// Package registry manages executor profiles: how to launch each coding agent
// and its variants.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
)

// DefaultVariant is the variant name used when a profile id carries none.
const DefaultVariant = "DEFAULT"

// sessionPlaceholder is substituted with the session id in resume args.
const sessionPlaceholder = "{session_id}"

//go:embed profiles.yaml
var defaultProfiles []byte

// profilesFile is the structure of a profiles YAML file
type profilesFile struct {
	Version   string                     `yaml:"version"`
	Executors map[string]*ExecutorConfig `yaml:"executors"`
}

// ExecutorConfig holds the launch configuration for one executor
type ExecutorConfig struct {
	ID         string                    `yaml:"-"`
	Name       string                    `yaml:"name"`
	Image      string                    `yaml:"image"`   // container image for the docker spawner
	Command    []string                  `yaml:"command"` // argv for the default variant
	ResumeArgs []string                  `yaml:"resumeArgs,omitempty"`
	Env        map[string]string         `yaml:"env,omitempty"`
	Variants   map[string]*VariantConfig `yaml:"variants,omitempty"`
}

// VariantConfig adjusts the default command of an executor.
type VariantConfig struct {
	Args  []string          `yaml:"args,omitempty"` // appended to the executor command
	Env   map[string]string `yaml:"env,omitempty"`
	Image string            `yaml:"image,omitempty"`
}

// Profile is a fully resolved executor profile.
type Profile struct {
	ID         actions.ExecutorProfileID
	Name       string
	Image      string
	Command    []string
	ResumeArgs []string
	Env        map[string]string
}

// Args returns the argv for a coding-agent action. Follow-ups resume the
// given session; the prompt itself is delivered on stdin.
func (p *Profile) Args(sessionID string) []string {
	args := append([]string(nil), p.Command...)
	if sessionID == "" {
		return args
	}
	for _, a := range p.ResumeArgs {
		args = append(args, strings.ReplaceAll(a, sessionPlaceholder, sessionID))
	}
	return args
}

// Registry manages executor profile configurations
type Registry struct {
	executors map[string]*ExecutorConfig
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		executors: make(map[string]*ExecutorConfig),
		logger:    log.WithComponent("executor-registry"),
	}
}

// LoadDefaults loads the embedded executor profiles
func (r *Registry) LoadDefaults() error {
	return r.load(defaultProfiles, "embedded")
}

// LoadFromFile replaces the loaded profiles with the ones in a YAML file
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profiles file: %w", err)
	}
	return r.load(data, path)
}

func (r *Registry) load(data []byte, source string) error {
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse profiles from %s: %w", source, err)
	}
	if len(file.Executors) == 0 {
		return fmt.Errorf("no executors defined in %s", source)
	}

	loaded := make(map[string]*ExecutorConfig, len(file.Executors))
	for id, cfg := range file.Executors {
		if cfg == nil {
			continue
		}
		cfg.ID = id
		if err := ValidateConfig(cfg); err != nil {
			r.logger.Warn("skipping invalid executor profile",
				zap.String("executor", id),
				zap.Error(err))
			continue
		}
		loaded[id] = cfg
	}

	r.mu.Lock()
	r.executors = loaded
	r.mu.Unlock()

	r.logger.Info("loaded executor profiles",
		zap.String("source", source),
		zap.Int("count", len(loaded)))
	return nil
}

// Register adds a new executor
func (r *Registry) Register(cfg *ExecutorConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[cfg.ID]; exists {
		return fmt.Errorf("executor %q already registered", cfg.ID)
	}
	r.executors[cfg.ID] = cfg
	return nil
}

// Exists checks if an executor is registered
func (r *Registry) Exists(executor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[executor]
	return ok
}

// List returns registered executor ids, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Variants returns the variant names of an executor, DEFAULT first and the
// rest sorted. Unknown executors have none.
func (r *Registry) Variants(executor string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.executors[executor]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(cfg.Variants))
	for name := range cfg.Variants {
		if name != DefaultVariant {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{DefaultVariant}, names...)
}

// Resolve returns the launch profile for id. Unknown variants fall back to
// the default one; unknown executors are NOT_FOUND.
func (r *Registry) Resolve(id actions.ExecutorProfileID) (*Profile, error) {
	r.mu.RLock()
	cfg, ok := r.executors[id.Executor]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("executor", id.Executor)
	}

	profile := &Profile{
		ID:         id.ToDefaultVariant(),
		Name:       cfg.Name,
		Image:      cfg.Image,
		Command:    append([]string(nil), cfg.Command...),
		ResumeArgs: cfg.ResumeArgs,
		Env:        make(map[string]string, len(cfg.Env)),
	}
	for k, v := range cfg.Env {
		profile.Env[k] = v
	}

	name := id.VariantName()
	if name == "" || name == DefaultVariant {
		return profile, nil
	}
	variant, ok := cfg.Variants[name]
	if !ok {
		r.logger.Warn("unknown executor variant, using default",
			zap.String("executor", id.Executor),
			zap.String("variant", name))
		return profile, nil
	}

	profile.ID = id
	profile.Command = append(profile.Command, variant.Args...)
	for k, v := range variant.Env {
		profile.Env[k] = v
	}
	if variant.Image != "" {
		profile.Image = variant.Image
	}
	return profile, nil
}

// ValidateConfig validates an executor configuration
func ValidateConfig(cfg *ExecutorConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("executor id is required")
	}
	if len(cfg.Command) == 0 {
		return fmt.Errorf("executor %s: command is required", cfg.ID)
	}
	if _, ok := cfg.Variants[DefaultVariant]; ok {
		return fmt.Errorf("executor %s: variant %s is implicit", cfg.ID, DefaultVariant)
	}
	for _, a := range cfg.ResumeArgs {
		if strings.Contains(a, sessionPlaceholder) {
			return nil
		}
	}
	return fmt.Errorf("executor %s: resumeArgs must reference %s", cfg.ID, sessionPlaceholder)
}
