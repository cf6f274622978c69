// Package container implements the dependency container and manager
// factory (spec.md §4.10): deterministic, dependency-ordered startup
// and interface validation before any trading tick. Grounded on
// original_source/TomKingTradingFramework/core/component_initializer.py's
// ComponentConfig/tiered-dependency model, reshaped into Go's
// reflection-based method-presence check in place of Python's duck
// typing, in the teacher's plain-constructor-and-error-return idiom.
package container

import (
	"fmt"
	"reflect"
	"sort"

	"go.uber.org/zap"
)

// Manager is the minimal contract every container-managed component
// exposes (spec.md §4.10 and the shared idiom already used by
// internal/events, internal/vix, internal/greeks, internal/coordinator,
// internal/state, internal/risk).
type Manager interface {
	GetDependencies() []string
	CanInitializeWithoutDependencies() bool
	Name() string
}

// Config describes one manager's construction contract (§4.10's
// ManagerConfig): name, dependency names, required method names, a
// constructor, and whether its failure is critical.
type Config struct {
	Name             string
	Dependencies     []string
	RequiredMethods  []string
	Construct        func(deps map[string]any) (any, error)
	Critical         bool
}

// Container is the dependency container (tier-agnostic; consulted
// across all five tiers of spec.md §4.10).
type Container struct {
	configs  map[string]Config
	order    []string
	instances map[string]any
	failed    map[string]bool
	logger    *zap.Logger
	log       []string
}

// New constructs an empty container.
func New(logger *zap.Logger) *Container {
	return &Container{
		configs:   make(map[string]Config),
		instances: make(map[string]any),
		failed:    make(map[string]bool),
		logger:    logger,
	}
}

// Register adds a manager's construction config.
func (c *Container) Register(cfg Config) {
	c.configs[cfg.Name] = cfg
}

// Get returns a previously constructed instance by name.
func (c *Container) Get(name string) (any, bool) {
	v, ok := c.instances[name]
	return v, ok
}

// Log returns the initialization log accumulated during Start.
func (c *Container) Log() []string {
	return append([]string(nil), c.log...)
}

func (c *Container) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.log = append(c.log, msg)
	if c.logger != nil {
		c.logger.Info(msg)
	}
}

// topoSort orders registered configs leaves-first by dependency name.
// Cycles are reported as an error (the tiered startup order in
// spec.md §4.10 is acyclic by construction, but a cycle is still a
// startup-time defect worth failing loudly on rather than looping).
func (c *Container) topoSort() ([]string, error) {
	visited := make(map[string]int) // 0=unvisited, 1=in-progress, 2=done
	var order []string

	names := make([]string, 0, len(c.configs))
	for n := range c.configs {
		names = append(names, n)
	}
	sort.Strings(names) // deterministic iteration for ties

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("dependency cycle detected at %q", name)
		}
		visited[name] = 1
		cfg, ok := c.configs[name]
		if !ok {
			return fmt.Errorf("unregistered dependency %q", name)
		}
		deps := append([]string(nil), cfg.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Start runs the full startup algorithm (§4.10): topological sort by
// dependency, construct each in order, verify every required method
// exists and is callable via reflection, store under the container. A
// missing method or construction error on a critical manager aborts
// startup; a non-critical manager's failure marks it failed and
// propagates failure to dependants (they are skipped, not aborted).
func (c *Container) Start() error {
	order, err := c.topoSort()
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}
	c.order = order

	for _, name := range order {
		cfg := c.configs[name]

		blocked := false
		for _, dep := range cfg.Dependencies {
			if c.failed[dep] {
				blocked = true
				break
			}
		}
		if blocked {
			c.failed[name] = true
			c.logf("skipped %s: dependency failed", name)
			if cfg.Critical {
				return fmt.Errorf("container: critical manager %q blocked by failed dependency", name)
			}
			continue
		}

		deps := make(map[string]any, len(cfg.Dependencies))
		for _, dep := range cfg.Dependencies {
			if v, ok := c.instances[dep]; ok {
				deps[dep] = v
			}
		}

		instance, err := cfg.Construct(deps)
		if err != nil {
			c.failed[name] = true
			c.logf("failed to construct %s: %v", name, err)
			if cfg.Critical {
				return fmt.Errorf("container: critical manager %q failed: %w", name, err)
			}
			continue
		}

		if err := verifyMethods(instance, cfg.RequiredMethods); err != nil {
			c.failed[name] = true
			c.logf("interface check failed for %s: %v", name, err)
			if cfg.Critical {
				return fmt.Errorf("container: critical manager %q interface check failed: %w", name, err)
			}
			continue
		}

		c.instances[name] = instance
		c.logf("initialized %s", name)
	}
	return nil
}

// verifyMethods reflects over instance and confirms every named method
// exists and is callable (i.e. has a Method of that name on its type).
func verifyMethods(instance any, required []string) error {
	v := reflect.ValueOf(instance)
	for _, m := range required {
		method := v.MethodByName(m)
		if !method.IsValid() {
			return fmt.Errorf("missing required method %q", m)
		}
	}
	return nil
}

// HotPathMethods is the hand-selected list of hot-path methods the
// global interface-validator pass re-checks after all-success
// (spec.md §4.10).
var HotPathMethods = map[string][]string{
	"vix_manager":          {"CurrentVIX"},
	"state_manager":        {"UpdateSystemState"},
	"strategy_coordinator": {"ExecuteStrategies"},
	"risk_manager":         {"CanOpenPosition"},
	"position_manager":     {"OpenPosition"},
}

// ValidateHotPaths re-checks HotPathMethods against every constructed
// instance, failing loudly if any are missing (§4.10's global
// interface-validator pass).
func (c *Container) ValidateHotPaths() error {
	for name, methods := range HotPathMethods {
		instance, ok := c.instances[name]
		if !ok {
			continue // not registered in this deployment, nothing to validate
		}
		if err := verifyMethods(instance, methods); err != nil {
			return fmt.Errorf("hot-path validation failed for %q: %w", name, err)
		}
	}
	return nil
}

// FailedManagers returns the names of managers that failed to start.
func (c *Container) FailedManagers() []string {
	names := make([]string, 0, len(c.failed))
	for n := range c.failed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
