package sdk

import (
	"fmt"
	"math"
	"sort"
	"sync"

	apperrors "qsim/internal/errors"
)

// Factory builds a fresh strategy instance for one run
type Factory func(cfg StrategyConfig) (Strategy, error)

// ParameterSpec 策略参数定义
type ParameterSpec struct {
	Name        string  `json:"name"`
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Integer     bool    `json:"integer"`
	Description string  `json:"description"`
}

// Template 策略模板
type Template struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Parameters  []ParameterSpec `json:"parameters"`
	Factory     Factory         `json:"-"`
}

// Defaults returns the template's default parameters
func (t *Template) Defaults() Parameters {
	out := make(Parameters, len(t.Parameters))
	for _, p := range t.Parameters {
		out[p.Name] = p.Default
	}
	return out
}

// Registry maps template names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register adds a template; names must be unique
func (r *Registry) Register(t *Template) error {
	if t == nil || t.Name == "" || t.Factory == nil {
		return fmt.Errorf("template requires a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[t.Name]; exists {
		return fmt.Errorf("template %s already registered", t.Name)
	}
	r.templates[t.Name] = t
	return nil
}

// Get returns the named template
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeStrategyNotFound, "strategy not found", "%s", name)
	}
	return t, nil
}

// List returns all templates ordered by name
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// New builds a strategy from cfg, filling absent parameters with the
// template defaults. The returned config is the effective one.
func (r *Registry) New(cfg StrategyConfig) (Strategy, StrategyConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, cfg, apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid strategy config", err)
	}
	t, err := r.Get(cfg.Name)
	if err != nil {
		return nil, cfg, err
	}
	effective := StrategyConfig{Name: cfg.Name, Parameters: t.Defaults()}.WithParameters(cfg.Parameters)
	if err := t.checkBounds(effective.Parameters); err != nil {
		return nil, effective, apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid strategy parameters", err).
			WithContext("strategy", cfg.Name)
	}
	s, err := t.Factory(effective)
	if err != nil {
		return nil, effective, apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid strategy parameters", err).
			WithContext("strategy", cfg.Name)
	}
	return s, effective, nil
}

// checkBounds rejects values outside [Min, Max]. Specs with Max <= Min are
// unbounded.
func (t *Template) checkBounds(params Parameters) error {
	for _, spec := range t.Parameters {
		if spec.Max <= spec.Min {
			continue
		}
		v, ok := params[spec.Name]
		if !ok {
			continue
		}
		if math.IsNaN(v) || v < spec.Min || v > spec.Max {
			return fmt.Errorf("parameter %s=%g outside [%g, %g]", spec.Name, v, spec.Min, spec.Max)
		}
	}
	return nil
}
