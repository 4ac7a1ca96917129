package plugin

import (
	"log/slog"
	"sync"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

// Registry maps step-type tags to executors and notifier tags to notifiers.
// It is written at startup (and on explicit reload); reads afterwards take
// only the read lock.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
	notifiers map[string]Notifier
	plugins   map[string]Meta
	policy    PolicyStore
}

// NewRegistry creates an empty registry. A nil policy store means every
// external plugin is trusted (backward-compat mode).
func NewRegistry(policy PolicyStore) *Registry {
	return &Registry{
		executors: make(map[string]StepExecutor),
		notifiers: make(map[string]Notifier),
		plugins:   make(map[string]Meta),
		policy:    policy,
	}
}

// RegisterExecutor binds a step-type tag to an executor.
func (r *Registry) RegisterExecutor(stepType string, ex StepExecutor) error {
	if ex == nil {
		return derrors.PluginError("cannot register nil executor").Build()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[stepType]; exists {
		return derrors.PluginError("step type already registered").
			WithContext("step_type", stepType).
			Build()
	}
	r.executors[stepType] = ex
	return nil
}

// Executor resolves a step-type tag. Unknown tags yield a plugin-classified
// error; the caller decides what that does to the surrounding stage.
func (r *Registry) Executor(stepType string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[stepType]
	if !ok {
		return nil, derrors.PluginError("unknown step type").
			WithContext("step_type", stepType).
			Build()
	}
	return ex, nil
}

// RegisterNotifier binds a notifier tag.
func (r *Registry) RegisterNotifier(tag string, n Notifier) error {
	if n == nil {
		return derrors.PluginError("cannot register nil notifier").Build()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.notifiers[tag]; exists {
		return derrors.PluginError("notifier tag already registered").
			WithContext("notifier", tag).
			Build()
	}
	r.notifiers[tag] = n
	return nil
}

// Notifier resolves a notifier tag.
func (r *Registry) Notifier(tag string) (Notifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[tag]
	if !ok {
		return nil, derrors.PluginError("unknown notifier").
			WithContext("notifier", tag).
			Build()
	}
	return n, nil
}

// Plugins lists registered plugin metadata.
func (r *Registry) Plugins() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.plugins))
	for _, m := range r.plugins {
		out = append(out, m)
	}
	return out
}

// External bundles what an externally loaded plugin contributes.
type External struct {
	Meta      Meta
	Executors map[string]StepExecutor
	Notifiers map[string]Notifier
}

// LoadExternal registers an external plugin after consulting the trust
// policy for the owning org. A blocked plugin is logged and skipped; the
// returned error is reserved for registration conflicts and policy store
// failures.
func (r *Registry) LoadExternal(orgID string, ext External) error {
	if err := ext.Meta.Validate(); err != nil {
		return derrors.PluginError("invalid plugin metadata").WithCause(err).Build()
	}

	allowed, err := r.allowed(orgID, ext.Meta.Name)
	if err != nil {
		return err
	}
	if !allowed {
		slog.Warn("plugin blocked by trust policy",
			slog.String("plugin", ext.Meta.Name),
			slog.String("org-id", orgID),
		)
		return nil
	}

	for stepType, ex := range ext.Executors {
		if err := r.RegisterExecutor(stepType, ex); err != nil {
			return err
		}
	}
	for tag, n := range ext.Notifiers {
		if err := r.RegisterNotifier(tag, n); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.plugins[ext.Meta.Name] = ext.Meta
	r.mu.Unlock()

	slog.Info("plugin loaded",
		slog.String("plugin", ext.Meta.Name),
		slog.String("version", ext.Meta.Version),
	)
	return nil
}

func (r *Registry) allowed(orgID, pluginName string) (bool, error) {
	if r.policy == nil {
		return true, nil
	}
	allowed, err := r.policy.Allowed(orgID, pluginName)
	if err != nil {
		return false, derrors.PluginError("trust policy lookup failed").
			WithContext("plugin", pluginName).
			WithCause(err).
			Build()
	}
	return allowed, nil
}

// IsUnknownStepType reports whether the error is an unknown step-type lookup.
func IsUnknownStepType(err error) bool {
	classified, ok := derrors.AsClassified(err)
	if !ok {
		return false
	}
	return classified.IsCategory(derrors.CategoryPlugin) && classified.Message() == "unknown step type"
}
