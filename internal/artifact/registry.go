package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
)

// Strategies name the model-selection criteria a bundle can be tuned for.
const (
	StrategyROCAUC = "roc_auc"
	StrategyPRAUC  = "pr_auc"
)

// ErrNotFound is returned for unknown model ids and unmapped strategies.
var ErrNotFound = errors.New("artifact: model not found")

// Status is the lifecycle state of a registered model.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusActive     Status = "active"
	StatusShadow     Status = "shadow"
)

// Entry is one registered model.
type Entry struct {
	Handle       *model.Handle `json:"-"`
	Manifest     Manifest      `json:"manifest"`
	Status       Status        `json:"status"`
	RegisteredAt time.Time     `json:"registered_at"`
}

// Registry holds the model handles a service can serve. Handles are
// immutable; the registry only guards its own maps.
type Registry struct {
	mu         sync.RWMutex
	models     map[string]*Entry
	order      []string
	strategies map[string]string
	active     string
	previous   string

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		models:     make(map[string]*Entry),
		strategies: make(map[string]string),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handle. The first model registered becomes active, and a
// manifest strategy maps that strategy to the model unless another model
// already claimed it.
func (r *Registry) Register(h *model.Handle, m Manifest) error {
	if err := h.Verify(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = h.ID()
	}
	if m.ID != h.ID() {
		return fmt.Errorf("artifact: manifest id %q does not match handle %q", m.ID, h.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.models[h.ID()]; dup {
		return fmt.Errorf("artifact: model %q already registered", h.ID())
	}
	e := &Entry{Handle: h, Manifest: m, Status: StatusRegistered, RegisteredAt: r.now()}
	r.models[h.ID()] = e
	r.order = append(r.order, h.ID())

	if m.Strategy != "" {
		if owner, taken := r.strategies[m.Strategy]; taken {
			r.logger.Warn("strategy already mapped", "strategy", m.Strategy, "model_id", owner, "ignored", h.ID())
		} else {
			r.strategies[m.Strategy] = h.ID()
		}
	}
	if r.active == "" {
		r.active = h.ID()
		e.Status = StatusActive
	}

	if r.metrics != nil {
		r.metrics.ModelsLoaded.Set(float64(len(r.models)))
	}
	r.logger.Info("model registered",
		"model_id", h.ID(),
		"version", h.Version(),
		"strategy", m.Strategy,
		"status", e.Status,
	)
	return nil
}

// LoadDir loads every bundle directory directly under root, in name order,
// and registers it.
func (r *Registry) LoadDir(root string, l *Loader) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	loaded := 0
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(root, de.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		b, err := l.Load(dir)
		if err != nil {
			return err
		}
		if err := r.Register(b.Handle, b.Manifest); err != nil {
			return err
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("artifact: no model bundles under %s", root)
	}
	return nil
}

// Get returns the handle registered under id.
func (r *Registry) Get(id string) (*model.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Handle, nil
}

// Strategy returns the handle mapped to a selection strategy.
func (r *Registry) Strategy(name string) (*model.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: no model for strategy %q", ErrNotFound, name)
	}
	return r.models[id].Handle, nil
}

// Resolve picks a handle by id, else by strategy, else the active model.
func (r *Registry) Resolve(id, strategy string) (*model.Handle, error) {
	switch {
	case id != "":
		return r.Get(id)
	case strategy != "":
		return r.Strategy(strategy)
	default:
		return r.Active()
	}
}

// MapStrategy points a strategy at a registered model.
func (r *Registry) MapStrategy(strategy, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.strategies[strategy] = id
	return nil
}

// Activate makes id the default model. The previously active model is kept
// as shadow.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.models[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.active == id {
		return nil
	}
	if cur, ok := r.models[r.active]; ok {
		cur.Status = StatusShadow
		r.previous = r.active
	}
	e.Status = StatusActive
	r.active = id

	r.logger.Info("model activated", "model_id", id, "previous", r.previous)
	return nil
}

// Rollback reactivates the model that was active before the last Activate.
func (r *Registry) Rollback() (string, error) {
	prev, ok := r.Previous()
	if !ok {
		return "", fmt.Errorf("%w: no previous model to roll back to", ErrNotFound)
	}
	if err := r.Activate(prev.ID()); err != nil {
		return "", err
	}
	return prev.ID(), nil
}

// Active returns the default model.
func (r *Registry) Active() (*model.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil, fmt.Errorf("%w: no active model", ErrNotFound)
	}
	return r.models[r.active].Handle, nil
}

// Previous returns the model that was active before the last Activate.
func (r *Registry) Previous() (*model.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[r.previous]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

// Handles returns every handle in registration order.
func (r *Registry) Handles() []*model.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Handle, len(r.order))
	for i, id := range r.order {
		out[i] = r.models[id].Handle
	}
	return out
}

// List returns a copy of every entry in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.order))
	for i, id := range r.order {
		out[i] = *r.models[id]
	}
	return out
}

// Strategies returns a copy of the strategy to model id mapping.
func (r *Registry) Strategies() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.strategies)
}

// Close releases every handle's scorer resources.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, id := range r.order {
		if err := r.models[id].Handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
