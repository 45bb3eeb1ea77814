package thermometer

import (
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Registry is the explicit adapter registry owned by whatever composes the
// thermometer core with a transport and RPC facade. Adapters are added and
// removed explicitly; there is no ambient global state.
type Registry struct {
	adapters *hashmap.Map[string, *Adapter]
	logger   *logrus.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		adapters: hashmap.New[string, *Adapter](),
		logger:   logger,
	}
}

// Add registers an adapter context under its path.
func (r *Registry) Add(a *Adapter) error {
	if !r.adapters.Insert(a.Path(), a) {
		return fmt.Errorf("%w: adapter %s", ErrAlreadyExists, a.Path())
	}
	r.logger.WithField("adapter", a.Path()).Debug("Thermometer adapter registered")
	return nil
}

// Get returns the adapter registered under path.
func (r *Registry) Get(path string) (*Adapter, bool) {
	return r.adapters.Get(path)
}

// Remove unregisters the adapter under path and closes it, cascading into
// its device sessions and watchers.
func (r *Registry) Remove(path string) error {
	a, ok := r.adapters.Get(path)
	if !ok {
		return fmt.Errorf("%w: adapter %s", ErrDoesNotExist, path)
	}
	r.adapters.Del(path)
	a.Close()
	r.logger.WithField("adapter", path).Debug("Thermometer adapter unregistered")
	return nil
}

// Each calls fn for every registered adapter until fn returns false.
func (r *Registry) Each(fn func(*Adapter) bool) {
	r.adapters.Range(func(_ string, a *Adapter) bool {
		return fn(a)
	})
}

// Close removes and closes every registered adapter.
func (r *Registry) Close() {
	r.adapters.Range(func(path string, a *Adapter) bool {
		r.adapters.Del(path)
		a.Close()
		return true
	})
}
