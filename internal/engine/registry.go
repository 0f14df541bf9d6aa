// Package engine selects and constructs RTC engine drivers.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

var (
	ErrUnknownDriver   = errors.New("unknown engine driver")
	ErrDuplicateDriver = errors.New("engine driver already registered")
)

// Registry maps driver names to engine factories.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]sdk.EngineFactory
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]sdk.EngineFactory)}
}

func (r *Registry) Register(name string, f sdk.EngineFactory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register driver %q: name and factory are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, name)
	}
	r.drivers[name] = f
	return nil
}

func (r *Registry) Lookup(name string) (sdk.EngineFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return f, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns a factory that looks the driver up on every call, so a
// driver registered by a plugin after startup is still picked up.
func (r *Registry) Resolve(name func() string) sdk.EngineFactory {
	return func(appID string, h sdk.EngineHandler) (sdk.Engine, error) {
		f, err := r.Lookup(name())
		if err != nil {
			return nil, err
		}
		return f(appID, h)
	}
}
