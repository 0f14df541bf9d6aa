package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"plugin"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// Manifest describes plugins.json.
type Manifest struct {
	Plugins []Entry `json:"plugins"`
}

type Entry struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version"`
	Path    string                 `json:"path"`
	Symbol  string                 `json:"symbol"` // defaults to "Plugin"
	Config  map[string]interface{} `json:"config,omitempty"`
}

// Opener resolves a plugin from a shared object.
type Opener func(path, symbol string) (sdk.Plugin, error)

// OpenShared loads a Go plugin built with -buildmode=plugin.
func OpenShared(path, symbol string) (sdk.Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	// Lookup of an exported variable yields a pointer to it.
	if pp, ok := sym.(*sdk.Plugin); ok && *pp != nil {
		return *pp, nil
	}
	if plug, ok := sym.(sdk.Plugin); ok {
		return plug, nil
	}
	return nil, fmt.Errorf("symbol %s is %T, not sdk.Plugin", symbol, sym)
}

type loaded struct {
	entry   Entry
	plugin  sdk.Plugin
	drivers []string
}

// Manager owns loaded plugins.
type Manager struct {
	log     *zap.Logger
	bus     sdk.Bus
	drivers DriverRegistry
	open    Opener

	mu      sync.RWMutex
	plugins map[string]loaded
}

func NewManager(log *zap.Logger, bus sdk.Bus, drivers DriverRegistry, open Opener) *Manager {
	if open == nil {
		open = OpenShared
	}
	return &Manager{
		log:     log,
		bus:     bus,
		drivers: drivers,
		open:    open,
		plugins: make(map[string]loaded),
	}
}

// LoadManifest loads every entry not already loaded. A missing manifest is
// not an error. Failing entries are logged and skipped.
func (m *Manager) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		m.log.Debug("no plugin manifest", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for _, p := range manifest.Plugins {
		if err := m.load(p); err != nil {
			m.log.Error("failed to load plugin",
				zap.String("name", p.Name),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) load(entry Entry) error {
	if entry.Name == "" {
		return errors.New("plugin entry without name")
	}
	m.mu.RLock()
	_, dup := m.plugins[entry.Name]
	m.mu.RUnlock()
	if dup {
		return nil
	}
	if entry.Symbol == "" {
		entry.Symbol = "Plugin"
	}

	plug, err := m.open(entry.Path, entry.Symbol)
	if err != nil {
		return err
	}
	ctx := newPluginContext(entry.Name, m.log.With(zap.String("plugin", entry.Name)), m.bus, entry.Config, m.drivers)
	if err := plug.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	m.mu.Lock()
	m.plugins[entry.Name] = loaded{entry: entry, plugin: plug, drivers: ctx.added}
	m.mu.Unlock()

	m.bus.Publish(sdk.Event{
		Name: "plugin.loaded",
		Fields: map[string]any{
			"name":    entry.Name,
			"version": entry.Version,
			"drivers": ctx.added,
			"time":    time.Now().Unix(),
		},
	})

	m.log.Info("plugin loaded",
		zap.String("name", entry.Name),
		zap.String("version", entry.Version),
		zap.Strings("drivers", ctx.added))
	return nil
}

// Loaded returns the names of loaded plugins, sorted.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Reload(path string) {
	if err := m.LoadManifest(path); err != nil {
		m.log.Warn("plugin reload failed", zap.Error(err))
		return
	}
	m.bus.Publish(sdk.Event{
		Name:   "plugins.reloaded",
		Fields: map[string]any{"time": time.Now().Unix()},
	})
}

func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, p := range m.plugins {
		if err := p.plugin.Stop(); err != nil {
			m.log.Warn("plugin stop failed", zap.String("name", name), zap.Error(err))
		}
	}
}
