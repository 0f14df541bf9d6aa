package plugins

import (
	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// DriverRegistry receives engine drivers contributed by plugins.
type DriverRegistry interface {
	Register(name string, f sdk.EngineFactory) error
}

type pluginContext struct {
	name    string
	log     *zap.Logger
	bus     sdk.Bus
	config  map[string]interface{}
	drivers DriverRegistry
	added   []string
}

func newPluginContext(name string, log *zap.Logger, bus sdk.Bus, cfg map[string]interface{}, drivers DriverRegistry) *pluginContext {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return &pluginContext{name: name, log: log, bus: bus, config: cfg, drivers: drivers}
}

func (c *pluginContext) Log() *zap.Logger               { return c.log }
func (c *pluginContext) Bus() sdk.Bus                   { return c.bus }
func (c *pluginContext) Config() map[string]interface{} { return c.config }

func (c *pluginContext) RegisterDriver(name string, f sdk.EngineFactory) error {
	if err := c.drivers.Register(name, f); err != nil {
		return err
	}
	c.added = append(c.added, name)
	c.log.Info("engine driver registered", zap.String("driver", name))
	return nil
}
