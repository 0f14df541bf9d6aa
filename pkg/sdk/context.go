package sdk

import "go.uber.org/zap"

type Context interface {
	Log() *zap.Logger
	Bus() Bus
	Config() map[string]interface{}
	// RegisterDriver makes an engine driver selectable through engine.driver.
	RegisterDriver(name string, f EngineFactory) error
}
