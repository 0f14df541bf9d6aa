package sdk

// Plugin is the symbol a Go plugin exports to extend the bridge.
type Plugin interface {
	Init(ctx Context) error
	Stop() error
}
