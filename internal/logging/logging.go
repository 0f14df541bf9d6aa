package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Cfg struct {
	Level string
	JSON  bool
}

// New builds the process logger. The returned level can be changed at runtime.
func New(c Cfg) (*zap.Logger, zap.AtomicLevel) {
	cfg := zap.NewProductionConfig()
	if !c.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	SetLevel(cfg.Level, c.Level)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop(), cfg.Level
	}
	return l, cfg.Level
}

// SetLevel applies a textual level; unknown levels leave it unchanged.
func SetLevel(lvl zap.AtomicLevel, text string) bool {
	if text == "" {
		return false
	}
	return lvl.UnmarshalText([]byte(text)) == nil
}
