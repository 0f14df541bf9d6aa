//go:build !darwin && !linux

package native

import (
	"fmt"
	"runtime"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// NewFactory reports ErrNotSupported on platforms purego cannot dlopen on.
func NewFactory(opts Options) sdk.EngineFactory {
	return func(string, sdk.EngineHandler) (sdk.Engine, error) {
		return nil, fmt.Errorf("native engine on %s: %w", runtime.GOOS, ErrNotSupported)
	}
}
