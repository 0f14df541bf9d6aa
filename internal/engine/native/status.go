// Package native binds a C-ABI RTC engine shim (librtc_engine_shim) at
// runtime with purego, so the bridge builds without cgo.
package native

import (
	"errors"
	"fmt"
)

// Shim status codes. Negative values follow the vendor SDK's error numbering.
const (
	statusOK             int32 = 0
	statusFailed         int32 = -1
	statusInvalidArg     int32 = -2
	statusNotReady       int32 = -3
	statusNotSupported   int32 = -4
	statusRefused        int32 = -5
	statusNotInitialized int32 = -7
	statusJoinRejected   int32 = -17
)

var (
	ErrFailed          = errors.New("engine call failed")
	ErrInvalidArgument = errors.New("engine rejected argument")
	ErrNotReady        = errors.New("engine not ready")
	ErrNotSupported    = errors.New("not supported")
	ErrRefused         = errors.New("engine refused call")
	ErrNotInitialized  = errors.New("engine not initialized")
	ErrJoinRejected    = errors.New("join channel rejected")

	ErrLibraryNotFound = errors.New("rtc engine shim library not found")
	ErrReleased        = errors.New("engine released")
)

// StatusError carries the raw shim status of a failed call.
type StatusError struct {
	Op   string
	Code int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: engine status %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case statusInvalidArg:
		return ErrInvalidArgument
	case statusNotReady:
		return ErrNotReady
	case statusNotSupported:
		return ErrNotSupported
	case statusRefused:
		return ErrRefused
	case statusNotInitialized:
		return ErrNotInitialized
	case statusJoinRejected:
		return ErrJoinRejected
	default:
		return ErrFailed
	}
}

func statusErr(op string, code int32) error {
	if code == statusOK {
		return nil
	}
	return &StatusError{Op: op, Code: code}
}

// Options locates the shim library.
type Options struct {
	// LibraryPath takes precedence over every search location.
	LibraryPath string
}

// LibraryEnv overrides the library path when Options.LibraryPath is empty.
const LibraryEnv = "RTCBRIDGE_ENGINE_LIB"

func libraryNameFor(goos string) string {
	switch goos {
	case "darwin":
		return "librtc_engine_shim.dylib"
	case "windows":
		return "rtc_engine_shim.dll"
	default:
		return "librtc_engine_shim.so"
	}
}
