// Package dispatcher routes method channel invocations to the engine handle.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/metrics"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/permissions"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/texture"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

const tracerName = "github.com/EchoPBX/echopbx-rtcbridge/internal/dispatcher"

var (
	ErrNotInitialized = errors.New("engine not created")
	ErrUnknownTexture = texture.ErrUnknownTexture
)

// PermissionRequester resolves OS-level capture authorization.
type PermissionRequester interface {
	Request(ctx context.Context, k permissions.Kind) (bool, error)
}

type Options struct {
	// Lenient turns calls made without an engine into silent no-ops instead
	// of ErrNotInitialized.
	Lenient bool
}

// Dispatcher owns the engine handle. At most one handle is live at a time.
type Dispatcher struct {
	log      *zap.Logger
	factory  sdk.EngineFactory
	handler  sdk.EngineHandler
	textures *texture.Registry
	perms    PermissionRequester

	mu      sync.Mutex
	lenient bool
	engine  sdk.Engine
	local   *texture.LocalRender
	localID int64
}

func New(log *zap.Logger, factory sdk.EngineFactory, handler sdk.EngineHandler, textures *texture.Registry, perms PermissionRequester, opts Options) *Dispatcher {
	return &Dispatcher{
		log:      log,
		factory:  factory,
		handler:  handler,
		textures: textures,
		perms:    perms,
		lenient:  opts.Lenient,
	}
}

// SetLenient switches the missing-engine policy; used on config reload.
func (d *Dispatcher) SetLenient(v bool) {
	d.mu.Lock()
	d.lenient = v
	d.mu.Unlock()
}

// Active reports whether an engine handle is live.
func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine != nil
}

// Handle parses and executes one invocation. The result is nil, a bool or an
// int64 texture id.
func (d *Dispatcher) Handle(ctx context.Context, method string, args map[string]any) (any, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch "+method)
	defer span.End()
	span.SetAttributes(attribute.String("rtc.method", method))

	cmd, err := Parse(method, args)
	var res any
	if err == nil {
		res, err = d.Execute(ctx, cmd)
	}

	outcome := Code(err)
	metrics.MethodCalls.WithLabelValues(metricMethod(method, err), outcome).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		d.log.Debug("method failed", zap.String("method", method), zap.String("outcome", outcome), zap.Error(err))
		return nil, err
	}
	d.log.Debug("method handled", zap.String("method", method), zap.Any("result", res))
	return res, nil
}

// metricMethod keeps unknown method names out of the label set.
func metricMethod(method string, err error) string {
	if errors.Is(err, ErrNotImplemented) {
		return "unknown"
	}
	return method
}

// Execute runs an already validated command.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case RequestAVPermissions:
		return d.requestPermissions(ctx)
	case Create:
		return nil, d.create(c.AppID)
	case Destroy:
		return nil, d.destroy()
	case SetChannelProfile:
		return nil, d.call(c, func(e sdk.Engine) error { return e.SetChannelProfile(c.Profile) })
	case SetClientRole:
		return nil, d.call(c, func(e sdk.Engine) error { return e.SetClientRole(c.Role) })
	case JoinChannel:
		return d.status(c, func(e sdk.Engine) error { return e.JoinChannel(c.Token, c.ChannelID, c.Info, c.UID) })
	case LeaveChannel:
		return d.status(c, func(e sdk.Engine) error { return e.LeaveChannel() })
	case EnableAudio:
		return nil, d.call(c, sdk.Engine.EnableAudio)
	case DisableAudio:
		return nil, d.call(c, sdk.Engine.DisableAudio)
	case MuteLocalAudioStream:
		return nil, d.call(c, func(e sdk.Engine) error { return e.MuteLocalAudioStream(c.Muted) })
	case MuteAllRemoteAudioStreams:
		return nil, d.call(c, func(e sdk.Engine) error { return e.MuteAllRemoteAudioStreams(c.Muted) })
	case EnableVideo:
		return nil, d.call(c, sdk.Engine.EnableVideo)
	case DisableVideo:
		return nil, d.call(c, sdk.Engine.DisableVideo)
	case SetupLocalTexture:
		return d.setupLocalTexture()
	case DisposeLocalTexture:
		return nil, d.disposeLocalTexture(c.TextureID)
	case StartPreview:
		return nil, d.call(c, sdk.Engine.StartPreview)
	case StopPreview:
		return nil, d.call(c, sdk.Engine.StopPreview)
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotImplemented, cmd)
	}
}

func (d *Dispatcher) requestPermissions(ctx context.Context) (bool, error) {
	ok, err := d.perms.Request(ctx, permissions.Camera)
	if err != nil {
		return false, fmt.Errorf("request camera permission: %w", err)
	}
	return ok, nil
}

func (d *Dispatcher) create(appID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine != nil {
		d.log.Info("replacing live engine")
		if err := d.engine.Release(); err != nil {
			d.log.Warn("release previous engine", zap.Error(err))
		}
		d.engine = nil
		metrics.EngineActive.Set(0)
	}
	e, err := d.factory(appID, d.handler)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	d.engine = e
	metrics.EngineActive.Set(1)
	d.log.Info("engine created")
	return nil
}

func (d *Dispatcher) destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return nil
	}
	err := d.engine.Release()
	d.engine = nil
	metrics.EngineActive.Set(0)
	d.log.Info("engine destroyed")
	if err != nil {
		return fmt.Errorf("release engine: %w", err)
	}
	return nil
}

// call forwards a void command. Without an engine it fails in strict mode
// and does nothing in lenient mode.
func (d *Dispatcher) call(cmd Command, fn func(sdk.Engine) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		if d.lenient {
			return nil
		}
		return ErrNotInitialized
	}
	if err := fn(d.engine); err != nil {
		return fmt.Errorf("%s: %w", cmd.Method(), err)
	}
	return nil
}

// status forwards a command whose result is whether the engine accepted it.
func (d *Dispatcher) status(cmd Command, fn func(sdk.Engine) error) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		if d.lenient {
			return false, nil
		}
		return false, ErrNotInitialized
	}
	if err := fn(d.engine); err != nil {
		d.log.Warn("engine rejected call", zap.String("method", cmd.Method()), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (d *Dispatcher) setupLocalTexture() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil && !d.lenient {
		return 0, ErrNotInitialized
	}

	render := texture.NewLocalRender()
	id := d.textures.Register(render)
	if d.engine != nil {
		if err := d.engine.SetLocalVideoRenderer(render); err != nil {
			_ = d.textures.Unregister(id)
			return 0, fmt.Errorf("%s: %w", MethodSetupLocalTexture, err)
		}
	}
	if d.local != nil {
		_ = d.textures.Unregister(d.localID)
	}
	d.local, d.localID = render, id
	return id, nil
}

func (d *Dispatcher) disposeLocalTexture(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.textures.Unregister(id); err != nil {
		return fmt.Errorf("texture %d: %w", id, err)
	}
	if d.local != nil && id == d.localID {
		if d.engine != nil {
			if err := d.engine.SetLocalVideoRenderer(nil); err != nil {
				d.log.Warn("detach local renderer", zap.Error(err))
			}
		}
		d.local, d.localID = nil, 0
	}
	return nil
}

// Close releases the engine, if any.
func (d *Dispatcher) Close() error {
	return d.destroy()
}

// Code classifies err for transports and metrics.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrUnknownTexture):
		return "unknown_texture"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
