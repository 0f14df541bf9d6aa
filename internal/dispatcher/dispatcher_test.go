package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/events"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/forwarder"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/permissions"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/texture"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// recordingEngine logs every call as "name(args)".
type recordingEngine struct {
	mu       sync.Mutex
	calls    []string
	renderer sdk.VideoSink
	leaveErr error
	joinErr  error
	released bool
}

func (e *recordingEngine) rec(format string, args ...any) {
	e.mu.Lock()
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *recordingEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *recordingEngine) SetChannelProfile(p sdk.ChannelProfile) error {
	e.rec("setChannelProfile(%d)", p)
	return nil
}
func (e *recordingEngine) SetClientRole(r sdk.ClientRole) error {
	e.rec("setClientRole(%d)", r)
	return nil
}
func (e *recordingEngine) JoinChannel(token, channelID, info string, uid uint32) error {
	e.rec("joinChannel(%q,%q,%q,%d)", token, channelID, info, uid)
	return e.joinErr
}
func (e *recordingEngine) LeaveChannel() error { e.rec("leaveChannel()"); return e.leaveErr }
func (e *recordingEngine) EnableAudio() error  { e.rec("enableAudio()"); return nil }
func (e *recordingEngine) DisableAudio() error { e.rec("disableAudio()"); return nil }
func (e *recordingEngine) MuteLocalAudioStream(m bool) error {
	e.rec("muteLocalAudioStream(%t)", m)
	return nil
}
func (e *recordingEngine) MuteAllRemoteAudioStreams(m bool) error {
	e.rec("muteAllRemoteAudioStreams(%t)", m)
	return nil
}
func (e *recordingEngine) EnableVideo() error  { e.rec("enableVideo()"); return nil }
func (e *recordingEngine) DisableVideo() error { e.rec("disableVideo()"); return nil }
func (e *recordingEngine) StartPreview() error { e.rec("startPreview()"); return nil }
func (e *recordingEngine) StopPreview() error  { e.rec("stopPreview()"); return nil }
func (e *recordingEngine) SetLocalVideoRenderer(s sdk.VideoSink) error {
	e.rec("setLocalVideoRenderer(%t)", s != nil)
	e.mu.Lock()
	e.renderer = s
	e.mu.Unlock()
	return nil
}
func (e *recordingEngine) Release() error {
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
	return nil
}

type harness struct {
	d        *Dispatcher
	bus      *events.Bus
	textures *texture.Registry
	engines  []*recordingEngine
	handlers []sdk.EngineHandler
	appIDs   []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{bus: events.NewBus(), textures: texture.NewRegistry()}
	factory := func(appID string, eh sdk.EngineHandler) (sdk.Engine, error) {
		e := &recordingEngine{}
		h.engines = append(h.engines, e)
		h.handlers = append(h.handlers, eh)
		h.appIDs = append(h.appIDs, appID)
		return e, nil
	}
	gate, err := permissions.FromPolicy(permissions.PolicyGranted)
	require.NoError(t, err)
	fwd := forwarder.New(h.bus, zap.NewNop())
	h.d = New(zap.NewNop(), factory, fwd, h.textures, gate, opts)
	return h
}

func (h *harness) engine() *recordingEngine { return h.engines[len(h.engines)-1] }

func (h *harness) call(t *testing.T, method string, args map[string]any) any {
	t.Helper()
	res, err := h.d.Handle(context.Background(), method, args)
	require.NoError(t, err, method)
	return res
}

func TestUnknownMethodIsNotImplemented(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.d.Handle(context.Background(), "setBeautyEffectOptions", nil)
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.Equal(t, "not_implemented", Code(err))
	assert.Empty(t, h.engines)

	h.call(t, MethodCreate, map[string]any{"appId": "X"})
	_, err = h.d.Handle(context.Background(), "switchCamera", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.Empty(t, h.engine().Calls())
}

func TestForwardsEachMethodOnce(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Nil(t, h.call(t, MethodCreate, map[string]any{"appId": "app-1"}))
	require.Len(t, h.engines, 1)
	assert.Equal(t, []string{"app-1"}, h.appIDs)

	tests := []struct {
		method string
		args   map[string]any
		result any
		call   string
	}{
		{MethodSetChannelProfile, map[string]any{"profile": float64(1)}, nil, "setChannelProfile(1)"},
		{MethodSetClientRole, map[string]any{"role": 2}, nil, "setClientRole(2)"},
		{MethodJoinChannel, map[string]any{"token": "t", "channelId": "room", "info": "i", "uid": float64(7)}, true, `joinChannel("t","room","i",7)`},
		{MethodJoinChannel, map[string]any{"channelId": "room", "uid": 0, "token": nil}, true, `joinChannel("","room","",0)`},
		{MethodLeaveChannel, nil, true, "leaveChannel()"},
		{MethodEnableAudio, nil, nil, "enableAudio()"},
		{MethodDisableAudio, nil, nil, "disableAudio()"},
		{MethodMuteLocalAudioStream, map[string]any{"muted": true}, nil, "muteLocalAudioStream(true)"},
		{MethodMuteAllRemoteAudioStreams, map[string]any{"muted": false}, nil, "muteAllRemoteAudioStreams(false)"},
		{MethodEnableVideo, nil, nil, "enableVideo()"},
		{MethodDisableVideo, nil, nil, "disableVideo()"},
		{MethodStartPreview, nil, nil, "startPreview()"},
		{MethodStopPreview, nil, nil, "stopPreview()"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			e := h.engine()
			before := len(e.Calls())
			res := h.call(t, tt.method, tt.args)
			assert.Equal(t, tt.result, res)
			calls := e.Calls()
			require.Len(t, calls, before+1)
			assert.Equal(t, tt.call, calls[before])
		})
	}
}

func TestJoinThenCallbackScenario(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.bus.Subscribe()

	assert.Nil(t, h.call(t, MethodCreate, map[string]any{"appId": "X"}))
	assert.Equal(t, true, h.call(t, MethodJoinChannel, map[string]any{"channelId": "room1", "uid": 42}))

	// the engine reports completion later through the handler bound at create
	h.handlers[0].OnJoinChannelSuccess("room1", 42, 100)

	ev := <-sub
	assert.Equal(t, map[string]any{
		"event":   "onJoinChannelSuccess",
		"channel": "room1",
		"uid":     uint32(42),
		"elapsed": 100,
	}, ev.Payload())
}

func TestCreateDestroyLeavesHandleAbsent(t *testing.T) {
	h := newHarness(t, Options{})
	h.call(t, MethodCreate, map[string]any{"appId": "X"})
	assert.True(t, h.d.Active())
	assert.Nil(t, h.call(t, MethodDestroy, nil))
	assert.False(t, h.d.Active())
	assert.True(t, h.engine().released)

	_, err := h.d.Handle(context.Background(), MethodEnableAudio, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	// destroying twice is harmless
	assert.Nil(t, h.call(t, MethodDestroy, nil))
}

func TestStrictWithoutEngine(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.bus.Subscribe()
	for _, m := range []string{MethodLeaveChannel, MethodEnableVideo, MethodStartPreview, MethodSetupLocalTexture} {
		_, err := h.d.Handle(context.Background(), m, nil)
		assert.ErrorIs(t, err, ErrNotInitialized, m)
		assert.Equal(t, "not_initialized", Code(err))
	}
	assert.Empty(t, sub)
}

func TestLenientWithoutEngine(t *testing.T) {
	h := newHarness(t, Options{Lenient: true})
	sub := h.bus.Subscribe()

	assert.Equal(t, false, h.call(t, MethodLeaveChannel, nil))
	assert.Equal(t, false, h.call(t, MethodJoinChannel, map[string]any{"channelId": "r", "uid": 1}))
	assert.Nil(t, h.call(t, MethodEnableAudio, nil))
	assert.Nil(t, h.call(t, MethodMuteLocalAudioStream, map[string]any{"muted": true}))
	assert.Empty(t, sub)

	// texture registration does not need the engine
	id := h.call(t, MethodSetupLocalTexture, nil)
	assert.Equal(t, int64(1), id)

	h.d.SetLenient(false)
	_, err := h.d.Handle(context.Background(), MethodEnableAudio, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestLeaveReportsEngineStatus(t *testing.T) {
	h := newHarness(t, Options{})
	h.call(t, MethodCreate, map[string]any{"appId": "X"})
	h.engine().leaveErr = errors.New("status -1")
	assert.Equal(t, false, h.call(t, MethodLeaveChannel, nil))

	h.engine().joinErr = errors.New("status -17")
	assert.Equal(t, false, h.call(t, MethodJoinChannel, map[string]any{"channelId": "r", "uid": 1}))
}

func TestCreateReplacesPreviousEngine(t *testing.T) {
	h := newHarness(t, Options{})
	h.call(t, MethodCreate, map[string]any{"appId": "A"})
	h.call(t, MethodCreate, map[string]any{"appId": "B"})
	require.Len(t, h.engines, 2)
	assert.True(t, h.engines[0].released)
	assert.False(t, h.engines[1].released)

	h.call(t, MethodEnableAudio, nil)
	assert.Empty(t, h.engines[0].Calls())
	assert.Equal(t, []string{"enableAudio()"}, h.engines[1].Calls())
}

func TestCreateFactoryError(t *testing.T) {
	boom := errors.New("no licence")
	d := New(zap.NewNop(), func(string, sdk.EngineHandler) (sdk.Engine, error) { return nil, boom },
		nil, texture.NewRegistry(), nil, Options{})
	_, err := d.Handle(context.Background(), MethodCreate, map[string]any{"appId": "X"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "internal", Code(err))
	assert.False(t, d.Active())
}

func TestArgumentValidation(t *testing.T) {
	h := newHarness(t, Options{})
	h.call(t, MethodCreate, map[string]any{"appId": "X"})

	tests := []struct {
		method string
		args   map[string]any
		key    string
	}{
		{MethodCreate, nil, "appId"},
		{MethodCreate, map[string]any{"appId": ""}, "appId"},
		{MethodCreate, map[string]any{"appId": 5}, "appId"},
		{MethodSetChannelProfile, map[string]any{"profile": 9}, "profile"},
		{MethodSetChannelProfile, map[string]any{"profile": "1"}, "profile"},
		{MethodSetClientRole, map[string]any{"role": 0}, "role"},
		{MethodJoinChannel, map[string]any{"uid": 1}, "channelId"},
		{MethodJoinChannel, map[string]any{"channelId": "r"}, "uid"},
		{MethodJoinChannel, map[string]any{"channelId": "r", "uid": 1.5}, "uid"},
		{MethodJoinChannel, map[string]any{"channelId": "r", "uid": -1}, "uid"},
		{MethodJoinChannel, map[string]any{"channelId": "r", "uid": float64(1 << 33)}, "uid"},
		{MethodJoinChannel, map[string]any{"channelId": "r", "uid": 1, "token": 3}, "token"},
		{MethodMuteLocalAudioStream, map[string]any{"muted": "yes"}, "muted"},
		{MethodMuteAllRemoteAudioStreams, nil, "muted"},
		{MethodDisposeLocalTexture, map[string]any{}, "textureId"},
	}
	for _, tt := range tests {
		t.Run(tt.method+"/"+tt.key, func(t *testing.T) {
			before := len(h.engine().Calls())
			_, err := h.d.Handle(context.Background(), tt.method, tt.args)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			var ae *ArgumentError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.key, ae.Key)
			assert.Equal(t, tt.method, ae.Method)
			assert.Len(t, h.engine().Calls(), before)
		})
	}
}

func TestLocalTextureLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.call(t, MethodCreate, map[string]any{"appId": "X"})

	id := h.call(t, MethodSetupLocalTexture, nil).(int64)
	assert.Equal(t, int64(1), id)
	sink, ok := h.textures.Lookup(id)
	require.True(t, ok)
	assert.Same(t, sink, h.engine().renderer)

	_, err := h.d.Handle(context.Background(), MethodDisposeLocalTexture, map[string]any{"textureId": 99})
	assert.ErrorIs(t, err, ErrUnknownTexture)
	assert.Equal(t, "unknown_texture", Code(err))

	assert.Nil(t, h.call(t, MethodDisposeLocalTexture, map[string]any{"textureId": float64(id)}))
	assert.Nil(t, h.engine().renderer)
	_, ok = h.textures.Lookup(id)
	assert.False(t, ok)
}

func TestSetupLocalTextureReplacesPrevious(t *testing.T) {
	h := newHarness(t, Options{})
	h.call(t, MethodCreate, map[string]any{"appId": "X"})
	first := h.call(t, MethodSetupLocalTexture, nil).(int64)
	second := h.call(t, MethodSetupLocalTexture, nil).(int64)
	assert.NotEqual(t, first, second)
	_, ok := h.textures.Lookup(first)
	assert.False(t, ok)
}

func TestRequestAVPermissions(t *testing.T) {
	h := newHarness(t, Options{})
	// works before create: it does not touch the engine
	assert.Equal(t, true, h.call(t, MethodRequestAVPermissions, nil))

	gate, err := permissions.FromPolicy(permissions.PolicyDenied)
	require.NoError(t, err)
	d := New(zap.NewNop(), nil, nil, texture.NewRegistry(), gate, Options{})
	res, err := d.Handle(context.Background(), MethodRequestAVPermissions, nil)
	require.NoError(t, err)
	assert.Equal(t, false, res)
}

func TestRequestAVPermissionsCanceled(t *testing.T) {
	gate := permissions.NewGate(func(ctx context.Context, _ permissions.Kind) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	d := New(zap.NewNop(), nil, nil, texture.NewRegistry(), gate, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Handle(ctx, MethodRequestAVPermissions, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", Code(err))
}

func TestClose(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.d.Close())
	h.call(t, MethodCreate, map[string]any{"appId": "X"})
	require.NoError(t, h.d.Close())
	assert.True(t, h.engine().released)
	assert.False(t, h.d.Active())
}
