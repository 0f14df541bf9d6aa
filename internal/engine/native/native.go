//go:build darwin || linux

package native

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// shimChannelStats matches ShimChannelStats in rtc_engine_shim.h.
type shimChannelStats struct {
	TxBytes          uint64
	RxBytes          uint64
	TxAudioBytes     uint64
	TxVideoBytes     uint64
	RxAudioBytes     uint64
	RxVideoBytes     uint64
	CPUAppUsage      float64
	CPUTotalUsage    float64
	Duration         uint32
	TxKBitrate       int32
	RxKBitrate       int32
	TxAudioKBitrate  int32
	RxAudioKBitrate  int32
	TxVideoKBitrate  int32
	RxVideoKBitrate  int32
	LastmileDelay    int32
	TxPacketLossRate int32
	RxPacketLossRate int32
	UserCount        uint32
}

func (s *shimChannelStats) toSDK() sdk.ChannelStats {
	return sdk.ChannelStats{
		Duration:         s.Duration,
		TxBytes:          s.TxBytes,
		RxBytes:          s.RxBytes,
		TxAudioBytes:     s.TxAudioBytes,
		TxVideoBytes:     s.TxVideoBytes,
		RxAudioBytes:     s.RxAudioBytes,
		RxVideoBytes:     s.RxVideoBytes,
		TxKBitrate:       int(s.TxKBitrate),
		RxKBitrate:       int(s.RxKBitrate),
		TxAudioKBitrate:  int(s.TxAudioKBitrate),
		RxAudioKBitrate:  int(s.RxAudioKBitrate),
		TxVideoKBitrate:  int(s.TxVideoKBitrate),
		RxVideoKBitrate:  int(s.RxVideoKBitrate),
		LastmileDelay:    int(s.LastmileDelay),
		TxPacketLossRate: int(s.TxPacketLossRate),
		RxPacketLossRate: int(s.RxPacketLossRate),
		UserCount:        s.UserCount,
		CPUAppUsage:      s.CPUAppUsage,
		CPUTotalUsage:    s.CPUTotalUsage,
	}
}

// shimRemoteAudioStats matches ShimRemoteAudioStats in rtc_engine_shim.h.
type shimRemoteAudioStats struct {
	UID                   uint32
	Quality               int32
	NetworkTransportDelay int32
	JitterBufferDelay     int32
	AudioLossRate         int32
	NumChannels           int32
	ReceivedSampleRate    int32
	ReceivedBitrate       int32
	TotalFrozenTime       int32
	FrozenRate            int32
}

func (s *shimRemoteAudioStats) toSDK() sdk.RemoteAudioStats {
	return sdk.RemoteAudioStats{
		UID:                   s.UID,
		Quality:               int(s.Quality),
		NetworkTransportDelay: int(s.NetworkTransportDelay),
		JitterBufferDelay:     int(s.JitterBufferDelay),
		AudioLossRate:         int(s.AudioLossRate),
		NumChannels:           int(s.NumChannels),
		ReceivedSampleRate:    int(s.ReceivedSampleRate),
		ReceivedBitrate:       int(s.ReceivedBitrate),
		TotalFrozenTime:       int(s.TotalFrozenTime),
		FrozenRate:            int(s.FrozenRate),
	}
}

// shimEventHandler matches ShimEventHandler: one C function pointer per callback.
type shimEventHandler struct {
	OnJoinChannelSuccess uintptr
	OnLeaveChannel       uintptr
	OnUserJoined         uintptr
	OnUserOffline        uintptr
	OnRtcStats           uintptr
	OnRemoteAudioStats   uintptr
}

// librtc_engine_shim function pointers
var (
	shimVersion                   func() string
	shimEngineCreate              func(appID string, handler *shimEventHandler, ctx uintptr, outEngine *uintptr) int32
	shimEngineRelease             func(engine uintptr)
	shimSetChannelProfile         func(engine uintptr, profile int32) int32
	shimSetClientRole             func(engine uintptr, role int32) int32
	shimJoinChannel               func(engine uintptr, token, channelID, info string, uid uint32) int32
	shimLeaveChannel              func(engine uintptr) int32
	shimEnableAudio               func(engine uintptr) int32
	shimDisableAudio              func(engine uintptr) int32
	shimEnableVideo               func(engine uintptr) int32
	shimDisableVideo              func(engine uintptr) int32
	shimMuteLocalAudioStream      func(engine uintptr, muted int32) int32
	shimMuteAllRemoteAudioStreams func(engine uintptr, muted int32) int32
	shimStartPreview              func(engine uintptr) int32
	shimStopPreview               func(engine uintptr) int32
	shimSetLocalVideoRenderer     func(engine uintptr, cb uintptr, ctx uintptr) int32
)

var (
	loadOnce sync.Once
	loadErr  error
	libPath  string

	// purego callbacks are never freed; create them once.
	handlerTable   shimEventHandler
	videoFramePtr  uintptr
	callbacksReady sync.Once
)

// Engine contexts handed to C, keyed by an opaque counter.
var (
	enginesMu sync.RWMutex
	engines   = make(map[uintptr]*Engine)
	nextCtx   uintptr
)

func lookupEngine(ctx uintptr) *Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	return engines[ctx]
}

// safeCallback keeps a panicking handler from unwinding through C frames.
func safeCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[rtcbridge] panic recovered in engine callback: %v", r)
		}
	}()
	fn()
}

func load(opts Options) error {
	loadOnce.Do(func() {
		loadErr = loadLibrary(opts)
	})
	return loadErr
}

func loadLibrary(opts Options) error {
	var lastErr error
	for _, p := range searchPaths(opts) {
		handle, err := purego.Dlopen(p, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := registerFunctions(handle); err != nil {
			_ = purego.Dlclose(handle)
			lastErr = err
			continue
		}
		libPath = p
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrLibraryNotFound, lastErr)
	}
	return ErrLibraryNotFound
}

func searchPaths(opts Options) []string {
	name := libraryNameFor(runtime.GOOS)
	platformDir := fmt.Sprintf("%s_%s", runtime.GOOS, runtime.GOARCH)

	var paths []string
	if opts.LibraryPath != "" {
		paths = append(paths, opts.LibraryPath)
	}
	if env := os.Getenv(LibraryEnv); env != "" {
		paths = append(paths, env)
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(dir, name),
			filepath.Join(dir, "lib", platformDir, name),
			filepath.Join(dir, "..", "lib", name),
		)
	}
	// bare name lets the dynamic loader search its own paths
	return append(paths, name)
}

// registerFunctions binds every shim symbol. RegisterLibFunc panics on a
// missing symbol; that is reported as an error for the candidate path.
func registerFunctions(h uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind rtc engine shim: %v", r)
		}
	}()
	purego.RegisterLibFunc(&shimVersion, h, "rtc_shim_version")
	purego.RegisterLibFunc(&shimEngineCreate, h, "rtc_engine_create")
	purego.RegisterLibFunc(&shimEngineRelease, h, "rtc_engine_release")
	purego.RegisterLibFunc(&shimSetChannelProfile, h, "rtc_engine_set_channel_profile")
	purego.RegisterLibFunc(&shimSetClientRole, h, "rtc_engine_set_client_role")
	purego.RegisterLibFunc(&shimJoinChannel, h, "rtc_engine_join_channel")
	purego.RegisterLibFunc(&shimLeaveChannel, h, "rtc_engine_leave_channel")
	purego.RegisterLibFunc(&shimEnableAudio, h, "rtc_engine_enable_audio")
	purego.RegisterLibFunc(&shimDisableAudio, h, "rtc_engine_disable_audio")
	purego.RegisterLibFunc(&shimEnableVideo, h, "rtc_engine_enable_video")
	purego.RegisterLibFunc(&shimDisableVideo, h, "rtc_engine_disable_video")
	purego.RegisterLibFunc(&shimMuteLocalAudioStream, h, "rtc_engine_mute_local_audio_stream")
	purego.RegisterLibFunc(&shimMuteAllRemoteAudioStreams, h, "rtc_engine_mute_all_remote_audio_streams")
	purego.RegisterLibFunc(&shimStartPreview, h, "rtc_engine_start_preview")
	purego.RegisterLibFunc(&shimStopPreview, h, "rtc_engine_stop_preview")
	purego.RegisterLibFunc(&shimSetLocalVideoRenderer, h, "rtc_engine_set_local_video_renderer")
	return nil
}

// initCallbacks creates the C entry points shared by every engine.
//
//go:nocheckptr
func initCallbacks() {
	callbacksReady.Do(func() {
		handlerTable.OnJoinChannelSuccess = purego.NewCallback(func(ctx uintptr, channel uintptr, uid uint32, elapsed int32) {
			if e := lookupEngine(ctx); e != nil {
				name := goString(channel)
				safeCallback(func() { e.h.OnJoinChannelSuccess(name, uid, int(elapsed)) })
			}
		})
		handlerTable.OnLeaveChannel = purego.NewCallback(func(ctx uintptr, stats uintptr) {
			if e := lookupEngine(ctx); e != nil && stats != 0 {
				s := (*shimChannelStats)(unsafe.Pointer(stats)).toSDK()
				safeCallback(func() { e.h.OnLeaveChannel(s) })
			}
		})
		handlerTable.OnUserJoined = purego.NewCallback(func(ctx uintptr, uid uint32, elapsed int32) {
			if e := lookupEngine(ctx); e != nil {
				safeCallback(func() { e.h.OnUserJoined(uid, int(elapsed)) })
			}
		})
		handlerTable.OnUserOffline = purego.NewCallback(func(ctx uintptr, uid uint32, reason int32) {
			if e := lookupEngine(ctx); e != nil {
				safeCallback(func() { e.h.OnUserOffline(uid, sdk.UserOfflineReason(reason)) })
			}
		})
		handlerTable.OnRtcStats = purego.NewCallback(func(ctx uintptr, stats uintptr) {
			if e := lookupEngine(ctx); e != nil && stats != 0 {
				s := (*shimChannelStats)(unsafe.Pointer(stats)).toSDK()
				safeCallback(func() { e.h.OnRtcStats(s) })
			}
		})
		handlerTable.OnRemoteAudioStats = purego.NewCallback(func(ctx uintptr, stats uintptr) {
			if e := lookupEngine(ctx); e != nil && stats != 0 {
				s := (*shimRemoteAudioStats)(unsafe.Pointer(stats)).toSDK()
				safeCallback(func() { e.h.OnRemoteAudioStats(s) })
			}
		})
		// Signature: void(ctx, width, height, y, u, v, y_stride, u_stride, v_stride, timestamp_us)
		videoFramePtr = purego.NewCallback(func(ctx uintptr, width, height int32, yPlane, uPlane, vPlane uintptr, yStride, uStride, vStride int32, timestampUs int64) {
			e := lookupEngine(ctx)
			if e == nil {
				return
			}
			if width <= 0 || height <= 0 || width > 8192 || height > 8192 {
				return
			}
			if yStride <= 0 || uStride <= 0 || vStride <= 0 {
				return
			}
			e.mu.Lock()
			sink := e.renderer
			e.mu.Unlock()
			if sink == nil {
				return
			}
			chromaH := int((height + 1) / 2)
			f := sdk.VideoFrame{
				Width:       int(width),
				Height:      int(height),
				Y:           unsafe.Slice((*byte)(unsafe.Pointer(yPlane)), int(yStride)*int(height)),
				U:           unsafe.Slice((*byte)(unsafe.Pointer(uPlane)), int(uStride)*chromaH),
				V:           unsafe.Slice((*byte)(unsafe.Pointer(vPlane)), int(vStride)*chromaH),
				YStride:     int(yStride),
				UStride:     int(uStride),
				VStride:     int(vStride),
				TimestampUs: timestampUs,
			}
			safeCallback(func() { sink.RenderFrame(f) })
		})
	})
}

// goString copies a NUL-terminated C string.
//
//go:nocheckptr
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// NewFactory returns a factory that loads the shim on first use.
func NewFactory(opts Options) sdk.EngineFactory {
	return func(appID string, h sdk.EngineHandler) (sdk.Engine, error) {
		if err := load(opts); err != nil {
			return nil, err
		}
		initCallbacks()

		e := &Engine{h: h}
		enginesMu.Lock()
		nextCtx++
		e.ctx = nextCtx
		engines[e.ctx] = e
		enginesMu.Unlock()

		var ptr uintptr
		if err := statusErr("create", shimEngineCreate(appID, &handlerTable, e.ctx, &ptr)); err != nil {
			e.forget()
			return nil, err
		}
		if ptr == 0 {
			e.forget()
			return nil, &StatusError{Op: "create", Code: statusFailed}
		}
		e.ptr = ptr
		return e, nil
	}
}

// Version reports the loaded shim's version string, or "" before loading.
func Version() string {
	if shimVersion == nil {
		return ""
	}
	return shimVersion()
}

// LibraryPath is the path the shim was loaded from.
func LibraryPath() string { return libPath }

// Engine wraps one native engine instance.
type Engine struct {
	ptr uintptr
	ctx uintptr
	h   sdk.EngineHandler

	mu       sync.Mutex
	renderer sdk.VideoSink
	released bool
}

var _ sdk.Engine = (*Engine)(nil)

func (e *Engine) forget() {
	enginesMu.Lock()
	delete(engines, e.ctx)
	enginesMu.Unlock()
}

func (e *Engine) call(op string, fn func(ptr uintptr) int32) error {
	e.mu.Lock()
	released := e.released
	e.mu.Unlock()
	if released {
		return ErrReleased
	}
	return statusErr(op, fn(e.ptr))
}

func boolArg(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) SetChannelProfile(p sdk.ChannelProfile) error {
	return e.call("setChannelProfile", func(ptr uintptr) int32 { return shimSetChannelProfile(ptr, int32(p)) })
}

func (e *Engine) SetClientRole(r sdk.ClientRole) error {
	return e.call("setClientRole", func(ptr uintptr) int32 { return shimSetClientRole(ptr, int32(r)) })
}

func (e *Engine) JoinChannel(token, channelID, info string, uid uint32) error {
	return e.call("joinChannel", func(ptr uintptr) int32 { return shimJoinChannel(ptr, token, channelID, info, uid) })
}

func (e *Engine) LeaveChannel() error {
	return e.call("leaveChannel", shimLeaveChannel)
}

func (e *Engine) EnableAudio() error  { return e.call("enableAudio", shimEnableAudio) }
func (e *Engine) DisableAudio() error { return e.call("disableAudio", shimDisableAudio) }
func (e *Engine) EnableVideo() error  { return e.call("enableVideo", shimEnableVideo) }
func (e *Engine) DisableVideo() error { return e.call("disableVideo", shimDisableVideo) }
func (e *Engine) StartPreview() error { return e.call("startPreview", shimStartPreview) }
func (e *Engine) StopPreview() error  { return e.call("stopPreview", shimStopPreview) }

func (e *Engine) MuteLocalAudioStream(muted bool) error {
	return e.call("muteLocalAudioStream", func(ptr uintptr) int32 { return shimMuteLocalAudioStream(ptr, boolArg(muted)) })
}

func (e *Engine) MuteAllRemoteAudioStreams(muted bool) error {
	return e.call("muteAllRemoteAudioStreams", func(ptr uintptr) int32 { return shimMuteAllRemoteAudioStreams(ptr, boolArg(muted)) })
}

func (e *Engine) SetLocalVideoRenderer(sink sdk.VideoSink) error {
	cb := videoFramePtr
	if sink == nil {
		cb = 0
	}
	err := e.call("setLocalVideoRenderer", func(ptr uintptr) int32 { return shimSetLocalVideoRenderer(ptr, cb, e.ctx) })
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.renderer = sink
	e.mu.Unlock()
	return nil
}

// Release destroys the native instance. Callbacks already queued by the
// engine are dropped once the context is forgotten.
func (e *Engine) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.renderer = nil
	e.mu.Unlock()

	shimEngineRelease(e.ptr)
	e.forget()
	return nil
}

func runtimeGOOS() string { return runtime.GOOS }
