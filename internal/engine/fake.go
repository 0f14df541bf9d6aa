package engine

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

var (
	ErrReleased         = errors.New("engine released")
	ErrInvalidChannel   = errors.New("invalid channel id")
	ErrAlreadyInChannel = errors.New("already in a channel")
)

// FakeOptions controls the simulated engine.
type FakeOptions struct {
	JoinDelay     time.Duration
	StatsInterval time.Duration
	FrameInterval time.Duration
	// RemoteUsers join right after the local user does.
	RemoteUsers []uint32
}

func (o *FakeOptions) withDefaults() {
	if o.JoinDelay <= 0 {
		o.JoinDelay = 50 * time.Millisecond
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 2 * time.Second
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = 100 * time.Millisecond
	}
}

// NewFakeFactory returns an in-process engine that simulates channel
// membership, periodic stats and a synthetic local preview.
func NewFakeFactory(opts FakeOptions) sdk.EngineFactory {
	opts.withDefaults()
	return func(appID string, h sdk.EngineHandler) (sdk.Engine, error) {
		if appID == "" {
			return nil, errors.New("fake engine: empty app id")
		}
		e := &FakeEngine{
			opts:      opts,
			appID:     appID,
			h:         h,
			callbacks: make(chan func(), 64),
			done:      make(chan struct{}),
			audio:     true,
		}
		go e.deliver()
		return e, nil
	}
}

// FakeEngine is exported so tests can inspect its state.
type FakeEngine struct {
	opts  FakeOptions
	appID string
	h     sdk.EngineHandler

	// callbacks run one at a time, in order, on the delivery goroutine.
	callbacks chan func()
	done      chan struct{}

	mu          sync.Mutex
	released    bool
	profile     sdk.ChannelProfile
	role        sdk.ClientRole
	audio       bool
	video       bool
	localMuted  bool
	remoteMuted bool
	preview     bool
	renderer    sdk.VideoSink
	channel     string
	uid         uint32
	joinedAt    time.Time
	stats       sdk.ChannelStats
	remotes     map[uint32]bool
	stopSession chan struct{}
	stopPreview chan struct{}
}

func (e *FakeEngine) deliver() {
	for {
		select {
		case fn := <-e.callbacks:
			fn()
		case <-e.done:
			return
		}
	}
}

func (e *FakeEngine) emit(fn func()) {
	select {
	case e.callbacks <- fn:
	case <-e.done:
	}
}

func (e *FakeEngine) AppID() string { return e.appID }

// FakeState is a point-in-time view of the simulated engine.
type FakeState struct {
	Released    bool
	Profile     sdk.ChannelProfile
	Role        sdk.ClientRole
	Audio       bool
	Video       bool
	LocalMuted  bool
	RemoteMuted bool
	Preview     bool
	Channel     string
	UID         uint32
}

func (e *FakeEngine) State() FakeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return FakeState{
		Released:    e.released,
		Profile:     e.profile,
		Role:        e.role,
		Audio:       e.audio,
		Video:       e.video,
		LocalMuted:  e.localMuted,
		RemoteMuted: e.remoteMuted,
		Preview:     e.preview,
		Channel:     e.channel,
		UID:         e.uid,
	}
}

func (e *FakeEngine) update(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	fn()
	return nil
}

func (e *FakeEngine) SetChannelProfile(p sdk.ChannelProfile) error {
	return e.update(func() { e.profile = p })
}

func (e *FakeEngine) SetClientRole(r sdk.ClientRole) error {
	return e.update(func() { e.role = r })
}

func (e *FakeEngine) JoinChannel(token, channelID, info string, uid uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	if channelID == "" {
		return ErrInvalidChannel
	}
	if e.channel != "" {
		return ErrAlreadyInChannel
	}
	if uid == 0 {
		uid = uint32(rand.Int63n(1<<31-1)) + 1
	}
	e.channel, e.uid = channelID, uid
	e.joinedAt = time.Now()
	e.stats = sdk.ChannelStats{}
	e.remotes = make(map[uint32]bool)
	e.stopSession = make(chan struct{})
	go e.session(channelID, uid, e.joinedAt, e.stopSession)
	return nil
}

func (e *FakeEngine) session(channel string, uid uint32, joinedAt time.Time, stop chan struct{}) {
	select {
	case <-time.After(e.opts.JoinDelay):
	case <-stop:
		return
	}
	elapsed := int(time.Since(joinedAt).Milliseconds())
	e.emit(func() { e.h.OnJoinChannelSuccess(channel, uid, elapsed) })

	for _, r := range e.opts.RemoteUsers {
		e.mu.Lock()
		if e.stopSession != stop || e.channel == "" {
			e.mu.Unlock()
			return
		}
		e.remotes[r] = true
		e.mu.Unlock()
		remote := r
		since := int(time.Since(joinedAt).Milliseconds())
		e.emit(func() { e.h.OnUserJoined(remote, since) })
	}

	t := time.NewTicker(e.opts.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			stats, remotes, ok := e.tick(stop)
			if !ok {
				return
			}
			e.emit(func() { e.h.OnRtcStats(stats) })
			for _, r := range remotes {
				rs := sdk.RemoteAudioStats{
					UID:                   r,
					Quality:               1,
					NetworkTransportDelay: 20,
					JitterBufferDelay:     40,
					NumChannels:           1,
					ReceivedSampleRate:    48000,
					ReceivedBitrate:       48,
				}
				e.emit(func() { e.h.OnRemoteAudioStats(rs) })
			}
		}
	}
}

// tick advances the session counters by one stats interval. It reports false
// once the session identified by stop has ended.
func (e *FakeEngine) tick(stop chan struct{}) (sdk.ChannelStats, []uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopSession != stop || e.channel == "" {
		return sdk.ChannelStats{}, nil, false
	}
	secs := e.opts.StatsInterval.Seconds()
	s := &e.stats

	s.TxAudioKBitrate, s.TxVideoKBitrate = 0, 0
	if e.audio && !e.localMuted {
		s.TxAudioKBitrate = 48
	}
	if e.video {
		s.TxVideoKBitrate = 500
	}
	remotes := make([]uint32, 0, len(e.remotes))
	for r := range e.remotes {
		remotes = append(remotes, r)
	}
	s.RxAudioKBitrate, s.RxVideoKBitrate = 0, 0
	if e.audio && !e.remoteMuted {
		s.RxAudioKBitrate = 48 * len(remotes)
	}
	if e.video {
		s.RxVideoKBitrate = 500 * len(remotes)
	}
	s.TxKBitrate = s.TxAudioKBitrate + s.TxVideoKBitrate
	s.RxKBitrate = s.RxAudioKBitrate + s.RxVideoKBitrate
	s.TxAudioBytes += uint64(float64(s.TxAudioKBitrate) * 125 * secs)
	s.TxVideoBytes += uint64(float64(s.TxVideoKBitrate) * 125 * secs)
	s.RxAudioBytes += uint64(float64(s.RxAudioKBitrate) * 125 * secs)
	s.RxVideoBytes += uint64(float64(s.RxVideoKBitrate) * 125 * secs)
	s.TxBytes = s.TxAudioBytes + s.TxVideoBytes
	s.RxBytes = s.RxAudioBytes + s.RxVideoBytes
	s.Duration = uint32(time.Since(e.joinedAt).Seconds())
	s.LastmileDelay = 15
	s.UserCount = uint32(len(remotes) + 1)
	s.CPUAppUsage = 0.05
	s.CPUTotalUsage = 0.2
	return *s, remotes, true
}

func (e *FakeEngine) LeaveChannel() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrReleased
	}
	if e.channel == "" {
		e.mu.Unlock()
		return nil
	}
	close(e.stopSession)
	stats := e.stats
	stats.Duration = uint32(time.Since(e.joinedAt).Seconds())
	e.channel, e.uid, e.remotes = "", 0, nil
	e.mu.Unlock()

	e.emit(func() { e.h.OnLeaveChannel(stats) })
	return nil
}

// DropRemoteUser simulates a remote user leaving the channel.
func (e *FakeEngine) DropRemoteUser(uid uint32, reason sdk.UserOfflineReason) bool {
	e.mu.Lock()
	ok := e.remotes[uid]
	delete(e.remotes, uid)
	e.mu.Unlock()
	if ok {
		e.emit(func() { e.h.OnUserOffline(uid, reason) })
	}
	return ok
}

func (e *FakeEngine) EnableAudio() error  { return e.update(func() { e.audio = true }) }
func (e *FakeEngine) DisableAudio() error { return e.update(func() { e.audio = false }) }
func (e *FakeEngine) EnableVideo() error  { return e.update(func() { e.video = true }) }
func (e *FakeEngine) DisableVideo() error { return e.update(func() { e.video = false }) }

func (e *FakeEngine) MuteLocalAudioStream(muted bool) error {
	return e.update(func() { e.localMuted = muted })
}

func (e *FakeEngine) MuteAllRemoteAudioStreams(muted bool) error {
	return e.update(func() { e.remoteMuted = muted })
}

func (e *FakeEngine) SetLocalVideoRenderer(sink sdk.VideoSink) error {
	return e.update(func() { e.renderer = sink })
}

func (e *FakeEngine) StartPreview() error {
	return e.update(func() {
		if e.preview {
			return
		}
		e.preview = true
		e.stopPreview = make(chan struct{})
		go e.capture(e.stopPreview)
	})
}

func (e *FakeEngine) StopPreview() error {
	return e.update(e.haltPreview)
}

func (e *FakeEngine) haltPreview() {
	if e.preview {
		close(e.stopPreview)
		e.preview = false
	}
}

const (
	fakeFrameWidth  = 320
	fakeFrameHeight = 240
)

// capture renders a gray I420 frame into the local renderer on every tick.
func (e *FakeEngine) capture(stop chan struct{}) {
	y := make([]byte, fakeFrameWidth*fakeFrameHeight)
	uv := make([]byte, (fakeFrameWidth/2)*(fakeFrameHeight/2))
	for i := range y {
		y[i] = 128
	}
	for i := range uv {
		uv[i] = 128
	}

	t := time.NewTicker(e.opts.FrameInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			e.mu.Lock()
			sink := e.renderer
			e.mu.Unlock()
			if sink == nil {
				continue
			}
			sink.RenderFrame(sdk.VideoFrame{
				Width:       fakeFrameWidth,
				Height:      fakeFrameHeight,
				Y:           y,
				U:           uv,
				V:           uv,
				YStride:     fakeFrameWidth,
				UStride:     fakeFrameWidth / 2,
				VStride:     fakeFrameWidth / 2,
				TimestampUs: now.UnixMicro(),
			})
		}
	}
}

func (e *FakeEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	e.released = true
	if e.channel != "" {
		close(e.stopSession)
		e.channel = ""
	}
	e.haltPreview()
	e.renderer = nil
	close(e.done)
	return nil
}
