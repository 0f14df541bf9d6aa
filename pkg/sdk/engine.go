package sdk

// ChannelProfile selects how the engine optimises a channel.
type ChannelProfile int

const (
	ChannelProfileCommunication    ChannelProfile = 0
	ChannelProfileLiveBroadcasting ChannelProfile = 1
	ChannelProfileGame             ChannelProfile = 2
)

func (p ChannelProfile) Valid() bool {
	return p >= ChannelProfileCommunication && p <= ChannelProfileGame
}

// ClientRole is the user role in a live broadcasting channel.
type ClientRole int

const (
	ClientRoleBroadcaster ClientRole = 1
	ClientRoleAudience    ClientRole = 2
)

func (r ClientRole) Valid() bool {
	return r == ClientRoleBroadcaster || r == ClientRoleAudience
}

// UserOfflineReason explains an onUserOffline callback.
type UserOfflineReason int

const (
	UserOfflineQuit           UserOfflineReason = 0
	UserOfflineDropped        UserOfflineReason = 1
	UserOfflineBecomeAudience UserOfflineReason = 2
)

func (r UserOfflineReason) Valid() bool {
	return r >= UserOfflineQuit && r <= UserOfflineBecomeAudience
}

// ChannelStats is reported on leave and periodically while in a channel.
type ChannelStats struct {
	Duration         uint32
	TxBytes          uint64
	RxBytes          uint64
	TxAudioBytes     uint64
	TxVideoBytes     uint64
	RxAudioBytes     uint64
	RxVideoBytes     uint64
	TxKBitrate       int
	RxKBitrate       int
	TxAudioKBitrate  int
	RxAudioKBitrate  int
	TxVideoKBitrate  int
	RxVideoKBitrate  int
	LastmileDelay    int
	TxPacketLossRate int
	RxPacketLossRate int
	UserCount        uint32
	CPUAppUsage      float64
	CPUTotalUsage    float64
}

// Map returns the stats under the keys the host expects.
func (s ChannelStats) Map() map[string]any {
	return map[string]any{
		"totalDuration":    s.Duration,
		"txBytes":          s.TxBytes,
		"rxBytes":          s.RxBytes,
		"txAudioBytes":     s.TxAudioBytes,
		"txVideoBytes":     s.TxVideoBytes,
		"rxAudioBytes":     s.RxAudioBytes,
		"rxVideoBytes":     s.RxVideoBytes,
		"txKBitrate":       s.TxKBitrate,
		"rxKBitrate":       s.RxKBitrate,
		"txAudioKBitrate":  s.TxAudioKBitrate,
		"rxAudioKBitrate":  s.RxAudioKBitrate,
		"txVideoKBitrate":  s.TxVideoKBitrate,
		"rxVideoKBitrate":  s.RxVideoKBitrate,
		"lastmileDelay":    s.LastmileDelay,
		"txPacketLossRate": s.TxPacketLossRate,
		"rxPacketLossRate": s.RxPacketLossRate,
		"users":            s.UserCount,
		"cpuAppUsage":      s.CPUAppUsage,
		"cpuTotalUsage":    s.CPUTotalUsage,
	}
}

// RemoteAudioStats describes the audio received from one remote user.
type RemoteAudioStats struct {
	UID                   uint32
	Quality               int
	NetworkTransportDelay int
	JitterBufferDelay     int
	AudioLossRate         int
	NumChannels           int
	ReceivedSampleRate    int
	ReceivedBitrate       int
	TotalFrozenTime       int
	FrozenRate            int
}

func (s RemoteAudioStats) Map() map[string]any {
	return map[string]any{
		"uid":                   s.UID,
		"quality":               s.Quality,
		"networkTransportDelay": s.NetworkTransportDelay,
		"jitterBufferDelay":     s.JitterBufferDelay,
		"audioLossRate":         s.AudioLossRate,
		"numChannels":           s.NumChannels,
		"receivedSampleRate":    s.ReceivedSampleRate,
		"receivedBitrate":       s.ReceivedBitrate,
		"totalFrozenTime":       s.TotalFrozenTime,
		"frozenRate":            s.FrozenRate,
	}
}

// VideoFrame is an I420 frame handed to a VideoSink. Planes are only valid for
// the duration of RenderFrame.
type VideoFrame struct {
	Width, Height             int
	Y, U, V                   []byte
	YStride, UStride, VStride int
	TimestampUs               int64
}

// VideoSink receives locally captured frames from the engine.
type VideoSink interface {
	RenderFrame(f VideoFrame)
}

// EngineHandler receives engine callbacks. Callbacks may arrive on any goroutine.
type EngineHandler interface {
	OnJoinChannelSuccess(channel string, uid uint32, elapsed int)
	OnLeaveChannel(stats ChannelStats)
	OnUserJoined(uid uint32, elapsed int)
	OnUserOffline(uid uint32, reason UserOfflineReason)
	OnRtcStats(stats ChannelStats)
	OnRemoteAudioStats(stats RemoteAudioStats)
}

// Engine is a live handle on an RTC engine instance.
type Engine interface {
	SetChannelProfile(p ChannelProfile) error
	SetClientRole(r ClientRole) error
	// JoinChannel only starts the join; completion is reported through
	// EngineHandler.OnJoinChannelSuccess.
	JoinChannel(token, channelID, info string, uid uint32) error
	LeaveChannel() error
	EnableAudio() error
	DisableAudio() error
	MuteLocalAudioStream(muted bool) error
	MuteAllRemoteAudioStreams(muted bool) error
	EnableVideo() error
	DisableVideo() error
	StartPreview() error
	StopPreview() error
	// SetLocalVideoRenderer attaches sink to the local preview; nil detaches.
	SetLocalVideoRenderer(sink VideoSink) error
	Release() error
}

// EngineFactory creates an engine bound to appID that reports to h.
type EngineFactory func(appID string, h EngineHandler) (Engine, error)
