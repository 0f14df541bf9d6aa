package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// Method names accepted on the method channel.
const (
	MethodRequestAVPermissions      = "requestAVPermissions"
	MethodCreate                    = "create"
	MethodDestroy                   = "destroy"
	MethodSetChannelProfile         = "setChannelProfile"
	MethodSetClientRole             = "setClientRole"
	MethodJoinChannel               = "joinChannel"
	MethodLeaveChannel              = "leaveChannel"
	MethodEnableAudio               = "enableAudio"
	MethodDisableAudio              = "disableAudio"
	MethodMuteLocalAudioStream      = "muteLocalAudioStream"
	MethodMuteAllRemoteAudioStreams = "muteAllRemoteAudioStreams"
	MethodEnableVideo               = "enableVideo"
	MethodDisableVideo              = "disableVideo"
	MethodSetupLocalTexture         = "setupLocalTexture"
	MethodDisposeLocalTexture       = "disposeLocalTexture"
	MethodStartPreview              = "startPreview"
	MethodStopPreview               = "stopPreview"
)

// Command is one validated method invocation.
type Command interface {
	Method() string
}

type (
	RequestAVPermissions struct{}
	Create               struct{ AppID string }
	Destroy              struct{}
	SetChannelProfile    struct{ Profile sdk.ChannelProfile }
	SetClientRole        struct{ Role sdk.ClientRole }
	JoinChannel          struct {
		Token     string
		ChannelID string
		Info      string
		UID       uint32
	}
	LeaveChannel              struct{}
	EnableAudio               struct{}
	DisableAudio              struct{}
	MuteLocalAudioStream      struct{ Muted bool }
	MuteAllRemoteAudioStreams struct{ Muted bool }
	EnableVideo               struct{}
	DisableVideo              struct{}
	SetupLocalTexture         struct{}
	DisposeLocalTexture       struct{ TextureID int64 }
	StartPreview              struct{}
	StopPreview               struct{}
)

func (RequestAVPermissions) Method() string      { return MethodRequestAVPermissions }
func (Create) Method() string                    { return MethodCreate }
func (Destroy) Method() string                   { return MethodDestroy }
func (SetChannelProfile) Method() string         { return MethodSetChannelProfile }
func (SetClientRole) Method() string             { return MethodSetClientRole }
func (JoinChannel) Method() string               { return MethodJoinChannel }
func (LeaveChannel) Method() string              { return MethodLeaveChannel }
func (EnableAudio) Method() string               { return MethodEnableAudio }
func (DisableAudio) Method() string              { return MethodDisableAudio }
func (MuteLocalAudioStream) Method() string      { return MethodMuteLocalAudioStream }
func (MuteAllRemoteAudioStreams) Method() string { return MethodMuteAllRemoteAudioStreams }
func (EnableVideo) Method() string               { return MethodEnableVideo }
func (DisableVideo) Method() string              { return MethodDisableVideo }
func (SetupLocalTexture) Method() string         { return MethodSetupLocalTexture }
func (DisposeLocalTexture) Method() string       { return MethodDisposeLocalTexture }
func (StartPreview) Method() string              { return MethodStartPreview }
func (StopPreview) Method() string               { return MethodStopPreview }

var (
	ErrNotImplemented  = errors.New("method not implemented")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ArgumentError reports a missing or mistyped argument.
type ArgumentError struct {
	Method string
	Key    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: argument %q %s", e.Method, e.Key, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return ErrInvalidArgument }

// Parse validates args for method. Unknown methods yield ErrNotImplemented.
func Parse(method string, args map[string]any) (Command, error) {
	a := arguments{method: method, values: args}
	switch method {
	case MethodRequestAVPermissions:
		return RequestAVPermissions{}, nil
	case MethodCreate:
		appID, err := a.str("appId", true)
		if err != nil {
			return nil, err
		}
		if appID == "" {
			return nil, a.fail("appId", "must not be empty")
		}
		return Create{AppID: appID}, nil
	case MethodDestroy:
		return Destroy{}, nil
	case MethodSetChannelProfile:
		n, err := a.integer("profile", math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		p := sdk.ChannelProfile(n)
		if !p.Valid() {
			return nil, a.fail("profile", fmt.Sprintf("unknown channel profile %d", n))
		}
		return SetChannelProfile{Profile: p}, nil
	case MethodSetClientRole:
		n, err := a.integer("role", math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		r := sdk.ClientRole(n)
		if !r.Valid() {
			return nil, a.fail("role", fmt.Sprintf("unknown client role %d", n))
		}
		return SetClientRole{Role: r}, nil
	case MethodJoinChannel:
		token, err := a.str("token", false)
		if err != nil {
			return nil, err
		}
		channelID, err := a.str("channelId", true)
		if err != nil {
			return nil, err
		}
		info, err := a.str("info", false)
		if err != nil {
			return nil, err
		}
		uid, err := a.integer("uid", 0, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		return JoinChannel{Token: token, ChannelID: channelID, Info: info, UID: uint32(uid)}, nil
	case MethodLeaveChannel:
		return LeaveChannel{}, nil
	case MethodEnableAudio:
		return EnableAudio{}, nil
	case MethodDisableAudio:
		return DisableAudio{}, nil
	case MethodMuteLocalAudioStream:
		muted, err := a.boolean("muted")
		if err != nil {
			return nil, err
		}
		return MuteLocalAudioStream{Muted: muted}, nil
	case MethodMuteAllRemoteAudioStreams:
		muted, err := a.boolean("muted")
		if err != nil {
			return nil, err
		}
		return MuteAllRemoteAudioStreams{Muted: muted}, nil
	case MethodEnableVideo:
		return EnableVideo{}, nil
	case MethodDisableVideo:
		return DisableVideo{}, nil
	case MethodSetupLocalTexture:
		return SetupLocalTexture{}, nil
	case MethodDisposeLocalTexture:
		id, err := a.integer("textureId", 0, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		return DisposeLocalTexture{TextureID: id}, nil
	case MethodStartPreview:
		return StartPreview{}, nil
	case MethodStopPreview:
		return StopPreview{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, method)
	}
}

// arguments reads loosely typed values as decoded from JSON or supplied
// in-process.
type arguments struct {
	method string
	values map[string]any
}

func (a arguments) fail(key, reason string) error {
	return &ArgumentError{Method: a.method, Key: key, Reason: reason}
}

// get treats an explicit null the same as an absent key.
func (a arguments) get(key string) (any, bool) {
	v, ok := a.values[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (a arguments) str(key string, required bool) (string, error) {
	v, ok := a.get(key)
	if !ok {
		if required {
			return "", a.fail(key, "is required")
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", a.fail(key, fmt.Sprintf("must be a string, got %T", v))
	}
	return s, nil
}

func (a arguments) boolean(key string) (bool, error) {
	v, ok := a.get(key)
	if !ok {
		return false, a.fail(key, "is required")
	}
	b, ok := v.(bool)
	if !ok {
		return false, a.fail(key, fmt.Sprintf("must be a bool, got %T", v))
	}
	return b, nil
}

func (a arguments) integer(key string, lo, hi int64) (int64, error) {
	v, ok := a.get(key)
	if !ok {
		return 0, a.fail(key, "is required")
	}
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, a.fail(key, fmt.Sprintf("must be an integer, got %v", x))
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, a.fail(key, fmt.Sprintf("must be an integer, got %s", x))
		}
		n = i
	default:
		return 0, a.fail(key, fmt.Sprintf("must be an integer, got %T", v))
	}
	if n < lo || n > hi {
		return 0, a.fail(key, fmt.Sprintf("out of range: %d", n))
	}
	return n, nil
}
