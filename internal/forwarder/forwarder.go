// Package forwarder turns engine callbacks into message channel events.
package forwarder

import (
	"github.com/EchoPBX/echopbx-rtcbridge/internal/metrics"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
	"go.uber.org/zap"
)

// Event names sent on the message channel.
const (
	EventJoinChannelSuccess = "onJoinChannelSuccess"
	EventLeaveChannel       = "onLeaveChannel"
	EventUserJoined         = "onUserJoined"
	EventUserOffline        = "onUserOffline"
	EventRtcStats           = "onRtcStats"
	EventRemoteAudioStats   = "onRemoteAudioStats"
)

// Forwarder is registered as the engine's handler. Each callback publishes
// exactly one event to the sink.
type Forwarder struct {
	sink sdk.Sink
	log  *zap.Logger
}

var _ sdk.EngineHandler = (*Forwarder)(nil)

func New(sink sdk.Sink, log *zap.Logger) *Forwarder {
	return &Forwarder{sink: sink, log: log}
}

func (f *Forwarder) send(name string, fields map[string]any) {
	ev := sdk.Event{Name: name, Fields: fields}
	f.log.Debug("forward event", zap.String("event", name))
	metrics.EventsForwarded.WithLabelValues(name).Inc()
	f.sink.Publish(ev)
}

func (f *Forwarder) OnJoinChannelSuccess(channel string, uid uint32, elapsed int) {
	f.send(EventJoinChannelSuccess, map[string]any{"channel": channel, "uid": uid, "elapsed": elapsed})
}

func (f *Forwarder) OnLeaveChannel(stats sdk.ChannelStats) {
	f.send(EventLeaveChannel, map[string]any{"stats": stats.Map()})
}

func (f *Forwarder) OnUserJoined(uid uint32, elapsed int) {
	f.send(EventUserJoined, map[string]any{"uid": uid, "elapsed": elapsed})
}

func (f *Forwarder) OnUserOffline(uid uint32, reason sdk.UserOfflineReason) {
	f.send(EventUserOffline, map[string]any{"uid": uid, "reason": int(reason)})
}

func (f *Forwarder) OnRtcStats(stats sdk.ChannelStats) {
	f.send(EventRtcStats, map[string]any{"stats": stats.Map()})
}

func (f *Forwarder) OnRemoteAudioStats(stats sdk.RemoteAudioStats) {
	f.send(EventRemoteAudioStats, map[string]any{"stats": stats.Map()})
}
