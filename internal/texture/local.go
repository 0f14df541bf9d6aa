package texture

import (
	"sync"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

// LocalRender keeps the most recent local preview frame.
type LocalRender struct {
	mu     sync.Mutex
	frame  sdk.VideoFrame
	frames uint64
}

var _ sdk.VideoSink = (*LocalRender)(nil)

func NewLocalRender() *LocalRender { return &LocalRender{} }

// RenderFrame copies f; the engine reuses the plane buffers after returning.
func (l *LocalRender) RenderFrame(f sdk.VideoFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := f
	cp.Y = append(l.frame.Y[:0], f.Y...)
	cp.U = append(l.frame.U[:0], f.U...)
	cp.V = append(l.frame.V[:0], f.V...)
	l.frame = cp
	l.frames++
}

type Snapshot struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Frames      uint64 `json:"frames"`
	TimestampUs int64  `json:"timestampUs"`
}

func (l *LocalRender) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Width:       l.frame.Width,
		Height:      l.frame.Height,
		Frames:      l.frames,
		TimestampUs: l.frame.TimestampUs,
	}
}

// Frame returns a copy of the latest frame and whether one has arrived.
func (l *LocalRender) Frame() (sdk.VideoFrame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == 0 {
		return sdk.VideoFrame{}, false
	}
	f := l.frame
	f.Y = append([]byte(nil), l.frame.Y...)
	f.U = append([]byte(nil), l.frame.U...)
	f.V = append([]byte(nil), l.frame.V...)
	return f, true
}
