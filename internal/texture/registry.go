// Package texture tracks the render targets handed out to the host.
package texture

import (
	"errors"
	"sync"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

var ErrUnknownTexture = errors.New("unknown texture")

// Registry assigns ids to video sinks. Ids start at 1 and are never reused.
type Registry struct {
	mu    sync.Mutex
	next  int64
	sinks map[int64]sdk.VideoSink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[int64]sdk.VideoSink)}
}

func (r *Registry) Register(sink sdk.VideoSink) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.sinks[r.next] = sink
	return r.next
}

func (r *Registry) Unregister(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[id]; !ok {
		return ErrUnknownTexture
	}
	delete(r.sinks, id)
	return nil
}

func (r *Registry) Lookup(id int64) (sdk.VideoSink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[id]
	return s, ok
}
