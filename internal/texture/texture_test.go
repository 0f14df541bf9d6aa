package texture

import (
	"testing"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIDsAreMonotonic(t *testing.T) {
	r := NewRegistry()
	a := r.Register(NewLocalRender())
	b := r.Register(NewLocalRender())
	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)

	require.NoError(t, r.Unregister(a))
	c := r.Register(NewLocalRender())
	assert.Equal(t, int64(3), c)
}

func TestRegistryUnregisterUnknown(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Unregister(7), ErrUnknownTexture)

	id := r.Register(NewLocalRender())
	require.NoError(t, r.Unregister(id))
	assert.ErrorIs(t, r.Unregister(id), ErrUnknownTexture)
	_, ok := r.Lookup(id)
	assert.False(t, ok)
}

func TestLocalRenderCopiesFrame(t *testing.T) {
	l := NewLocalRender()
	_, ok := l.Frame()
	assert.False(t, ok)

	y := []byte{1, 2, 3, 4}
	l.RenderFrame(sdk.VideoFrame{Width: 2, Height: 2, Y: y, U: []byte{5}, V: []byte{6}, TimestampUs: 99})
	y[0] = 42

	f, ok := l.Frame()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Y)
	assert.Equal(t, Snapshot{Width: 2, Height: 2, Frames: 1, TimestampUs: 99}, l.Snapshot())
}
