package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeHandle は解放順を記録するテスト用ハンドル。
type fakeHandle struct {
	name     string
	order    *[]string
	released bool
}

func (h *fakeHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	*h.order = append(*h.order, h.name)
}

func (h *fakeHandle) Released() bool {
	return h.released
}

func TestScope_ReleaseAllInRegistrationOrder(t *testing.T) {
	var order []string
	s := NewScope("test")

	a := Track(s, &fakeHandle{name: "a", order: &order}, "a")
	b := Track(s, &fakeHandle{name: "b", order: &order}, "b")
	c := Track(s, &fakeHandle{name: "c", order: &order}, "c")
	require.Equal(t, "a", a.name)
	require.Equal(t, 3, s.Len())

	s.Release(b, "b")
	require.Equal(t, []string{"b"}, order)
	require.Equal(t, 2, s.Len())

	s.ReleaseAll()
	require.Equal(t, []string{"b", "a", "c"}, order)
	require.True(t, a.Released())
	require.True(t, c.Released())
	require.Zero(t, s.Len())

	// 2回目は何もしない
	s.ReleaseAll()
	require.Len(t, order, 3)
}

func TestScope_CountsNativeHandles(t *testing.T) {
	c := NewContext(bfvParams())
	s := NewScope("count")

	for i := 0; i < 4; i++ {
		Track(s, newNative(c, i), "n")
	}
	require.Equal(t, Stats{Allocated: 4, Freed: 0}, c.Stats())

	s.ReleaseAll()
	require.Equal(t, Stats{Allocated: 4, Freed: 4}, c.Stats())
	require.Zero(t, c.Stats().Live())
}
