package gen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 0, Clamp(-5, 0, 10))
	require.Equal(t, 10, Clamp(15, 0, 10))
	require.Equal(t, 7, Clamp(7, 0, 10))
	require.Equal(t, float32(2.5), Abs(float32(-2.5)))
}

func TestChannels(t *testing.T) {
	ch := make(chan int, 2)
	require.True(t, SendWithTimeout(ch, 1, time.Millisecond))
	require.True(t, SendWithTimeout(ch, 2, time.Millisecond))
	require.False(t, SendWithTimeout(ch, 3, time.Millisecond))
	require.Equal(t, []int{1, 2}, DrainChannelIntoSlice(ch))
	require.Empty(t, DrainChannelIntoSlice(ch))
}
