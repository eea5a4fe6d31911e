package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allnetproject/allnet/internal/pipemsg"
)

func TestIdleSourceGetsHighPriority(t *testing.T) {
	tr := New(time.Second)
	src := [8]byte{0xAB}
	p := tr.Observe(src, 8, 100)
	require.Greater(t, p, pipemsg.MaxPriority/2)
}

func TestBandwidthHogGetsLowerPriority(t *testing.T) {
	tr := New(2 * time.Second)
	src := [8]byte{0xCD}

	var last uint32
	for i := 0; i < 200; i++ {
		last = tr.Observe(src, 8, 5000)
	}
	require.Less(t, last, pipemsg.MaxPriority/2)
}

func TestDistinctSourcesTrackedIndependently(t *testing.T) {
	tr := New(time.Second)
	a := [8]byte{0x01}
	b := [8]byte{0x02}

	for i := 0; i < 50; i++ {
		tr.Observe(a, 8, 10000)
	}
	pb := tr.Observe(b, 8, 10)
	require.Greater(t, pb, pipemsg.MaxPriority/2)
}

func TestLargestRateUsedWhenSenderUnknown(t *testing.T) {
	tr := New(time.Second)
	require.Equal(t, pipemsg.MaxPriority, tr.LargestRate())

	tr.Observe([8]byte{0xFF}, 8, 50000)
	require.LessOrEqual(t, tr.LargestRate(), pipemsg.MaxPriority)
}
