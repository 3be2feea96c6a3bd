package clock

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElapsed_Wraparound(t *testing.T) {
	tests := []struct {
		name       string
		now, since uint32
		want       uint32
	}{
		{"plain", 1500, 1000, 500},
		{"zero", 42, 42, 0},
		{"across wrap", 10, math.MaxUint32 - 9, 20},
		{"at wrap", 0, math.MaxUint32, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Elapsed(tt.now, tt.since))
		})
	}
}

func TestSystem_Advances(t *testing.T) {
	c := NewSystem()
	a := c.Millis()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, Elapsed(c.Millis(), a), uint32(4))
}

func TestFake(t *testing.T) {
	f := NewFake(math.MaxUint32 - 1)
	assert.Equal(t, uint32(0), f.Advance(2))
	f.Set(77)
	assert.Equal(t, uint32(77), f.Millis())
}

func TestTicker_FiresPerInterval(t *testing.T) {
	fired := 0
	tk := NewTicker(1000, func() { fired++ })

	tk.Update(5000)
	require.Equal(t, 0, fired, "stopped ticker must not fire")

	tk.Start(0)
	tk.Update(999)
	assert.Equal(t, 0, fired)
	tk.Update(1000)
	assert.Equal(t, 1, fired)
	tk.Update(2000)
	assert.Equal(t, 2, fired)
	assert.Equal(t, uint32(2), tk.Counter())
}

func TestTicker_StallSkipsMissedIntervals(t *testing.T) {
	fired := 0
	tk := NewTicker(1000, func() { fired++ })
	tk.Start(0)

	tk.Update(4500) // loop blocked for several intervals
	assert.Equal(t, 1, fired, "one fire after a stall")
	tk.Update(4505)
	assert.Equal(t, 1, fired, "no back-to-back catch-up")
	tk.Update(5499)
	assert.Equal(t, 1, fired)
	tk.Update(5500)
	assert.Equal(t, 2, fired, "re-armed from the late fire")
}

func TestTicker_StopInsideCallback(t *testing.T) {
	var tk *Ticker
	fired := 0
	tk = NewTicker(100, func() {
		fired++
		tk.Stop()
	})
	tk.Start(0)
	tk.Update(1000)

	assert.Equal(t, 1, fired)
	assert.False(t, tk.Running())
}

func TestTicker_AcrossWrap(t *testing.T) {
	fired := 0
	tk := NewTicker(1000, func() { fired++ })
	start := uint32(math.MaxUint32 - 499)
	tk.Start(start)

	tk.Update(start + 999) // wraps to 499
	assert.Equal(t, 0, fired)
	tk.Update(start + 1000)
	assert.Equal(t, 1, fired)
}

func TestTicker_RestartResetsCounter(t *testing.T) {
	tk := NewTicker(10, nil)
	tk.Start(0)
	for now := uint32(10); now <= 50; now += 10 {
		tk.Update(now)
	}
	require.Equal(t, uint32(5), tk.Counter())

	tk.Start(50)
	assert.Equal(t, uint32(0), tk.Counter())
	assert.True(t, tk.Running())
}
