package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneBoundsConcurrency(t *testing.T) {
	lane := NewLane("test", 2)
	defer lane.Stop()

	var running atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := lane.Submit(context.Background(), func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestLaneSubmitHonorsCancellation(t *testing.T) {
	lane := NewLane("busy", 1)
	defer lane.Stop()

	release := make(chan struct{})
	require.NoError(t, lane.Submit(context.Background(), func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lane.Submit(ctx, func() {})
	assert.Error(t, err)

	close(release)
}

func TestLaneStats(t *testing.T) {
	lane := NewLane("stats", 3)
	defer lane.Stop()

	stats := lane.Stats()
	assert.Equal(t, "stats", stats.Name)
	assert.Equal(t, 3, stats.Concurrency)
	assert.Equal(t, 0, stats.Active)
}

func TestLaneManagerFallback(t *testing.T) {
	lm := NewLaneManager(DefaultLanes())
	defer lm.StopAll()

	assert.NotNil(t, lm.Get(LanePlan))
	assert.NotNil(t, lm.Get(LaneCron))

	// Unknown names fall back to the exec lane.
	fallback := lm.Get("mystery")
	require.NotNil(t, fallback)
	assert.Equal(t, LaneExec, fallback.Stats().Name)
}

func TestLaneManagerGetOrCreate(t *testing.T) {
	lm := NewLaneManager(nil)
	defer lm.StopAll()

	a := lm.GetOrCreate("custom", 4)
	b := lm.GetOrCreate("custom", 99)
	assert.Same(t, a, b)
	assert.Equal(t, 4, a.Stats().Concurrency)
}

func TestDefaultLanesEnvOverride(t *testing.T) {
	t.Setenv("AGENTRUN_LANE_TOOL", "7")
	for _, cfg := range DefaultLanes() {
		if cfg.Name == LaneTool {
			assert.Equal(t, 7, cfg.Concurrency)
			return
		}
	}
	t.Fatal("tool lane missing")
}
