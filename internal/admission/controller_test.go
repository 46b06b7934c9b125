package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func admitted(_, ok bool) bool {
	return ok
}

func TestSmallFilesAreAlwaysAdmitted(t *testing.T) {
	c := NewController(100, time.Second)
	ctx := context.Background()

	require.True(t, admitted(c.TryAcquire(ctx, "/big", 500, "a", 0)))

	// slot is held but small files are not affected
	for i := 0; i < 5; i++ {
		assert.True(t, admitted(c.TryAcquire(ctx, fmt.Sprintf("/small-%d", i), 10, "b", 0)))
	}

	st := c.Stats()
	assert.Equal(t, 5, st.TotalSmallFilesTransferred)
	assert.Equal(t, 1, st.TotalLargeFilesQueued)
	assert.True(t, st.LargeTransferActive)
	require.NotNil(t, st.Current)
	assert.Equal(t, "/big", st.Current.FilePath)
	assert.Equal(t, "a", st.Current.Owner)
}

func TestZeroTimeoutFailsWhileSlotHeld(t *testing.T) {
	c := NewController(100, time.Second)
	ctx := context.Background()

	require.True(t, admitted(c.TryAcquire(ctx, "/one", 100, "a", 0)))
	assert.False(t, admitted(c.TryAcquire(ctx, "/two", 100, "b", 0)))

	c.Release("/one")
	assert.True(t, admitted(c.TryAcquire(ctx, "/two", 100, "b", 0)))
}

func TestTimeoutExpires(t *testing.T) {
	c := NewController(1, time.Second)
	ctx := context.Background()

	require.True(t, admitted(c.TryAcquire(ctx, "/one", 10, "a", 0)))

	start := time.Now()
	assert.False(t, admitted(c.TryAcquire(ctx, "/two", 10, "b", 30*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	st := c.Stats()
	assert.Equal(t, 0, st.QueuedLargeFiles)
	assert.Equal(t, "/one", st.Current.FilePath)
}

func TestWaiterAcquiresAfterRelease(t *testing.T) {
	c := NewController(1, time.Second)
	ctx := context.Background()

	require.True(t, admitted(c.TryAcquire(ctx, "/one", 10, "a", 0)))

	got := make(chan bool, 1)
	go func() {
		got <- admitted(c.TryAcquire(ctx, "/two", 10, "b", 2*time.Second))
	}()

	require.Eventually(t, func() bool {
		return c.Stats().QueuedLargeFiles == 1
	}, time.Second, 5*time.Millisecond)

	c.Release("/one")
	assert.True(t, <-got)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "/two", cur.FilePath)
}

func TestCancelledContextAbandonsWait(t *testing.T) {
	c := NewController(1, time.Second)
	require.True(t, admitted(c.TryAcquire(context.Background(), "/one", 10, "a", 0)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	assert.False(t, admitted(c.TryAcquire(ctx, "/two", 10, "b", 5*time.Second)))
}

func TestReleaseUnknownPathIsNoop(t *testing.T) {
	c := NewController(100, time.Second)
	ctx := context.Background()

	require.True(t, admitted(c.TryAcquire(ctx, "/small", 1, "a", 0)))
	c.Release("/small")
	c.Release("/never")

	// the slot must still be free exactly once
	require.True(t, admitted(c.TryAcquire(ctx, "/big", 100, "a", 0)))
	assert.False(t, admitted(c.TryAcquire(ctx, "/big2", 100, "a", 0)))
}

func TestAtMostOneLargeTransfer(t *testing.T) {
	c := NewController(10, time.Second)
	ctx := context.Background()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/file-%d", i)
			if !admitted(c.TryAcquire(ctx, path, 50, fmt.Sprintf("task-%d", i), 5*time.Second)) {
				t.Errorf("acquire %s timed out", path)
				return
			}
			n := active.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			c.Release(path)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 8, c.Stats().TotalLargeFilesQueued)
	assert.False(t, c.Stats().LargeTransferActive)
}

func TestSetThresholdReclassifies(t *testing.T) {
	c := NewController(100, time.Second)
	assert.False(t, c.IsLarge(50))
	assert.True(t, c.IsLarge(100))

	c.SetThreshold(10)
	assert.True(t, c.IsLarge(50))
	assert.Equal(t, int64(10), c.Threshold())
}

func TestHeldFollowsClassificationAtAcquire(t *testing.T) {
	c := NewController(100, time.Second)
	ctx := context.Background()

	held, ok := c.TryAcquire(ctx, "/small", 50, "a", 0)
	require.True(t, ok)
	assert.False(t, held)

	// a lowered threshold makes the same size take the slot
	c.SetThreshold(10)
	held, ok = c.TryAcquire(ctx, "/now-large", 50, "a", 0)
	require.True(t, ok)
	require.True(t, held)
	assert.False(t, admitted(c.TryAcquire(ctx, "/other", 50, "b", 0)))

	// raising it back must not strand the holder
	c.SetThreshold(100)
	c.Release("/now-large")
	assert.False(t, c.Stats().LargeTransferActive)

	c.SetThreshold(10)
	assert.True(t, admitted(c.TryAcquire(ctx, "/other", 50, "b", 0)))
}

func TestResetStats(t *testing.T) {
	c := NewController(100, time.Second)
	_, ok := c.TryAcquire(context.Background(), "/s", 1, "a", 0)
	require.True(t, ok)
	c.ResetStats()

	st := c.Stats()
	assert.Zero(t, st.TotalSmallFilesTransferred)
	assert.Zero(t, st.TotalLargeFilesQueued)
}
