package batch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRapidEditsCoalesceToOneFlush(t *testing.T) {
	var flushes atomic.Int64
	f := New(50*time.Millisecond, time.Second, func() { flushes.Add(1) })
	defer f.Close()

	for i := 0; i < 20; i++ {
		f.Mark()
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, 5*time.Millisecond)

	// quiet again, nothing further pending
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), flushes.Load())
}

func TestContinuousEditsFlushAtLeastOncePerCeiling(t *testing.T) {
	var flushes atomic.Int64
	f := New(40*time.Millisecond, 100*time.Millisecond, func() { flushes.Add(1) })
	defer f.Close()

	// keep marking faster than the quiet window for ~5 ceiling periods
	stop := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			f.Mark()
			time.Sleep(10 * time.Millisecond)
		}
	}
	got := flushes.Load()
	assert.GreaterOrEqual(t, got, int64(3), "expected roughly one flush per ceiling period, got %d", got)
}

func TestFlushForcesPendingBatchOut(t *testing.T) {
	var flushes atomic.Int64
	f := New(time.Hour, time.Hour, func() { flushes.Add(1) })
	defer f.Close()

	f.Mark()
	assert.Equal(t, int64(0), flushes.Load())
	f.Flush()
	assert.Equal(t, int64(1), flushes.Load())

	// nothing pending, a second force is a no-op
	f.Flush()
	assert.Equal(t, int64(1), flushes.Load())
}

func TestCloseFlushesPendingAndStops(t *testing.T) {
	var flushes atomic.Int64
	f := New(time.Hour, time.Hour, func() { flushes.Add(1) })

	f.Mark()
	f.Close()
	assert.Equal(t, int64(1), flushes.Load())

	f.Mark()
	f.Flush()
	assert.Equal(t, int64(1), flushes.Load())
}
