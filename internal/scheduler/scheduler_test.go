package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJob_InvalidScheduleReturnsError(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a cron expression", JobFunc{JobName: "x", Fn: func() error { return nil }})
	assert.Error(t, err)
}

func TestRunNow_TracksSuccessAndFailure(t *testing.T) {
	s := New(zerolog.Nop())
	ok := JobFunc{JobName: "ok", Fn: func() error { return nil }}
	boom := JobFunc{JobName: "boom", Fn: func() error { return errors.New("boom") }}

	require.NoError(t, s.AddJob("@every 1h", ok))
	require.NoError(t, s.AddJob("@every 1h", boom))

	require.NoError(t, s.RunNow(ok))
	require.Error(t, s.RunNow(boom))

	status := s.Status()
	byName := make(map[string]JobStatus, len(status.Jobs))
	for _, j := range status.Jobs {
		byName[j.Name] = j
	}

	require.Contains(t, byName, "ok")
	assert.False(t, byName["ok"].LastSuccess.IsZero())
	assert.Empty(t, byName["ok"].LastError)

	require.Contains(t, byName, "boom")
	assert.True(t, byName["boom"].LastSuccess.IsZero())
	assert.Equal(t, "boom", byName["boom"].LastError)
}

func TestForceRecompute_ConcurrentCallsFanIntoOneRun(t *testing.T) {
	s := New(zerolog.Nop())

	var running int32
	var calls int32
	block := make(chan struct{})

	fn := func(ctx context.Context) error {
		atomic.AddInt32(&running, 1)
		atomic.AddInt32(&calls, 1)
		<-block
		atomic.AddInt32(&running, -1)
		return nil
	}

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.ForceRecompute(context.Background(), "SYI", fn)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&running))

	close(block)
	wg.Wait()

	for _, err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestForceRecompute_IndependentCodesRunConcurrently(t *testing.T) {
	s := New(zerolog.Nop())

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(map[string]error, 2)
	var mu sync.Mutex
	var inFlight int32

	run := func(code string) {
		defer wg.Done()
		err := s.ForceRecompute(context.Background(), code, func(ctx context.Context) error {
			atomic.AddInt32(&inFlight, 1)
			<-start
			return nil
		})
		mu.Lock()
		results[code] = err
		mu.Unlock()
	}

	wg.Add(2)
	go run("SYI")
	go run("SYCEFI")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&inFlight) == 2 }, time.Second, time.Millisecond)
	close(start)
	wg.Wait()

	assert.NoError(t, results["SYI"])
	assert.NoError(t, results["SYCEFI"])
}

func TestStatus_ReportsProcessGauges(t *testing.T) {
	s := New(zerolog.Nop())
	status := s.Status()
	assert.GreaterOrEqual(t, status.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, status.MemPercent, 0.0)
	assert.GreaterOrEqual(t, status.Uptime, time.Duration(0))
}
