package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simharness/internal/proc"
	"github.com/roach88/simharness/internal/scenario"
	"github.com/roach88/simharness/internal/table"
	"github.com/roach88/simharness/internal/testutil"
)

var tSchema = table.MustSchema(table.Column{Name: "t", Type: table.TypeFloat})

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// activeCounter records the highest number of simultaneously live tasks.
type activeCounter struct {
	mu       sync.Mutex
	live     int
	maxLive  int
	started  []int
	finished []int
}

func (c *activeCounter) TaskStarted(run, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live++
	if c.live > c.maxLive {
		c.maxLive = c.live
	}
	c.started = append(c.started, run)
}

func (c *activeCounter) TaskFinished(run, active int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live--
	c.finished = append(c.finished, run)
}

// sleepyRunner returns one row holding the payload length after a random
// delay, so completion order differs from submission order.
func sleepyRunner(live *atomic.Int64, peak *atomic.Int64) RunnerFunc {
	return func(ctx context.Context, payload []byte) (*table.Table, error) {
		n := live.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer live.Add(-1)
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return &table.Table{Schema: tSchema, Rows: []table.Row{{table.Float(len(payload))}}}, nil
	}
}

func TestRunIndicesAndConcurrencyBound(t *testing.T) {
	tests := []struct {
		tasks, concurrency int
	}{
		{1, 1},
		{10, 1},
		{25, 4},
		{40, 40},
	}
	for _, tt := range tests {
		var live, peak atomic.Int64
		obs := &activeCounter{}

		outcomes := Run(context.Background(), Options{
			Tasks:       tt.tasks,
			Concurrency: tt.concurrency,
			Observer:    obs,
			Logger:      quietLogger(),
		}, scenario.Static([]byte("abc")), sleepyRunner(&live, &peak))

		require.Len(t, outcomes, tt.tasks)
		for i, o := range outcomes {
			assert.Equal(t, i, o.Run)
			assert.NoError(t, o.Err)
			assert.Equal(t, 1, o.Table.Len())
		}
		assert.LessOrEqual(t, int(peak.Load()), tt.concurrency)
		assert.LessOrEqual(t, obs.maxLive, tt.concurrency)
		assert.Len(t, obs.started, tt.tasks)
		assert.Len(t, obs.finished, tt.tasks)
	}
}

func TestStreamYieldsEveryIndexOnce(t *testing.T) {
	var live, peak atomic.Int64
	var seen []int
	for o := range Stream(context.Background(), Options{Tasks: 50, Concurrency: 8, Logger: quietLogger()},
		scenario.Static(nil), sleepyRunner(&live, &peak)) {
		seen = append(seen, o.Run)
	}

	sort.Ints(seen)
	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, seen)
}

func TestSourceCalledInRunOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []int
	src := func(_ context.Context, run int) (scenario.Scenario, error) {
		mu.Lock()
		calls = append(calls, run)
		mu.Unlock()
		return scenario.Scenario{Payload: make([]byte, run)}, nil
	}

	var live, peak atomic.Int64
	outcomes := Run(context.Background(), Options{Tasks: 20, Concurrency: 5, Logger: quietLogger()}, src, sleepyRunner(&live, &peak))

	for i, o := range outcomes {
		// The runner echoes the payload length, which the source set to the run index.
		assert.Equal(t, table.Float(i), o.Table.Rows[0][0])
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, calls)
}

func TestFailureIsolation(t *testing.T) {
	boom := errors.New("boom")
	runner := RunnerFunc(func(ctx context.Context, payload []byte) (*table.Table, error) {
		if string(payload) == "3" || string(payload) == "7" {
			return nil, boom
		}
		return &table.Table{Schema: tSchema, Rows: []table.Row{{table.Float(1)}}}, nil
	})
	src := func(_ context.Context, run int) (scenario.Scenario, error) {
		if run == 5 {
			return scenario.Scenario{}, errors.New("generator crashed")
		}
		return scenario.Scenario{Payload: []byte{byte('0' + run)}}, nil
	}

	outcomes := Run(context.Background(), Options{Tasks: 10, Concurrency: 3, Logger: quietLogger()}, src, runner)
	require.Len(t, outcomes, 10)

	var failed []int
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o.Run)
		}
	}
	assert.Equal(t, []int{3, 5, 7}, failed)
	assert.ErrorIs(t, outcomes[3].Err, boom)
	assert.True(t, IsScenarioError(outcomes[5].Err))
	assert.NoError(t, outcomes[9].Err)
}

func TestStageFailureIsolationWithProcesses(t *testing.T) {
	testutil.RequireShell(t)

	// The engine fails when the scenario says so and reports five rows otherwise.
	p, err := proc.New([]proc.StageSpec{{
		Name:    "simulation",
		Command: testutil.Sh(`read mode; if [ "$mode" = fail ]; then exit 4; fi; seq 0 4`),
		Stdin:   proc.Payload(),
	}}, tSchema, proc.WithLogger(quietLogger()))
	require.NoError(t, err)

	src := func(_ context.Context, run int) (scenario.Scenario, error) {
		if run == 2 {
			return scenario.Scenario{Payload: []byte("fail\n")}, nil
		}
		return scenario.Scenario{Payload: []byte("ok\n")}, nil
	}

	outcomes := Run(context.Background(), Options{Tasks: 6, Concurrency: 2, Logger: quietLogger()}, src, p)
	for _, o := range outcomes {
		if o.Run == 2 {
			assert.True(t, proc.IsStageFailure(o.Err))
			continue
		}
		require.NoError(t, o.Err)
		assert.Equal(t, 5, o.Table.Len())
	}
}

func TestTaskTimeout(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, payload []byte) (*table.Table, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	outcomes := Run(context.Background(), Options{Tasks: 3, Concurrency: 3, Timeout: 20 * time.Millisecond, Logger: quietLogger()},
		scenario.Static(nil), runner)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
	}
}

func TestTaskTimeoutBoundsSource(t *testing.T) {
	src := func(ctx context.Context, run int) (scenario.Scenario, error) {
		if run == 1 {
			<-ctx.Done()
			return scenario.Scenario{}, ctx.Err()
		}
		return scenario.Scenario{}, nil
	}
	runner := RunnerFunc(func(ctx context.Context, payload []byte) (*table.Table, error) {
		return &table.Table{}, nil
	})

	start := time.Now()
	outcomes := Run(context.Background(), Options{Tasks: 3, Concurrency: 1, Timeout: 50 * time.Millisecond, Logger: quietLogger()}, src, runner)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.True(t, IsScenarioError(outcomes[1].Err))
	assert.ErrorIs(t, outcomes[1].Err, context.DeadlineExceeded)
	assert.NoError(t, outcomes[2].Err)
}

func TestCancelledContextReportsEveryRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	runner := RunnerFunc(func(ctx context.Context, payload []byte) (*table.Table, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := make(chan []Outcome)
	go func() {
		done <- Run(ctx, Options{Tasks: 10, Concurrency: 1, Logger: quietLogger()}, scenario.Static(nil), runner)
	}()
	<-started
	cancel()

	outcomes := <-done
	require.Len(t, outcomes, 10)
	for i, o := range outcomes {
		assert.Equal(t, i, o.Run)
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

func TestZeroTasks(t *testing.T) {
	outcomes := Run(context.Background(), Options{Tasks: 0}, scenario.Static(nil), RunnerFunc(nil))
	assert.Empty(t, outcomes)
}
