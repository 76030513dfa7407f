package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

type mockFetcher struct {
	mu      sync.Mutex
	polls   int
	batches [][]scanning.CommitRef
	errs    []error
}

func (m *mockFetcher) Poll(context.Context) ([]scanning.CommitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.polls
	m.polls++
	var refs []scanning.CommitRef
	if i < len(m.batches) {
		refs = m.batches[i]
	}
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return refs, err
}

func (m *mockFetcher) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

func newRunner(t *testing.T, f Fetcher, once bool, interval time.Duration, maxFailed int) (*Runner, *mockScanner, *scanning.SeenSet) {
	t.Helper()
	seen := scanning.NewSeenSet()
	sc := &mockScanner{}
	pool := NewPool(2, &mockDownloader{tmpRoot: t.TempDir()}, sc, &mockSink{}, seen, true,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	return NewRunner(f, pool, interval, once, maxFailed,
		logger.Noop(), noop.NewTracerProvider().Tracer("test")), sc, seen
}

func TestRunnerOnceModeRunsSingleCycle(t *testing.T) {
	f := &mockFetcher{batches: [][]scanning.CommitRef{makeRefs(3)}}
	r, sc, _ := newRunner(t, f, true, time.Hour, 5)

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 1, f.pollCount())
	assert.Equal(t, int32(3), sc.scansTotal.Load())
}

func TestRunnerRepeatsUntilCanceled(t *testing.T) {
	f := &mockFetcher{batches: [][]scanning.CommitRef{makeRefs(2), makeRefs(1)}}
	r, sc, _ := newRunner(t, f, false, time.Millisecond, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	assert.GreaterOrEqual(t, f.pollCount(), 2)
	assert.Equal(t, int32(3), sc.scansTotal.Load())
}

func TestRunnerDrainsBeforeNextPoll(t *testing.T) {
	f := &mockFetcher{batches: [][]scanning.CommitRef{makeRefs(4)}}
	r, sc, _ := newRunner(t, f, false, 0, 5)
	sc.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, r.Run(ctx))
	}()

	// Two workers over four commits at 10ms each: the first cycle cannot
	// drain in under 20ms, so a second poll this early would mean the loop
	// overlapped cycles.
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, 1, f.pollCount())

	cancel()
	<-done
	assert.Equal(t, int32(4), sc.scansTotal.Load(), "in-flight cycle must drain on shutdown")
}

func TestRunnerGivesUpAfterConsecutiveFailedCycles(t *testing.T) {
	pollErr := errors.New("feed unreachable")
	f := &mockFetcher{errs: []error{pollErr, pollErr, pollErr, pollErr}}
	r, _, _ := newRunner(t, f, false, 0, 3)

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailedCycles)
	assert.Equal(t, 3, f.pollCount())
}

func TestRunnerPartialCycleResetsFailureStreak(t *testing.T) {
	pollErr := errors.New("page 2 unreachable")
	f := &mockFetcher{
		batches: [][]scanning.CommitRef{nil, nil, makeRefs(1), nil, nil},
		errs:    []error{pollErr, pollErr, pollErr, pollErr, pollErr},
	}
	r, sc, _ := newRunner(t, f, false, 0, 3)

	// Cycles 1-2 fail outright, cycle 3 fails but still yields a commit and
	// resets the streak, cycles 4-5 fail again. Only at 3 consecutive total
	// failures would the runner give up, so it must survive past poll 5.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.pollCount(), 5)
	assert.Equal(t, int32(1), sc.scansTotal.Load())
}

func TestRunnerOverrunCycleRestartsImmediately(t *testing.T) {
	f := &mockFetcher{batches: [][]scanning.CommitRef{makeRefs(4), nil}}
	r, sc, _ := newRunner(t, f, false, 5*time.Millisecond, 5)
	sc.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, r.Run(ctx))
	}()

	// The first cycle takes ~20ms against a 5ms interval; the second poll
	// must follow with no additional sleep.
	deadline := time.Now().Add(200 * time.Millisecond)
	for f.pollCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, f.pollCount(), 2)

	cancel()
	<-done
}
