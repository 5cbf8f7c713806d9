package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/firnlabs/firn"
)

func newTestSession(t testing.TB) *firn.Session {
	t.Helper()
	repo := firn.OpenMemory(firn.Options{})
	t.Cleanup(func() { repo.Close() })
	sess, err := repo.WriteSession("")
	assert.Equal(t, err, nil)
	return sess
}

// markerTasks produce forks that each write one distinct chunk of a
// 1-d array, so result order is observable.
func markerTasks(t testing.TB, sess *firn.Session, n int) []Task {
	t.Helper()
	err := sess.CreateArray(&firn.ArraySpec{
		Path:       "m",
		Dims:       []string{"x"},
		Shape:      []int{n},
		ChunkShape: []int{1},
	})
	assert.Equal(t, err, nil)

	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = func(ctx context.Context) (*firn.Session, error) {
			fork := sess.Fork()
			if err := fork.SetChunk("m", firn.ChunkCoords{i}, []float64{float64(i)}); err != nil {
				return nil, err
			}
			return fork, nil
		}
	}
	return tasks
}

func assertResultOrder(t testing.TB, results []*firn.Session, n int) {
	t.Helper()
	assert.Equal(t, len(results), n)
	for i, res := range results {
		cs := res.ChangeSet()
		if _, ok := cs.Chunks[fmt.Sprintf("m/%d", i)]; !ok {
			t.Fatalf("result %d does not hold chunk m/%d: %v", i, i, cs.Chunks)
		}
	}
}

func TestSerialRunnerOrder(t *testing.T) {
	sess := newTestSession(t)
	tasks := markerTasks(t, sess, 5)

	results, err := SerialRunner{}.RunAll(context.Background(), tasks)
	assert.Equal(t, err, nil)
	assertResultOrder(t, results, 5)
}

func TestSerialRunnerStopsAtFailure(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32
	tasks := []Task{
		func(ctx context.Context) (*firn.Session, error) { ran.Add(1); return nil, nil },
		func(ctx context.Context) (*firn.Session, error) { return nil, boom },
		func(ctx context.Context) (*firn.Session, error) { ran.Add(1); return nil, nil },
	}
	_, err := SerialRunner{}.RunAll(context.Background(), tasks)
	assert.Equal(t, errors.Is(err, boom), true)
	assert.Equal(t, ran.Load(), int32(1))
}

func TestPoolRunnerOrder(t *testing.T) {
	sess := newTestSession(t)
	tasks := markerTasks(t, sess, 16)

	for _, workers := range []int{1, 3, 0} {
		results, err := PoolRunner{Workers: workers}.RunAll(context.Background(), tasks)
		assert.Equal(t, err, nil)
		assertResultOrder(t, results, 16)
	}
}

func TestPoolRunnerFailureWins(t *testing.T) {
	boom := errors.New("boom")
	var started atomic.Int32
	tasks := make([]Task, 8)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (*firn.Session, error) {
			started.Add(1)
			if i == 3 {
				return nil, boom
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	_, err := PoolRunner{Workers: 8}.RunAll(context.Background(), tasks)
	assert.Equal(t, errors.Is(err, boom), true)
	assert.Equal(t, started.Load(), int32(8))
}

func TestPoolRunnerSkipsWrappedCancellations(t *testing.T) {
	boom := errors.New("boom")
	tasks := []Task{
		// Blocks until the sibling failure cancels the pool, then
		// returns its cancellation wrapped the way chunk tasks wrap
		// errors.
		func(ctx context.Context) (*firn.Session, error) {
			<-ctx.Done()
			return nil, &firn.TaskError{Path: "m", Coords: firn.ChunkCoords{0}, Err: ctx.Err()}
		},
		func(ctx context.Context) (*firn.Session, error) { return nil, boom },
	}

	_, err := PoolRunner{Workers: 2}.RunAll(context.Background(), tasks)
	assert.Equal(t, errors.Is(err, boom), true)
}

func TestPoolRunnerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PoolRunner{Workers: 2}.RunAll(ctx, []Task{
		func(ctx context.Context) (*firn.Session, error) { return nil, nil },
	})
	assert.Equal(t, errors.Is(err, context.Canceled), true)
}
