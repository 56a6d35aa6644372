package node

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPoolRejectsZeroWorkers(t *testing.T) {
	p, err := NewWorkerPool(0)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidWorkers)
}

func TestWorkerPoolFIFOWithSingleWorker(t *testing.T) {
	p, err := NewWorkerPool(1)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		_, err := p.Submit(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	p.Shutdown()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWorkerPoolRunsEveryTaskOnce(t *testing.T) {
	p, err := NewWorkerPool(4)
	require.NoError(t, err)

	const tasks = 100
	var counts [tasks]atomic.Int32
	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, err := p.Submit(func() error {
				time.Sleep(time.Millisecond)
				counts[i].Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	p.Shutdown()

	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "task %d", i)
	}
	assert.Equal(t, 0, p.Len())
}

func TestWorkerPoolShutdownDrainsQueue(t *testing.T) {
	p, err := NewWorkerPool(2)
	require.NoError(t, err)

	release := make(chan struct{})
	var ran atomic.Int32
	futures := make([]*Future, 0, 20)
	for i := 0; i < 20; i++ {
		f, err := p.Submit(func() error {
			<-release
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned before queued tasks ran")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done

	assert.Equal(t, int32(20), ran.Load())
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatal("future not completed after shutdown")
		}
	}
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	p, err := NewWorkerPool(2)
	require.NoError(t, err)
	p.Shutdown()
	p.Shutdown()

	f, err := p.Submit(func() error {
		t.Error("task ran after shutdown")
		return nil
	})
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestFutureCarriesTaskError(t *testing.T) {
	p, err := NewWorkerPool(1)
	require.NoError(t, err)
	defer p.Shutdown()

	boom := errors.New("boom")
	f, err := p.Submit(func() error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, f.Wait(), boom)

	f, err = p.Submit(func() error { return nil })
	require.NoError(t, err)
	assert.NoError(t, f.Wait())
}

func TestWorkerSurvivesPanic(t *testing.T) {
	p, err := NewWorkerPool(1)
	require.NoError(t, err)
	defer p.Shutdown()

	f, err := p.Submit(func() error { panic("handler bug") })
	require.NoError(t, err)
	err = f.Wait()
	assert.ErrorIs(t, err, ErrTaskPanicked)
	assert.Contains(t, err.Error(), "handler bug")

	// the only worker must still be alive
	f, err = p.Submit(func() error { return nil })
	require.NoError(t, err)
	assert.NoError(t, f.Wait())
}

func TestWorkerPoolSize(t *testing.T) {
	p, err := NewWorkerPool(3)
	require.NoError(t, err)
	defer p.Shutdown()
	assert.Equal(t, 3, p.Size())
}
