package future

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResultBlocksUntilSet(t *testing.T) {
	f := New("a")
	assert.False(t, f.Done())

	resultCh := make(chan *Result, 1)
	go func() {
		resultCh <- f.Result()
	}()

	select {
	case <-resultCh:
		t.Fatal("result returned before the future was resolved")
	case <-time.After(50 * time.Millisecond):
	}

	want := &Result{MessageType: 3, Content: []byte("X")}
	require.NoError(t, f.SetResult(want))

	select {
	case got := <-resultCh:
		assert.Same(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.True(t, f.Done())
}

func TestFutureResultIsStable(t *testing.T) {
	f := New("a")
	want := &Result{Content: []byte("X")}
	require.NoError(t, f.SetResult(want))

	assert.Same(t, want, f.Result())
	assert.Same(t, want, f.Result())
}

func TestFutureResolvesOnce(t *testing.T) {
	f := New("a")
	first := &Result{Content: []byte("first")}
	require.NoError(t, f.SetResult(first))

	err := f.SetResult(&Result{Content: []byte("second")})
	assert.True(t, errors.Is(err, ErrAlreadyResolved))
	assert.Same(t, first, f.Result())
}

func TestFutureWakesAllWaiters(t *testing.T) {
	f := New("a")
	const waiters = 8

	var wg sync.WaitGroup
	results := make(chan *Result, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.Result()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	want := &Result{Content: []byte("X")}
	require.NoError(t, f.SetResult(want))

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter was woken")
	}
	close(results)
	for got := range results {
		assert.Same(t, want, got)
	}
}
