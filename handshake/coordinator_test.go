package handshake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rpcwire/errs"
)

func TestCoordinatorCoalesces(t *testing.T) {
	var c Coordinator
	var calls atomic.Int32
	release := make(chan struct{})
	want := &Result{Salt: 7}

	fn := func(context.Context) (*Result, error) {
		calls.Add(1)
		<-release
		return want, nil
	}

	const callers = 5
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := c.Do(context.Background(), "dc2", fn)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Same(t, want, r)
	}
}

func TestCoordinatorSeparatesEndpoints(t *testing.T) {
	var c Coordinator
	var calls atomic.Int32
	fn := func(context.Context) (*Result, error) {
		calls.Add(1)
		return &Result{}, nil
	}
	_, _, err := c.Do(context.Background(), "a", fn)
	require.NoError(t, err)
	_, _, err = c.Do(context.Background(), "b", fn)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCoordinatorCallerCancel(t *testing.T) {
	var c Coordinator
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Do(ctx, "dc2", func(context.Context) (*Result, error) {
		<-release
		return &Result{}, nil
	})
	assert.ErrorIs(t, err, errs.ErrCancelled)
}
