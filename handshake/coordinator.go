package handshake

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/rpcwire/errs"
)

// Coordinator lets concurrent callers for one endpoint share an exchange.
// The zero value is ready to use.
type Coordinator struct {
	group singleflight.Group
}

// Do runs fn for endpoint unless a run is already in flight, in which case
// it waits for that run's result. shared reports whether the result was
// handed to more than one caller. A caller whose ctx ends stops waiting;
// the exchange itself continues for the others.
func (c *Coordinator) Do(ctx context.Context, endpoint string, fn func(context.Context) (*Result, error)) (res *Result, shared bool, err error) {
	ch := c.group.DoChan(endpoint, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Shared, r.Err
		}
		return r.Val.(*Result), r.Shared, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("waiting for handshake: %w", errs.ErrTimeout)
		}
		return nil, false, errs.ErrCancelled
	}
}

// Forget drops an in-flight run so the next caller starts a new one.
func (c *Coordinator) Forget(endpoint string) {
	c.group.Forget(endpoint)
}
