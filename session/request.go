package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/rpcwire/errs"
)

// CallOptions tune one request.
type CallOptions struct {
	// Timeout bounds each attempt. When zero, an attempt gets the configured
	// RPC timeout, or an even share of the caller's deadline when Retries
	// is set.
	Timeout time.Duration
	// Retries is how many times the request is sent again with a fresh id
	// after an attempt timed out or its reply was lost to an integrity
	// failure.
	Retries int
}

// request is one caller-visible RPC.
type request struct {
	msg     *outMsg
	retries int
	start   time.Time

	done   chan struct{}
	result []byte
	err    error
}

func (r *request) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// outMsg is a message the actor owns until it is acknowledged or answered.
type outMsg struct {
	msgID   int64
	seqNo   int32
	body    []byte
	content bool
	req     *request

	// asked is set on msgs_state_req messages: the ids they ask about.
	asked []int64

	queued    bool
	acked     bool
	sentAt    time.Time
	nextCheck time.Time
	backoff   time.Duration
	stateReqs int
	// renewals counts resends that needed a fresh id.
	renewals int
}

// Pending is a request handed to the session.
type Pending struct {
	s   *Session
	req *request
}

// Done is closed when the result is available.
func (p *Pending) Done() <-chan struct{} { return p.req.done }

// Result returns the raw result body or the error. Valid after Done.
func (p *Pending) Result() ([]byte, error) {
	<-p.req.done
	return p.req.result, p.req.err
}

// Wait blocks until the result arrives or ctx ends. A cancelled wait
// withdraws the request.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.req.done:
		return p.req.result, p.req.err
	case <-ctx.Done():
		err := contextError(ctx.Err())
		p.s.cancel(p.req, err)
		return nil, err
	}
}

// contextError maps a context error onto the taxonomy.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no result before deadline: %w", errs.ErrTimeout)
	}
	return errs.ErrCancelled
}
