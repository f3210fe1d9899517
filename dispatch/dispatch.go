// Package dispatch invokes operations on servants provided by servant locator.
package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/evictor"
	"github.com/skipor/evictor/log"
)

// Operation is servant method invocation. Ctx should be passed into nested
// dispatches, so they join current transaction.
type Operation func(ctx context.Context, servant evictor.Servant) error

const (
	DefaultMaxRetries = 10
	DefaultBackoff    = 5 * time.Millisecond
	MaxBackoff        = time.Second
)

type Config struct {
	// MaxRetries is limit of retries after deadlock. Negative value disables retry.
	MaxRetries int `json:"max-retries"`
	// Backoff is delay before first retry. It is doubled after every retry, up to MaxBackoff.
	Backoff time.Duration `json:"backoff"`
}

func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
}

type Dispatcher struct {
	log     log.Logger
	locator evictor.ServantLocator
	conf    Config
}

func New(l log.Logger, loc evictor.ServantLocator, conf Config) *Dispatcher {
	return &Dispatcher{log: log.OrNop(l), locator: loc, conf: conf}
}

// Invoke locates servant, calls op and finishes call. Top level invocation
// is repeated from scratch, while it fails with retryable error.
// Invocation in context of transaction is never repeated: retry is
// decision of top level one.
func (d *Dispatcher) Invoke(ctx context.Context, cur evictor.Current, op Operation) (err error) {
	backoff := d.conf.Backoff
	for attempt := 0; ; attempt++ {
		err = d.invokeOnce(ctx, cur, op)
		if err == nil || !evictor.IsRetryable(err) || evictor.InTransaction(ctx) {
			return
		}
		if attempt >= d.conf.MaxRetries {
			d.log.Warnf("%s %s: retries limit %v exceeded: %v", cur.Operation, cur.ID, d.conf.MaxRetries, err)
			return
		}
		d.log.Debugf("%s %s: retry %v after: %v", cur.Operation, cur.ID, attempt+1, err)
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), err.Error())
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		}
	}
}

func (d *Dispatcher) invokeOnce(ctx context.Context, cur evictor.Current, op Operation) (err error) {
	call, err := d.locator.Locate(ctx, cur)
	if err != nil {
		return
	}
	finished := false
	defer func() {
		if finished {
			return
		}
		r := recover()
		finErr := d.locator.Finished(call, errors.Errorf("servant panic: %v", r))
		if finErr != nil {
			d.log.Errorf("%s %s: finish after panic failed: %v", cur.Operation, cur.ID, finErr)
		}
		panic(r)
	}()
	err = op(call.Context(), call.Servant)
	finished = true
	finErr := d.locator.Finished(call, err)
	if err == nil || evictor.IsDeadlock(finErr) {
		err = finErr
	}
	return
}

// Invoker is bound to evictor and dispatcher. It is convenience for
// nested calls from servant code.
type Invoker interface {
	Invoke(ctx context.Context, cur evictor.Current, op Operation) error
}

var _ Invoker = (*Dispatcher)(nil)
