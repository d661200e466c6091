package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabulalabs/fabula/pkg/redact"
)

// DefaultTimeout bounds a capability check when the caller does not set one.
const DefaultTimeout = 3 * time.Second

// Detector is the capability surface a conduit exposes. A nil error means
// the conduit believes it can open a stream in this environment.
type Detector interface {
	Detect(ctx context.Context) error
}

// Result is the outcome of one capability check. Unavailability is data,
// not an error.
type Result struct {
	Available bool
	Reason    string
}

// Prober runs bounded capability checks. It never mutates session state and
// may be invoked any number of times.
type Prober struct {
	timeout time.Duration
	log     *slog.Logger
}

func New(timeout time.Duration, log *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{timeout: timeout, log: log}
}

func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// Run checks d within the prober's deadline. Detector errors, panics, and
// deadline overruns all convert to an unavailable result; Run itself never
// fails.
func (p *Prober) Run(ctx context.Context, d Detector) Result {
	if d == nil {
		return Result{Available: false, Reason: "no conduit configured"}
	}
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fmt.Errorf("capability check panicked: %v", r)
			}
		}()
		ch <- d.Detect(cctx)
	}()

	var res Result
	select {
	case err := <-ch:
		if err != nil {
			res = Result{Available: false, Reason: redact.Text(err.Error())}
		} else {
			res = Result{Available: true}
		}
	case <-cctx.Done():
		if ctx.Err() != nil {
			res = Result{Available: false, Reason: "capability check canceled"}
		} else {
			res = Result{Available: false, Reason: fmt.Sprintf("capability check timed out after %s", p.timeout)}
		}
	}

	p.log.Debug("capability check finished",
		"available", res.Available,
		"reason", res.Reason,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res
}
