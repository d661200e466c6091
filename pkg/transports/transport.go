package transports

import (
	"context"

	"github.com/fabulalabs/fabula/pkg/frames"
)

// Conduit is a duplex frame channel between a session and the speech
// service. Implementations own their network lifecycle. The Recv channel
// closes when the conduit shuts down, whether locally or remotely.
type Conduit interface {
	Name() string

	// Detect reports whether the conduit could open a stream in this
	// environment. It must be cheap, side-effect free, and safe to call
	// repeatedly; session state never depends on it.
	Detect(ctx context.Context) error

	// Open establishes the stream. A conduit is opened at most once.
	Open(ctx context.Context) error

	// Close releases the stream. Safe to call more than once.
	Close() error

	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// ReadyReporter allows conduits to expose readiness metadata once open.
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
