package dispatch

import (
	"log/slog"
	"sync"
)

// Callbacks is the caller-facing event surface of a session. Any field may
// be nil; nil callbacks are skipped.
//
// The pcm slice passed to OnAudioChunk is only valid until the callback
// returns; the session may recycle the buffer. Copy it to retain it.
type Callbacks struct {
	OnAudioChunk func(pcm []byte)
	OnTextChunk  func(text string)
	OnError      func(err error)
	OnComplete   func()
}

// Dispatcher routes session events to callbacks. Data events pass only
// while the gate is open; OnError and OnComplete share a single terminal
// latch, so a session delivers exactly one of them. Delivery is synchronous
// on the calling goroutine and nothing is buffered: a blocking handler
// blocks subsequent delivery. No lock is held while a handler runs, so
// handlers may call back into the session (including Close).
//
// Ordering between events of the same kind is the caller's: the session
// manager delivers inbound frames from a single receive loop.
type Dispatcher struct {
	mu     sync.Mutex
	cb     Callbacks
	active bool
	sealed bool
	log    *slog.Logger
}

func New(cb Callbacks, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{cb: cb, log: log}
}

// Activate opens the data gate. Called once when the session goes Active.
func (d *Dispatcher) Activate() {
	d.mu.Lock()
	if !d.sealed {
		d.active = true
	}
	d.mu.Unlock()
}

// Deactivate shuts the data gate without delivering a terminal event.
// Close uses it so no inbound callback fires during teardown.
func (d *Dispatcher) Deactivate() {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
}

// Terminated reports whether a terminal callback was already delivered.
func (d *Dispatcher) Terminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sealed
}

// Audio delivers a PCM chunk. Returns false when the gate is shut.
func (d *Dispatcher) Audio(pcm []byte) bool {
	d.mu.Lock()
	if !d.active || d.sealed {
		d.mu.Unlock()
		return false
	}
	fn := d.cb.OnAudioChunk
	d.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
	return true
}

// Text delivers a text chunk. Returns false when the gate is shut.
func (d *Dispatcher) Text(text string) bool {
	d.mu.Lock()
	if !d.active || d.sealed {
		d.mu.Unlock()
		return false
	}
	fn := d.cb.OnTextChunk
	d.mu.Unlock()
	if fn != nil {
		fn(text)
	}
	return true
}

// Fail delivers the terminal error. Returns false when a terminal event
// was already delivered.
func (d *Dispatcher) Fail(err error) bool {
	d.mu.Lock()
	if d.sealed {
		d.mu.Unlock()
		d.log.Debug("terminal event suppressed", "err", err)
		return false
	}
	d.sealed = true
	d.active = false
	fn := d.cb.OnError
	d.mu.Unlock()
	if fn != nil {
		fn(err)
	} else if err != nil {
		d.log.Warn("session error with no OnError handler", "err", err)
	}
	return true
}

// Complete delivers the terminal completion. Returns false when a terminal
// event was already delivered.
func (d *Dispatcher) Complete() bool {
	d.mu.Lock()
	if d.sealed {
		d.mu.Unlock()
		return false
	}
	d.sealed = true
	d.active = false
	fn := d.cb.OnComplete
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}
