package dispatch

import (
	"errors"
	"sync"
	"testing"
)

type capture struct {
	mu       sync.Mutex
	events   []string
	errs     []error
	complete int
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnAudioChunk: func(pcm []byte) {
			c.mu.Lock()
			c.events = append(c.events, "audio")
			c.mu.Unlock()
		},
		OnTextChunk: func(text string) {
			c.mu.Lock()
			c.events = append(c.events, "text:"+text)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.events = append(c.events, "error")
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
		OnComplete: func() {
			c.mu.Lock()
			c.events = append(c.events, "complete")
			c.complete++
			c.mu.Unlock()
		},
	}
}

func TestDataGatedUntilActivate(t *testing.T) {
	rec := &capture{}
	d := New(rec.callbacks(), nil)

	if d.Audio([]byte{1, 2}) {
		t.Fatalf("expected audio suppressed before activation")
	}
	d.Activate()
	if !d.Audio([]byte{1, 2}) {
		t.Fatalf("expected audio delivered after activation")
	}
	if len(rec.events) != 1 || rec.events[0] != "audio" {
		t.Fatalf("unexpected events %v", rec.events)
	}
}

func TestTerminalDeliveredOnce(t *testing.T) {
	rec := &capture{}
	d := New(rec.callbacks(), nil)
	d.Activate()

	if !d.Fail(errors.New("boom")) {
		t.Fatalf("expected first terminal delivered")
	}
	if d.Complete() {
		t.Fatalf("expected complete suppressed after error")
	}
	if d.Fail(errors.New("again")) {
		t.Fatalf("expected second error suppressed")
	}
	if len(rec.errs) != 1 || rec.complete != 0 {
		t.Fatalf("expected exactly one error, got %d errors %d completes", len(rec.errs), rec.complete)
	}
}

func TestCompleteWinsOverLaterFail(t *testing.T) {
	rec := &capture{}
	d := New(rec.callbacks(), nil)
	d.Activate()

	if !d.Complete() {
		t.Fatalf("expected complete delivered")
	}
	if d.Fail(errors.New("late")) {
		t.Fatalf("expected error suppressed after complete")
	}
	if rec.complete != 1 || len(rec.errs) != 0 {
		t.Fatalf("expected one complete and no errors")
	}
}

func TestNoDataAfterTerminal(t *testing.T) {
	rec := &capture{}
	d := New(rec.callbacks(), nil)
	d.Activate()
	d.Fail(errors.New("boom"))

	if d.Audio([]byte{1, 2}) || d.Text("late") {
		t.Fatalf("expected data suppressed after terminal")
	}
	for _, ev := range rec.events {
		if ev != "error" {
			t.Fatalf("unexpected event %q after terminal", ev)
		}
	}
}

func TestDeactivateStopsDataWithoutTerminal(t *testing.T) {
	rec := &capture{}
	d := New(rec.callbacks(), nil)
	d.Activate()
	d.Deactivate()

	if d.Audio([]byte{1, 2}) {
		t.Fatalf("expected audio suppressed after deactivate")
	}
	if d.Terminated() {
		t.Fatalf("deactivate must not seal the terminal latch")
	}
	if !d.Complete() {
		t.Fatalf("expected terminal still deliverable")
	}
}

func TestOrderPreserved(t *testing.T) {
	rec := &capture{}
	d := New(rec.callbacks(), nil)
	d.Activate()

	d.Audio([]byte{1, 2})
	d.Text("one")
	d.Audio([]byte{3, 4})
	d.Complete()

	want := []string{"audio", "text:one", "audio", "complete"}
	if len(rec.events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("event %d: expected %q, got %q", i, want[i], rec.events[i])
		}
	}
}

func TestNilCallbacksSafe(t *testing.T) {
	d := New(Callbacks{}, nil)
	d.Activate()
	if !d.Audio([]byte{1, 2}) {
		t.Fatalf("expected delivery with nil handler to count")
	}
	if !d.Text("hello") {
		t.Fatalf("expected delivery with nil handler to count")
	}
	if !d.Fail(errors.New("boom")) {
		t.Fatalf("expected terminal with nil handler to count")
	}
}

func TestTerminalRaceDeliversExactlyOne(t *testing.T) {
	rec := &capture{}
	d := New(rec.callbacks(), nil)
	d.Activate()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Fail(errors.New("transport down"))
	}()
	go func() {
		defer wg.Done()
		d.Complete()
	}()
	wg.Wait()

	rec.mu.Lock()
	total := len(rec.errs) + rec.complete
	rec.mu.Unlock()
	if total != 1 {
		t.Fatalf("expected exactly one terminal callback, got %d", total)
	}
}
