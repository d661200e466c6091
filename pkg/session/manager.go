// Package session owns the lifecycle of one bidirectional speech stream: a
// forward-only state machine, a capability probe before any connection
// attempt, a single writer goroutine preserving submission order, and a
// single receive loop feeding the callback dispatcher.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabulalabs/fabula/pkg/codec"
	"github.com/fabulalabs/fabula/pkg/dispatch"
	"github.com/fabulalabs/fabula/pkg/errorsx"
	"github.com/fabulalabs/fabula/pkg/frames"
	"github.com/fabulalabs/fabula/pkg/logging"
	"github.com/fabulalabs/fabula/pkg/metrics"
	"github.com/fabulalabs/fabula/pkg/probe"
	"github.com/fabulalabs/fabula/pkg/redact"
	"github.com/fabulalabs/fabula/pkg/transports"
)

// Config carries the immutable session parameters. The manager never
// mutates it after construction.
type Config struct {
	SessionID    string
	SystemPrompt string
	ModelID      string
	Region       string
	Voice        string
}

// Manager drives one session over one conduit. A Manager is not reused: a
// terminated session (Unavailable, Closed, Failed) stays terminated and a
// new Manager is built for the next attempt.
type Manager struct {
	cfg     Config
	conduit transports.Conduit
	sm      *stateMachine
	prober  *probe.Prober
	obs     metrics.Observer
	log     *slog.Logger
	pts     *frames.PTSGen

	mu         sync.Mutex
	disp       *dispatch.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	closing    bool
	startDone  chan struct{}
	writerDone chan struct{}
	recvDone   chan struct{}

	writeq chan frames.Frame
	failCh chan error

	probeTimeout time.Duration
	drainTimeout time.Duration
}

type Option func(*Manager)

// WithObserver routes session telemetry events to obs.
func WithObserver(obs metrics.Observer) Option {
	return func(m *Manager) {
		if obs != nil {
			m.obs = obs
		}
	}
}

// WithLogger replaces the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithProbeTimeout bounds the capability probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long Close waits on flush and teardown before
// abandoning a wedged conduit.
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

func New(cfg Config, conduit transports.Conduit, opts ...Option) *Manager {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	m := &Manager{
		cfg:          cfg,
		conduit:      conduit,
		sm:           newStateMachine(),
		obs:          metrics.NoopObserver{},
		pts:          frames.NewPTSGen(),
		writeq:       make(chan frames.Frame, 64),
		failCh:       make(chan error, 1),
		writerDone:   make(chan struct{}),
		recvDone:     make(chan struct{}),
		probeTimeout: probe.DefaultTimeout,
		drainTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.NewSessionLogger(slog.Default(), "session", m.cfg.SessionID)
	}
	m.prober = probe.New(m.probeTimeout, m.log)
	return m
}

// ID returns the session identifier.
func (m *Manager) ID() string { return m.cfg.SessionID }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.sm.State() }

// IsActive reports whether the session accepts outbound frames.
func (m *Manager) IsActive() bool { return m.sm.State() == StateActive }

// AddStateListener registers a listener for state change events.
func (m *Manager) AddStateListener(l StateListener) { m.sm.AddListener(l) }

// Start probes the conduit and, when it is available, opens it and goes
// Active. Unavailability is not an error: the session lands in Unavailable
// and the caller hears about it through OnError with code SDK_NOT_AVAILABLE.
// Start itself only errors on misuse (wrong state).
func (m *Manager) Start(ctx context.Context, cb dispatch.Callbacks) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if st := m.sm.State(); st != StateIdle {
		m.mu.Unlock()
		return errorsx.Newf(errorsx.CodeStateError, "start rejected in state %s", st)
	}
	_ = m.sm.Transition(StateProbing, "start requested")
	m.disp = dispatch.New(cb, m.log)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	startDone := make(chan struct{})
	m.startDone = startDone
	m.mu.Unlock()
	defer close(startDone)

	m.log.Info("session starting",
		slog.String("conduit", m.conduitName()),
		slog.String("model_id", m.cfg.ModelID),
		slog.String("region", m.cfg.Region))
	m.record("session_start", map[string]any{"conduit": m.conduitName()})

	var detector probe.Detector
	if m.conduit != nil {
		detector = m.conduit
	}
	res := m.prober.Run(ctx, detector)
	m.record("probe_done", map[string]any{"available": res.Available, "reason": res.Reason})

	var openErr error
	opened := false
	if res.Available && m.ctx.Err() == nil {
		openErr = m.conduit.Open(context.Background())
		opened = openErr == nil
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		// Close raced the startup; settle into Closed without activating.
		_ = m.sm.Transition(StateClosing, "closed during startup")
		_ = m.sm.Transition(StateClosed, "teardown complete")
		m.mu.Unlock()
		if opened {
			_ = m.conduit.Close()
		}
		m.record("session_closed", nil)
		m.disp.Complete()
		return nil
	}
	if !res.Available {
		_ = m.sm.Transition(StateUnavailable, res.Reason)
		m.mu.Unlock()
		m.log.Info("session unavailable", slog.String("reason", res.Reason))
		m.record("session_unavailable", map[string]any{"reason": res.Reason})
		m.disp.Fail(errorsx.New(errorsx.CodeSDKNotAvailable, res.Reason))
		return nil
	}
	if openErr != nil {
		reason := redact.Text(openErr.Error())
		_ = m.sm.Transition(StateUnavailable, reason)
		m.mu.Unlock()
		_ = m.conduit.Close()
		m.log.Info("session unavailable", slog.String("reason", reason))
		m.record("session_unavailable", map[string]any{"reason": reason})
		m.disp.Fail(errorsx.Wrap(openErr, errorsx.CodeSDKNotAvailable))
		return nil
	}

	_ = m.sm.Transition(StateActive, "conduit open")
	m.disp.Activate()
	go m.writeLoop()
	go m.recvLoop()
	m.mu.Unlock()

	fields := []any{slog.String("conduit", m.conduitName())}
	if rr, ok := m.conduit.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, slog.Any(k, v))
		}
	}
	m.log.Info("session active", fields...)
	m.record("session_active", nil)
	return nil
}

// SendAudio validates and enqueues one PCM chunk for the writer goroutine.
// Submission order is preserved; nothing is enqueued on error.
func (m *Manager) SendAudio(pcm []byte) error {
	m.mu.Lock()
	if st := m.sm.State(); st != StateActive {
		m.mu.Unlock()
		return errorsx.Newf(errorsx.CodeStateError, "send_audio rejected in state %s", st)
	}
	if err := codec.ValidatePCM(pcm); err != nil {
		m.mu.Unlock()
		return err
	}
	f := frames.NewAudioFrame(m.cfg.SessionID, m.pts.Next(m.cfg.SessionID), pcm, frames.SampleRate, frames.Channels, nil)
	ctx := m.ctx
	m.mu.Unlock()
	return m.enqueue(ctx, f)
}

// SendText enqueues one text turn. Text shares the audio ordering domain: a
// frame enqueued earlier reaches the conduit first.
func (m *Manager) SendText(text string) error {
	m.mu.Lock()
	if st := m.sm.State(); st != StateActive {
		m.mu.Unlock()
		return errorsx.Newf(errorsx.CodeStateError, "send_text rejected in state %s", st)
	}
	f := frames.NewTextFrame(m.cfg.SessionID, m.pts.Next(m.cfg.SessionID), text, nil)
	ctx := m.ctx
	m.mu.Unlock()
	return m.enqueue(ctx, f)
}

// SendControl enqueues a session control signal (narration start/stop).
func (m *Manager) SendControl(code frames.ControlCode) error {
	m.mu.Lock()
	if st := m.sm.State(); st != StateActive {
		m.mu.Unlock()
		return errorsx.Newf(errorsx.CodeStateError, "send_control rejected in state %s", st)
	}
	f := frames.NewControlFrame(m.cfg.SessionID, m.pts.Next(m.cfg.SessionID), code, nil)
	ctx := m.ctx
	m.mu.Unlock()
	return m.enqueue(ctx, f)
}

func (m *Manager) enqueue(ctx context.Context, f frames.Frame) error {
	select {
	case m.writeq <- f:
		return nil
	case <-ctx.Done():
		return errorsx.New(errorsx.CodeStateError, "session closed while enqueueing")
	}
}

// Close tears the session down. It is idempotent, never errors, and can be
// called from any state; from a non-terminal state the session always ends
// Closed. Queued writes are flushed best-effort within the drain timeout; a
// wedged conduit is abandoned rather than waited on.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	st := m.sm.State()
	if st.Terminal() {
		m.mu.Unlock()
		return
	}
	if st == StateIdle {
		_ = m.sm.Transition(StateClosed, "closed before start")
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	startDone := m.startDone
	m.mu.Unlock()

	if st == StateProbing {
		// The startup sequence owns the conduit until it settles. Cancel it
		// and let its epilogue land the session in Closed; re-check in case
		// activation won the race.
		cancel()
		<-startDone
		if m.sm.State() == StateActive {
			m.closeActive()
		}
		return
	}

	m.closeActive()
}

func (m *Manager) closeActive() {
	m.mu.Lock()
	if m.sm.State() != StateActive {
		m.mu.Unlock()
		return
	}
	_ = m.sm.Transition(StateClosing, "close requested")
	cancel := m.cancel
	m.mu.Unlock()

	m.disp.Deactivate()
	cancel()
	if !waitDone(m.writerDone, m.drainTimeout) {
		m.log.Warn("write drain timed out, abandoning queued frames")
	}
	_ = m.conduit.Close()
	if !waitDone(m.recvDone, m.drainTimeout) {
		m.log.Warn("receive loop did not stop in time")
	}

	m.mu.Lock()
	_ = m.sm.Transition(StateClosed, "teardown complete")
	m.mu.Unlock()

	m.log.Info("session closed")
	m.record("session_closed", nil)
	m.disp.Complete()
}

// writeLoop is the single writer: frames reach the conduit strictly in
// enqueue order. On a send failure it signals the receive loop, which owns
// terminal delivery.
func (m *Manager) writeLoop() {
	defer close(m.writerDone)
	for {
		select {
		case f := <-m.writeq:
			m.recordFrame("frame_out", f)
			if err := m.conduit.Send(f); err != nil {
				m.log.Error("conduit send failed",
					slog.String("error", redact.Text(err.Error())))
				select {
				case m.failCh <- err:
				default:
				}
				return
			}
		case <-m.ctx.Done():
			// Flush whatever is already queued, best effort.
			for {
				select {
				case f := <-m.writeq:
					m.recordFrame("frame_out", f)
					_ = m.conduit.Send(f)
				default:
					return
				}
			}
		}
	}
}

// recvLoop is the single reader and the only goroutine that delivers data
// and failure callbacks, which keeps delivery ordered relative to failures.
func (m *Manager) recvLoop() {
	defer close(m.recvDone)
	for {
		select {
		case <-m.ctx.Done():
			return
		case err := <-m.failCh:
			m.failTransport(err)
			return
		case f, ok := <-m.conduit.Recv():
			if !ok {
				if m.ctx.Err() == nil && m.sm.State() == StateActive {
					m.failTransport(errors.New("conduit receive stream closed"))
				}
				return
			}
			if terminal := m.handleInbound(f); terminal {
				return
			}
		}
	}
}

func (m *Manager) handleInbound(f frames.Frame) bool {
	switch fr := f.(type) {
	case frames.AudioFrame:
		m.recordFrame("frame_in", f)
		m.disp.Audio(fr.RawPayload())
		frames.ReleaseAudioFrame(f)
	case frames.TextFrame:
		m.recordFrame("frame_in", f)
		m.disp.Text(fr.Text())
	case frames.SystemFrame:
		return m.handleSystem(fr)
	default:
		m.log.Debug("ignoring inbound frame", slog.String("kind", string(f.Kind())))
	}
	return false
}

// handleSystem routes conduit lifecycle signals. Connection-level failures
// are hard; everything else is telemetry.
func (m *Manager) handleSystem(sf frames.SystemFrame) bool {
	msg := sf.Meta()[frames.MetaMessage]
	switch sf.Name() {
	case "conduit_error", "relay_closed":
		err := errors.New(sf.Name())
		if msg != "" {
			err = errors.New(msg)
		}
		m.failTransport(err)
		return true
	case "relay_error":
		m.log.Warn("conduit reported recoverable error", slog.String("message", msg))
		m.recordFrame("frame_in", sf)
	default:
		m.log.Debug("conduit event",
			slog.String("name", sf.Name()),
			slog.String("message", msg))
		m.recordFrame("frame_in", sf)
	}
	return false
}

// failTransport ends the session hard. Runs on the receive goroutine.
func (m *Manager) failTransport(cause error) {
	m.mu.Lock()
	if m.sm.State() != StateActive {
		m.mu.Unlock()
		return
	}
	_ = m.sm.Transition(StateFailed, "transport failure")
	cancel := m.cancel
	m.mu.Unlock()

	m.log.Error("session failed",
		slog.String("error", redact.Text(cause.Error())))
	m.record("session_failed", map[string]any{"error": redact.Text(cause.Error())})
	cancel()
	_ = m.conduit.Close()
	m.disp.Fail(errorsx.Wrap(cause, errorsx.CodeTransportError))
}

func (m *Manager) conduitName() string {
	if m.conduit == nil {
		return "none"
	}
	return m.conduit.Name()
}

func (m *Manager) record(name string, fields map[string]any) {
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:      name,
		SessionID: m.cfg.SessionID,
		Time:      time.Now(),
		Tags:      map[string]string{"component": "session", "conduit": m.conduitName()},
		Fields:    fields,
	})
}

func (m *Manager) recordFrame(name string, f frames.Frame) {
	var fields map[string]any
	switch fr := f.(type) {
	case frames.AudioFrame:
		fields = map[string]any{"bytes": len(fr.RawPayload()), "sample_rate": fr.Rate()}
	case frames.SystemFrame:
		fields = map[string]any{"name": fr.Name()}
		if msg := fr.Meta()[frames.MetaMessage]; msg != "" {
			fields["message"] = redact.Text(msg)
		}
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:      name,
		SessionID: m.cfg.SessionID,
		Time:      time.Now(),
		Tags: map[string]string{
			"component": "session",
			"conduit":   m.conduitName(),
			"kind":      string(f.Kind()),
		},
		Fields: fields,
	})
}

func waitDone(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}
