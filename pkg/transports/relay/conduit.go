// Package relay speaks the story relay's WebSocket protocol. The relay is
// the fallback path when the direct model conduit is unavailable: audio and
// text travel as JSON envelopes, narration audio arrives as raw binary PCM.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabulalabs/fabula/pkg/codec"
	"github.com/fabulalabs/fabula/pkg/frames"
	"github.com/fabulalabs/fabula/pkg/logging"
	"github.com/fabulalabs/fabula/pkg/redact"
	"github.com/fabulalabs/fabula/pkg/resilience"
	"github.com/fabulalabs/fabula/pkg/transports"
)

// Narration audio is synthesized server-side as 16 kHz mono PCM and sent
// as raw binary frames with no envelope, so the rate is fixed here.
const narrationSampleRate = 16000

// Default rate for audio_output envelopes that omit sample_rate.
const defaultOutputSampleRate = 24000

type Config struct {
	URL                string        `mapstructure:"url"`
	AuthToken          string        `mapstructure:"auth_token"`
	SessionID          string        `mapstructure:"session_id"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	EstablishedTimeout time.Duration `mapstructure:"established_timeout"`
	DialRetries        int           `mapstructure:"dial_retries"`
	DialBackoff        time.Duration `mapstructure:"dial_backoff"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	OutputSampleRate   int           `mapstructure:"output_sample_rate"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.EstablishedTimeout <= 0 {
		c.EstablishedTimeout = 5 * time.Second
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = 200 * time.Millisecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = defaultOutputSampleRate
	}
	return c
}

// envelope is the JSON shape used in both directions on the relay socket.
type envelope struct {
	Type       string `json:"type"`
	Audio      string `json:"audio,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type Conduit struct {
	cfg     Config
	log     *slog.Logger
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  atomic.Bool
}

func New(cfg Config) *Conduit {
	cfg = cfg.withDefaults()
	return &Conduit{
		cfg:     cfg,
		log:     logging.NewSessionLogger(slog.Default(), "relay", cfg.SessionID),
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan []byte, 256),
	}
}

func (c *Conduit) Name() string { return "websocket_relay" }

func (c *Conduit) ReadyFields() map[string]any {
	return map[string]any{
		"relay_url":          c.cfg.URL,
		"output_sample_rate": c.cfg.OutputSampleRate,
	}
}

func (c *Conduit) Detect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errors.New("relay url is not configured")
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("relay url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url scheme must be ws or wss, got %q", u.Scheme)
	}
	return nil
}

func (c *Conduit) Open(ctx context.Context) error {
	if err := c.Detect(ctx); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.log.Debug("connecting to relay", slog.String("url", c.cfg.URL))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	var conn *websocket.Conn
	retry := resilience.NewRetryPolicy(c.cfg.DialRetries, c.cfg.DialBackoff)
	err := retry.Do(c.ctx, func() error {
		var resp *http.Response
		var dialErr error
		conn, resp, dialErr = dialer.DialContext(c.ctx, c.cfg.URL, header)
		if dialErr != nil && resp != nil {
			c.log.Debug("relay dial rejected", slog.String("status", resp.Status))
		}
		return dialErr
	})
	if err != nil {
		c.log.Error("failed to connect to relay",
			slog.String("error", redact.Text(err.Error())))
		c.cancel()
		return fmt.Errorf("relay dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.awaitEstablished(conn); err != nil {
		c.cancel()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		return err
	}

	c.log.Info("connected to relay")

	go c.readLoop()
	go c.writeLoop()
	return nil
}

// awaitEstablished consumes messages until the relay confirms the session.
// The relay sends connection_established immediately after accepting, so a
// bounded wait here turns a half-open socket into a dial failure.
func (c *Conduit) awaitEstablished(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.EstablishedTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay did not confirm connection within %s: %w", c.cfg.EstablishedTimeout, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == "connection_established" {
			c.pushSystem("relay_connected", env.Message)
			return nil
		}
		c.handleEnvelope(env)
	}
}

func (c *Conduit) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.log.Info("relay close called")
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	close(c.out)
	return nil
}

func (c *Conduit) Recv() <-chan frames.Frame { return c.out }

// Send serializes the frame to its wire envelope and queues it. Writes are
// ordered: the queue is drained by a single writer goroutine. A broken
// socket surfaces on the read side, which closes Recv.
func (c *Conduit) Send(f frames.Frame) error {
	if c.closed.Load() {
		return errors.New("conduit closed")
	}
	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	if !open {
		return errors.New("conduit not open")
	}

	var env envelope
	switch fr := f.(type) {
	case frames.AudioFrame:
		b64, err := codec.EncodePCM(fr.RawPayload())
		if err != nil {
			return err
		}
		env = envelope{Type: "audio_input", Audio: b64}
	case frames.TextFrame:
		env = envelope{Type: "text_input", Text: fr.Text()}
	case frames.ControlFrame:
		switch fr.Code() {
		case frames.ControlStartNarration:
			env = envelope{Type: "start_narration"}
		case frames.ControlStopNarration:
			env = envelope{Type: "stop_narration"}
		default:
			c.log.Debug("relay dropping unknown control frame",
				slog.String("code", string(fr.Code())))
			return nil
		}
	default:
		c.log.Debug("relay dropping frame", slog.String("kind", string(f.Kind())))
		return nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.writeCh <- payload:
		return nil
	case <-c.ctx.Done():
		return errors.New("conduit closed")
	}
}

func (c *Conduit) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.writeCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Error("relay write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conduit) readLoop() {
	defer close(c.out)
	for {
		select {
		case <-c.ctx.Done():
			c.log.Info("relay read loop exit", slog.String("reason", "context_cancelled"))
			return
		default:
			mt, data, err := c.conn.ReadMessage()
			if err != nil {
				if c.closed.Load() || c.ctx.Err() != nil {
					c.log.Info("relay read loop exit", slog.String("reason", "closed"))
					return
				}
				c.log.Error("relay read loop error",
					slog.String("error", redact.Text(err.Error())))
				c.pushSystem("relay_closed", err.Error())
				return
			}
			c.handleMessage(mt, data)
		}
	}
}

func (c *Conduit) handleMessage(mt int, data []byte) {
	if mt == websocket.BinaryMessage {
		if err := codec.ValidatePCM(data); err != nil {
			c.log.Warn("relay dropping malformed narration audio",
				slog.String("error", err.Error()))
			return
		}
		meta := map[string]string{frames.MetaOrigin: frames.OriginNarration}
		// The websocket library reuses its read buffer, so the payload is
		// copied into a pooled buffer that the session releases after
		// delivery.
		c.push(frames.NewAudioFrameFromPool(c.cfg.SessionID, time.Now().UnixNano(), data, narrationSampleRate, frames.Channels, meta))
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("relay raw data", slog.String("data", redact.Text(string(data))))
		return
	}
	c.handleEnvelope(env)
}

func (c *Conduit) handleEnvelope(env envelope) {
	now := time.Now().UnixNano()
	switch env.Type {
	case "audio_output":
		pcm, err := codec.DecodePCM(env.Audio)
		if err != nil {
			c.log.Warn("relay dropping malformed audio_output",
				slog.String("error", err.Error()))
			return
		}
		rate := env.SampleRate
		if rate <= 0 {
			rate = c.cfg.OutputSampleRate
		}
		c.push(frames.NewAudioFrame(c.cfg.SessionID, now, pcm, rate, frames.Channels, nil))
		if env.Text != "" {
			meta := map[string]string{frames.MetaOrigin: frames.OriginResponse}
			c.push(frames.NewTextFrame(c.cfg.SessionID, now, env.Text, meta))
		}
	case "text_output":
		meta := map[string]string{frames.MetaOrigin: frames.OriginResponse}
		c.push(frames.NewTextFrame(c.cfg.SessionID, now, env.Text, meta))
	case "narration_text":
		meta := map[string]string{frames.MetaOrigin: frames.OriginNarration}
		c.push(frames.NewTextFrame(c.cfg.SessionID, now, env.Text, meta))
	case "connection_established":
		c.pushSystem("relay_connected", env.Message)
	case "processing":
		c.pushSystem("relay_processing", env.Message)
	case "narration_started":
		c.pushSystem("narration_started", env.Message)
	case "narration_complete":
		c.pushSystem("narration_complete", env.Message)
	case "error":
		// The relay reports recoverable processing problems here and keeps
		// the socket open. Connection loss is the only hard failure.
		c.log.Warn("relay reported error", slog.String("message", redact.Text(env.Message)))
		c.pushSystem("relay_error", env.Message)
	default:
		c.log.Debug("relay unknown envelope", slog.String("type", env.Type))
	}
}

func (c *Conduit) pushSystem(name, message string) {
	var meta map[string]string
	if message != "" {
		meta = map[string]string{frames.MetaMessage: redact.Text(message)}
	}
	c.push(frames.NewSystemFrame(c.cfg.SessionID, time.Now().UnixNano(), name, meta))
}

func (c *Conduit) push(f frames.Frame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

var _ transports.Conduit = (*Conduit)(nil)
