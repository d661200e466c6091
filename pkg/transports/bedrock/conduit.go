package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabulalabs/fabula/pkg/codec"
	"github.com/fabulalabs/fabula/pkg/frames"
	"github.com/fabulalabs/fabula/pkg/logging"
	"github.com/fabulalabs/fabula/pkg/transports"
)

// Model replies carry 24kHz PCM.
const outputSampleRate = 24000

// Config carries everything the direct model conduit needs. Credentials
// are the resolved values, not a lookup chain.
type Config struct {
	ModelID         string
	Region          string
	SystemPrompt    string
	Voice           string
	SessionID       string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Factory adapts whatever bidirectional streaming operation the
	// installed SDK build provides. Builds without one leave it nil and
	// the conduit reports itself unavailable.
	Factory StreamFactory
}

// StreamFactory opens one live exchange with the model runtime.
type StreamFactory func(ctx context.Context, cfg Config) (Stream, error)

// Stream is one bidirectional exchange. Send carries marshaled content
// blocks; Events yields decoded deltas and closes when the exchange ends.
type Stream interface {
	Send(ctx context.Context, payload []byte) error
	Events() <-chan StreamEvent
	Close() error
}

// StreamEvent is one decoded delta from the model.
type StreamEvent struct {
	AudioB64 string
	Text     string
	Err      error
}

// Conduit streams directly against the model runtime. Availability is not
// assumed: Detect reports whether this build can open a stream at all.
type Conduit struct {
	cfg    Config
	log    *slog.Logger
	out    chan frames.Frame
	stream Stream
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed atomic.Bool
}

func New(cfg Config) *Conduit {
	return &Conduit{
		cfg: cfg,
		log: logging.NewSessionLogger(slog.Default(), "bedrock", cfg.SessionID),
		out: make(chan frames.Frame, 256),
	}
}

func (c *Conduit) Name() string { return "bedrock" }

func (c *Conduit) Detect(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.AccessKeyID) == "" || strings.TrimSpace(c.cfg.SecretAccessKey) == "" {
		return errors.New("credentials not resolved")
	}
	if strings.TrimSpace(c.cfg.Region) == "" {
		return errors.New("region not configured")
	}
	if strings.TrimSpace(c.cfg.ModelID) == "" {
		return errors.New("model id not configured")
	}
	if c.cfg.Factory == nil {
		return errors.New("bidirectional streaming operation not available in this SDK build")
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

	stream, err := c.cfg.Factory(c.ctx, c.cfg)
	if err != nil {
		c.cancel()
		return err
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	c.log.Info("model stream opened",
		slog.String("model_id", c.cfg.ModelID),
		slog.String("region", c.cfg.Region))

	go c.readLoop(stream)
	return nil
}

func (c *Conduit) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		return stream.Close()
	}
	// Never opened; release the receive channel so readers unblock.
	close(c.out)
	return nil
}

func (c *Conduit) Recv() <-chan frames.Frame { return c.out }

func (c *Conduit) Send(f frames.Frame) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return errors.New("conduit not open")
	}

	var payload []byte
	var err error
	switch fr := f.(type) {
	case frames.AudioFrame:
		var env codec.AudioEnvelope
		env, err = codec.EncodeAudio(fr.RawPayload())
		if err == nil {
			payload, err = json.Marshal(env)
		}
	case frames.TextFrame:
		payload, err = json.Marshal(codec.EncodeText(fr.Text()))
	case frames.ControlFrame:
		// The direct stream has no control envelope; narration control
		// is a relay concern.
		c.log.Debug("control frame dropped on direct stream",
			slog.String("code", string(fr.Code())))
		return nil
	default:
		return nil
	}
	if err != nil {
		return err
	}
	return stream.Send(c.ctx, payload)
}

func (c *Conduit) readLoop(stream Stream) {
	defer close(c.out)
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Conduit) handleEvent(ev StreamEvent) {
	now := time.Now().UnixNano()
	if ev.Err != nil {
		meta := map[string]string{frames.MetaMessage: ev.Err.Error()}
		c.push(frames.NewSystemFrame(c.cfg.SessionID, now, "conduit_error", meta))
		return
	}
	if ev.AudioB64 != "" {
		pcm, err := codec.DecodePCM(ev.AudioB64)
		if err != nil {
			c.log.Warn("model audio delta rejected", slog.String("error", err.Error()))
			return
		}
		c.push(frames.NewAudioFrame(c.cfg.SessionID, now, pcm, outputSampleRate, frames.Channels, nil))
	}
	if ev.Text != "" {
		meta := map[string]string{frames.MetaOrigin: frames.OriginResponse}
		c.push(frames.NewTextFrame(c.cfg.SessionID, now, ev.Text, meta))
	}
}

func (c *Conduit) push(f frames.Frame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

var _ transports.Conduit = (*Conduit)(nil)
