// Package fabula assembles a speech streaming session from configuration:
// it picks the conduit, wires the observer chain, and hands back a client
// wrapping the session lifecycle.
package fabula

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabulalabs/fabula/pkg/configutil"
	"github.com/fabulalabs/fabula/pkg/logging"
	"github.com/fabulalabs/fabula/pkg/metrics"
	"github.com/fabulalabs/fabula/pkg/observers"
	"github.com/fabulalabs/fabula/pkg/redact"
	"github.com/fabulalabs/fabula/pkg/session"
	"github.com/fabulalabs/fabula/pkg/transports"
	"github.com/fabulalabs/fabula/pkg/transports/bedrock"
	"github.com/fabulalabs/fabula/pkg/transports/mock"
	"github.com/fabulalabs/fabula/pkg/transports/relay"
)

// ConduitFactory builds a conduit for one session from the loaded config.
type ConduitFactory func(cfg Config, sessionID string) (transports.Conduit, error)

// Registry maps conduit provider names to factories.
type Registry struct {
	conduits map[string]ConduitFactory
}

func NewRegistry() *Registry {
	return &Registry{conduits: make(map[string]ConduitFactory)}
}

func (r *Registry) Register(name string, factory ConduitFactory) {
	r.conduits[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *Registry) Build(provider string, cfg Config, sessionID string) (transports.Conduit, error) {
	fn := r.conduits[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("conduit provider not registered: %s", provider)
	}
	return fn(cfg, sessionID)
}

// DefaultRegistry builds the registry with the built-in conduit providers.
// streamFactory may be nil; the bedrock conduit then reports itself
// unavailable at probe time.
func DefaultRegistry(streamFactory bedrock.StreamFactory) *Registry {
	r := NewRegistry()
	r.Register("bedrock", func(cfg Config, sessionID string) (transports.Conduit, error) {
		creds := resolveCredentials(cfg.Credentials)
		return bedrock.New(bedrock.Config{
			ModelID:         cfg.Session.ModelID,
			Region:          cfg.Session.Region,
			SystemPrompt:    cfg.Session.SystemPrompt,
			Voice:           cfg.Session.Voice,
			SessionID:       sessionID,
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Factory:         streamFactory,
		}), nil
	})
	r.Register("websocket", buildRelayConduit)
	r.Register("mock", func(Config, string) (transports.Conduit, error) {
		return mock.New(), nil
	})
	return r
}

var relaySettingsSchema = configutil.Schema{
	Required: []string{"url"},
	Optional: []string{
		"auth_token",
		"session_id",
		"handshake_timeout",
		"established_timeout",
		"dial_retries",
		"dial_backoff",
		"ping_interval",
		"output_sample_rate",
	},
}

func buildRelayConduit(cfg Config, sessionID string) (transports.Conduit, error) {
	if err := configutil.ValidateSettings(cfg.Conduit.Settings, relaySettingsSchema); err != nil {
		return nil, fmt.Errorf("conduit.settings: %w", err)
	}
	var rc relay.Config
	if err := configutil.DecodeSettings(cfg.Conduit.Settings, &rc); err != nil {
		return nil, fmt.Errorf("conduit.settings: %w", err)
	}
	if err := configutil.RequireString(rc.URL, "conduit.settings.url"); err != nil {
		return nil, err
	}
	rc.SessionID = configutil.StringValue(rc.SessionID, sessionID)
	return relay.New(rc), nil
}

// Client owns one session plus the observers assembled for it. Closing the
// client closes the session first, then flushes and releases the observers.
type Client struct {
	*session.Manager

	async       *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	metricsFile *os.File
}

func (c *Client) Close() {
	c.Manager.Close()
	if c.async != nil {
		c.async.Close()
		if n := c.async.Dropped(); n > 0 {
			slog.Warn("metrics events dropped", slog.Int64("count", n))
		}
	}
	if c.timeline != nil {
		_ = c.timeline.Flush()
		_ = c.timeline.Close()
	}
	if c.metricsFile != nil {
		_ = c.metricsFile.Close()
	}
}

type options struct {
	registry      *Registry
	conduit       transports.Conduit
	streamFactory bedrock.StreamFactory
	extraObs      []metrics.Observer
	sessionID     string
}

type Option func(*options)

// WithRegistry replaces the built-in conduit registry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithConduit injects a prebuilt conduit, bypassing the registry.
func WithConduit(c transports.Conduit) Option {
	return func(o *options) { o.conduit = c }
}

// WithStreamFactory supplies the bidirectional streaming operation for the
// bedrock conduit. Builds without one leave the conduit undetectable and the
// session falls back or reports unavailability.
func WithStreamFactory(f bedrock.StreamFactory) Option {
	return func(o *options) { o.streamFactory = f }
}

// WithObservers appends extra metrics observers to the assembled chain.
func WithObservers(obs ...metrics.Observer) Option {
	return func(o *options) { o.extraObs = append(o.extraObs, obs...) }
}

// WithSessionID pins the session identifier instead of generating one.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// NewSession assembles a session client from configuration.
func NewSession(cfg Config, opts ...Option) (*Client, error) {
	SetDefaultLogger(cfg.LogLevel)
	redact.SetEnabled(cfg.Privacy.RedactSecrets)

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	sessionID := o.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	log := logging.NewComponentLogger(slog.Default(), "fabula")
	log.Info("fabula_init",
		"conduit", cfg.Conduit.Provider,
		"model_id", cfg.Session.ModelID,
		"region", cfg.Session.Region,
		"session_id", sessionID,
	)

	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	obsList := []metrics.Observer{latencyObs, logObs}
	var timelineObs *observers.TimelineObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			if n, err := observers.PruneTimelines(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour); err != nil {
				slog.Warn("timeline prune failed", "dir", dir, "error", err)
			} else if n > 0 {
				slog.Debug("timelines pruned", "dir", dir, "count", n)
			}
		}
		timelineObs = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timelineObs)
	}
	var metricsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		metricsFile = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	obsList = append(obsList, o.extraObs...)
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	conduit := o.conduit
	if conduit == nil {
		reg := o.registry
		if reg == nil {
			reg = DefaultRegistry(o.streamFactory)
		}
		var err error
		conduit, err = reg.Build(cfg.Conduit.Provider, cfg, sessionID)
		if err != nil {
			asyncObs.Close()
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if metricsFile != nil {
				_ = metricsFile.Close()
			}
			return nil, err
		}
	}

	mgrOpts := []session.Option{session.WithObserver(asyncObs)}
	if cfg.Probe.TimeoutMS > 0 {
		mgrOpts = append(mgrOpts, session.WithProbeTimeout(time.Duration(cfg.Probe.TimeoutMS)*time.Millisecond))
	}
	mgr := session.New(session.Config{
		SessionID:    sessionID,
		SystemPrompt: cfg.Session.SystemPrompt,
		ModelID:      cfg.Session.ModelID,
		Region:       cfg.Session.Region,
		Voice:        cfg.Session.Voice,
	}, conduit, mgrOpts...)

	return &Client{
		Manager:     mgr,
		async:       asyncObs,
		timeline:    timelineObs,
		metricsFile: metricsFile,
	}, nil
}

func SetDefaultLogger(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
