package sessionbroker

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ashvell/sessionbroker/directory"
	"github.com/ashvell/sessionbroker/jwt"
	"github.com/ashvell/sessionbroker/session"
)

// Builder assembles a Broker. The zero value is not usable; start from New.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	directory directory.Client
	eventSink Sink
	logger    *zap.Logger

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the default configuration wholesale. Callers mutating
// only a field or two should start from DefaultConfig.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// DefaultConfig returns the configuration New starts from.
func DefaultConfig() Config {
	return defaultConfig()
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDirectory sets the external authentication backend. Required.
func (b *Builder) WithDirectory(client directory.Client) *Builder {
	b.directory = client
	return b
}

func (b *Builder) WithEventSink(sink Sink) *Builder {
	b.eventSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) Build() (*Broker, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.directory == nil {
		return nil, errors.New("directory client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	broker := &Broker{
		config:     cfg,
		store:      session.NewStore(b.redis, cfg.Session.RedisPrefix),
		jwtManager: jm,
		directory:  b.directory,
		events:     newEventDispatcher(cfg.Events, b.eventSink),
		metrics:    NewMetrics(cfg.Metrics),
		logger:     logger,
	}

	b.built = true

	return broker, nil
}
