package config

import (
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"codeground/internal/logger"
)

// Relay holds the relay server settings.
type Relay struct {
	Port int `env:"PORT,default=8080"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE,default=codeGround"`
	BadgerPath    string `env:"BADGER_PATH"`

	RedisAddr     string        `env:"REDIS_URI"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	SnapshotTTL   time.Duration `env:"SNAPSHOT_TTL,default=24h"`

	GracePeriod     time.Duration `env:"SESSION_GRACE_PERIOD,default=5s"`
	FlushInterval   time.Duration `env:"SNAPSHOT_FLUSH_INTERVAL,default=2s"`
	PersistWorkers  int           `env:"PERSIST_WORKERS,default=4"`
	DefaultLanguage string        `env:"DEFAULT_LANGUAGE,default=javascript"`

	SendBufferSize int `env:"SEND_BUFFER_SIZE,default=256"`
	MaxMessageSize int `env:"MAX_MESSAGE_SIZE,default=1048576"`

	JWTSecret   string        `env:"JWT_SECRET"`
	TokenTTL    time.Duration `env:"TOKEN_TTL,default=24h"`
	CORSOrigins string        `env:"CORS_ALLOWED_ORIGINS,default=*"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
	LogFile   string `env:"LOG_FILE"`
}

// Client holds the terminal participant settings.
type Client struct {
	RelayURL       string        `env:"RELAY_URL,default=ws://localhost:8080/v1/ws"`
	Token          string        `env:"RELAY_TOKEN"`
	JoinTimeout    time.Duration `env:"JOIN_TIMEOUT,default=5s"`
	CoalesceWindow time.Duration `env:"COALESCE_WINDOW,default=0s"`
	MaxReconnect   time.Duration `env:"MAX_RECONNECT_ELAPSED,default=1m"`
	Colours        bool          `env:"COLOURS,default=true"`

	LogLevel  string `env:"LOG_LEVEL,default=warn"`
	LogFormat string `env:"LOG_FORMAT,default=console"`
}

// LoadRelay reads an optional .env file then the environment.
func LoadRelay() (*Relay, error) {
	_ = godotenv.Load()

	var cfg Relay
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, errors.Wrap(err, "load relay config")
	}
	cfg.RedisAddr = strings.TrimPrefix(cfg.RedisAddr, "redis://")
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Relay) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Newf("invalid PORT %d", c.Port)
	}
	if c.GracePeriod < 0 {
		return errors.Newf("SESSION_GRACE_PERIOD must not be negative, got %s", c.GracePeriod)
	}
	if c.SendBufferSize <= 0 {
		return errors.Newf("SEND_BUFFER_SIZE must be positive, got %d", c.SendBufferSize)
	}
	if c.PersistWorkers <= 0 {
		c.PersistWorkers = 1
	}
	return nil
}

// Logger returns the logger settings of the relay.
func (c *Relay) Logger() logger.Config {
	return logger.Config{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		Stdout: true,
		File:   logger.FileConfig{Filename: c.LogFile},
	}
}

// AuthEnabled reports whether participant tokens are required.
func (c *Relay) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// LoadClient reads an optional .env file then the environment.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	var cfg Client
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, errors.Wrap(err, "load client config")
	}
	return &cfg, nil
}

func (c *Client) Logger() logger.Config {
	return logger.Config{Level: c.LogLevel, Format: c.LogFormat, Stdout: true}
}
