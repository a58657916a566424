package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/npezzotti/alumni-forum/internal/database"
	"github.com/sirupsen/logrus"
)

const envPrefix = "FORUM"

// DevSigningKey is published with the source and only accepted for the
// memory store.
const DevSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

var ErrNoSigningKey = errors.New("no signing key configured: set FORUM_SIGNING_KEY or -signing-key")

// Settings are the raw values read from the environment, e.g. FORUM_ADDR or
// FORUM_SIGNING_KEY. Command line flags default to them.
type Settings struct {
	Addr             string        `default:"localhost:8000"`
	Store            string        `default:"postgres"`
	DSN              string        `default:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	BadgerPath       string        `split_words:"true" default:"forum.badger"`
	SigningKey       string        `split_words:"true"`
	AllowedOrigins   []string      `split_words:"true"`
	SubscriberBuffer int           `split_words:"true" default:"64"`
	IdleTimeout      time.Duration `split_words:"true" default:"90s"`
	KeepAlive        time.Duration `split_words:"true" default:"20s"`
	LogLevel         string        `split_words:"true" default:"info"`
}

// LoadSettings loads the given dotenv files, skipping any that do not exist,
// and then reads FORUM_* variables. Variables already set in the
// environment win over dotenv values.
func LoadSettings(files ...string) (Settings, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("process env: %w", err)
	}
	return s, nil
}

// UseDevSigningKey fills in DevSigningKey when no key is set and reports
// whether it did. It fails for every store but memory.
func (s *Settings) UseDevSigningKey() (bool, error) {
	if s.SigningKey != "" {
		return false, nil
	}
	if s.Store != database.StoreMemory {
		return false, ErrNoSigningKey
	}
	s.SigningKey = DevSigningKey
	return true, nil
}

type Config struct {
	ServerAddr       string
	Store            string
	DatabaseDSN      string
	BadgerPath       string
	SigningKey       []byte
	AllowedOrigins   []string
	SubscriberBuffer int
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	LogLevel         logrus.Level
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(s Settings) (*Config, error) {
	if s.Addr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	switch s.Store {
	case database.StorePostgres:
		if s.DSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	case database.StoreBadger, database.StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q", s.Store)
	}

	if s.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	signingKey, err := decodeSigningSecret(s.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if s.SubscriberBuffer <= 0 {
		return nil, fmt.Errorf("subscriber buffer must be positive, got %d", s.SubscriberBuffer)
	}
	if s.IdleTimeout < 0 {
		return nil, fmt.Errorf("idle timeout cannot be negative")
	}
	if s.KeepAlive <= 0 {
		return nil, fmt.Errorf("keepalive interval must be positive")
	}
	if s.IdleTimeout != 0 && s.IdleTimeout <= s.KeepAlive {
		return nil, fmt.Errorf("idle timeout %s must be longer than keepalive interval %s", s.IdleTimeout, s.KeepAlive)
	}

	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	return &Config{
		ServerAddr:       s.Addr,
		Store:            s.Store,
		DatabaseDSN:      s.DSN,
		BadgerPath:       s.BadgerPath,
		SigningKey:       signingKey,
		AllowedOrigins:   s.AllowedOrigins,
		SubscriberBuffer: s.SubscriberBuffer,
		IdleTimeout:      s.IdleTimeout,
		KeepAlive:        s.KeepAlive,
		LogLevel:         level,
	}, nil
}
