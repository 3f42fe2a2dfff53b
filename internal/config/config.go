// Package config assembles process configuration from defaults, an
// optional YAML file, and TRACKCAST_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/trackcast/internal/broker"
	"github.com/signalsfoundry/trackcast/internal/ingest"
	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/internal/observability"
	"github.com/signalsfoundry/trackcast/internal/sim"
)

// Store drivers.
const (
	StoreNone   = "none"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	HTTP       HTTPConfig                  `yaml:"http"`
	GRPC       GRPCConfig                  `yaml:"grpc"`
	Simulation SimulationConfig            `yaml:"simulation"`
	Broker     broker.Config               `yaml:"broker"`
	Transport  TransportConfig             `yaml:"transport"`
	Ingest     IngestConfig                `yaml:"ingest"`
	Store      StoreConfig                 `yaml:"store"`
	Logging    LoggingConfig               `yaml:"logging"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

// HTTPConfig configures the control and WebSocket listener.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// GRPCConfig configures the health listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// SimulationConfig wraps the engine parameters.
type SimulationConfig struct {
	// Autostart starts the driver at boot; otherwise it waits for
	// POST /control/simulation/start.
	Autostart  bool `yaml:"autostart"`
	sim.Params `yaml:",inline"`
}

// TransportConfig tunes observer sockets.
type TransportConfig struct {
	PingInterval time.Duration `yaml:"pingInterval"`
	WriteWait    time.Duration `yaml:"writeWait"`
}

// IngestConfig configures the external feed. When both URL and File are
// empty the runner only retires expired ingest tracks.
type IngestConfig struct {
	Autostart     bool          `yaml:"autostart"`
	URL           string        `yaml:"url"`
	File          string        `yaml:"file"`
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	SeenCacheSize int           `yaml:"seenCacheSize"`
	// Timezone names the IANA zone whose calendar days bound dedup.
	Timezone string `yaml:"timezone"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	SQLitePath    string        `yaml:"sqlitePath"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	RedisTTL      time.Duration `yaml:"redisTTL"`
	QueueSize     int           `yaml:"queueSize"`
}

// LoggingConfig mirrors logging.Config for the file form.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080", AllowedOrigins: []string{"*"}},
		GRPC: GRPCConfig{Addr: ":50051"},
		Simulation: SimulationConfig{
			Autostart: true,
			Params:    sim.DefaultParams(),
		},
		Broker: broker.DefaultConfig(),
		Transport: TransportConfig{
			PingInterval: 30 * time.Second,
			WriteWait:    10 * time.Second,
		},
		Ingest: IngestConfig{
			Interval:      ingest.DefaultInterval,
			Timeout:       30 * time.Second,
			SeenCacheSize: 1024,
			Timezone:      "Local",
		},
		Store: StoreConfig{
			Driver:     StoreNone,
			SQLitePath: "data/trackcast.db",
			RedisAddr:  "localhost:6379",
			RedisTTL:   48 * time.Hour,
			QueueSize:  1024,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty)
// and then the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays data onto cfg, rejecting unknown keys.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays TRACKCAST_* variables plus LOG_LEVEL and LOG_FORMAT.
// Malformed values are reported together.
func (c *Config) ApplyEnv() error {
	e := envReader{}

	e.str("TRACKCAST_HTTP_ADDR", &c.HTTP.Addr)
	e.list("TRACKCAST_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)
	e.str("TRACKCAST_GRPC_ADDR", &c.GRPC.Addr)

	e.boolean("TRACKCAST_SIMULATION_AUTOSTART", &c.Simulation.Autostart)
	e.duration("TRACKCAST_TICK_PERIOD", &c.Simulation.TickPeriod)
	e.float("TRACKCAST_SPAWN_PROBABILITY", &c.Simulation.SpawnProbability)
	e.float("TRACKCAST_INTERCEPT_PROBABILITY", &c.Simulation.InterceptProbability)
	e.float("TRACKCAST_INTERCEPT_SUCCESS", &c.Simulation.InterceptSuccess)
	e.integer("TRACKCAST_MAX_ACTIVE", &c.Simulation.MaxActive)
	e.uint("TRACKCAST_SEED", &c.Simulation.Seed)

	e.duration("TRACKCAST_IDLE_TIMEOUT", &c.Broker.IdleTimeout)
	e.duration("TRACKCAST_SWEEP_INTERVAL", &c.Broker.SweepInterval)
	e.integer("TRACKCAST_QUEUE_SIZE", &c.Broker.QueueSize)

	e.boolean("TRACKCAST_INGEST_AUTOSTART", &c.Ingest.Autostart)
	e.str("TRACKCAST_INGEST_URL", &c.Ingest.URL)
	e.str("TRACKCAST_INGEST_FILE", &c.Ingest.File)
	e.duration("TRACKCAST_INGEST_INTERVAL", &c.Ingest.Interval)
	e.str("TRACKCAST_INGEST_TIMEZONE", &c.Ingest.Timezone)

	e.str("TRACKCAST_STORE_DRIVER", &c.Store.Driver)
	e.str("TRACKCAST_SQLITE_PATH", &c.Store.SQLitePath)
	e.str("TRACKCAST_REDIS_ADDR", &c.Store.RedisAddr)
	e.str("TRACKCAST_REDIS_PASSWORD", &c.Store.RedisPassword)
	e.integer("TRACKCAST_REDIS_DB", &c.Store.RedisDB)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)

	c.Tracing.ApplyEnv()
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	return errors.Join(e.errs...)
}

// Validate reports every out-of-range setting.
func (c Config) Validate() error {
	var errs []error
	if err := c.Simulation.Params.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("config: http.addr is required"))
	}
	if c.Broker.IdleTimeout <= 0 || c.Broker.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: broker idleTimeout and sweepInterval must be positive"))
	}
	if c.Broker.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("config: broker queueSize must be positive, got %d", c.Broker.QueueSize))
	}
	if c.Transport.PingInterval <= 0 || c.Transport.WriteWait <= 0 {
		errs = append(errs, errors.New("config: transport pingInterval and writeWait must be positive"))
	}
	if c.Ingest.Interval <= 0 {
		errs = append(errs, fmt.Errorf("config: ingest interval must be positive, got %s", c.Ingest.Interval))
	}
	if c.Ingest.URL != "" && c.Ingest.File != "" {
		errs = append(errs, errors.New("config: set at most one of ingest.url and ingest.file"))
	}
	if _, err := c.Ingest.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case StoreNone, StoreSQLite, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("config: unknown store driver %q", c.Store.Driver))
	}
	if c.Store.Driver != StoreNone && c.Store.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("config: store queueSize must be positive, got %d", c.Store.QueueSize))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c IngestConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: ingest timezone: %w", err)
	}
	return loc, nil
}

// LoggerConfig converts the file form for logging.New.
func (c LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format}
}

// Redacted returns a copy safe to expose on the control surface.
func (c Config) Redacted() Config {
	if c.Store.RedisPassword != "" {
		c.Store.RedisPassword = "***"
	}
	return c
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint(key string, dst *uint64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
