package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the signaling process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Calls     CallsConfig
	WebSocket WebSocketConfig
	Fanout    FanoutConfig
}

type AppConfig struct {
	Env  string
	Port int

	// ServerID identifies this process inside connection handles.
	// Generated at startup when empty.
	ServerID string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
}

// CallsConfig controls live call session expiry and handler concurrency.
type CallsConfig struct {
	RingingTTL      time.Duration
	AcceptedTTL     time.Duration
	DispatchWorkers int
}

type WebSocketConfig struct {
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type FanoutConfig struct {
	// Backend is "redis" or "kafka".
	Backend      string
	KafkaBrokers []string
	Topic        string
}

const (
	FanoutRedis = "redis"
	FanoutKafka = "kafka"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.ServerID = strings.TrimSpace(os.Getenv("SERVER_ID"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}
	c.Redis.TLS = optionalBool("REDIS_TLS")

	// Duration and sizing env vars are optional; defaults applied in Validate().
	c.Calls.RingingTTL = mustDuration("RINGING_TTL")
	c.Calls.AcceptedTTL = mustDuration("ACCEPTED_TTL")
	{
		n, err := optionalInt("DISPATCH_WORKERS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.DispatchWorkers = n
	}

	{
		n, err := optionalInt("WS_READ_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.WebSocket.ReadLimit = int64(n)
	}
	c.WebSocket.PingInterval = mustDuration("WS_PING_INTERVAL")
	c.WebSocket.WriteTimeout = mustDuration("WS_WRITE_TIMEOUT")

	c.Fanout.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("FANOUT_BACKEND")))
	c.Fanout.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	c.Fanout.Topic = strings.TrimSpace(os.Getenv("FANOUT_TOPIC"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required fields and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
	}

	if c.Calls.RingingTTL <= 0 {
		c.Calls.RingingTTL = 30 * time.Minute
	}
	if c.Calls.AcceptedTTL <= 0 {
		c.Calls.AcceptedTTL = 2 * time.Hour
	}
	if c.Calls.AcceptedTTL < c.Calls.RingingTTL {
		errs = append(errs, errors.New("ACCEPTED_TTL must not be shorter than RINGING_TTL"))
	}
	if c.Calls.DispatchWorkers <= 0 {
		c.Calls.DispatchWorkers = 64
	}

	if c.WebSocket.ReadLimit <= 0 {
		c.WebSocket.ReadLimit = 64 << 10
	}
	if c.WebSocket.PingInterval <= 0 {
		c.WebSocket.PingInterval = 25 * time.Second
	}
	if c.WebSocket.WriteTimeout <= 0 {
		c.WebSocket.WriteTimeout = 10 * time.Second
	}

	if c.Fanout.Backend == "" {
		c.Fanout.Backend = FanoutRedis
	}
	switch c.Fanout.Backend {
	case FanoutRedis:
	case FanoutKafka:
		if len(c.Fanout.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when FANOUT_BACKEND=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("FANOUT_BACKEND must be one of redis, kafka, got %q", c.Fanout.Backend))
	}
	if c.Fanout.Topic == "" {
		c.Fanout.Topic = "rtc.deliver"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
