package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

const (
	defaultServerAddress     = ":8080"
	defaultDatabaseDSN       = ""
	defaultLogLevel          = "info"
	defaultServiceURL        = "http://localhost:3000"
	defaultServiceTimeout    = 5 * time.Second
	defaultRedisAddr         = ""
	defaultRabbitMQURL       = ""
	defaultJWTSecret         = ""
	defaultReconcileInterval = 10 * time.Second
)

type Config struct {
	ServerAddr        string
	DatabaseDSN       string
	LogLevel          string
	CartServiceURL    string
	RestaurantURL     string
	PaymentURL        string
	UserServiceURL    string
	ServiceTimeout    time.Duration
	RedisAddr         string
	RabbitMQURL       string
	JWTSecret         string
	ReconcileInterval time.Duration
}

// New returns new Config parsed from args, environment variables take precedence
func New(args []string) (*Config, error) {
	cfg := Config{}

	fs := flag.NewFlagSet("orderflow", flag.ContinueOnError)

	// initialize flags
	fs.StringVar(&cfg.ServerAddr, "a", defaultServerAddress, "server address")
	fs.StringVar(&cfg.DatabaseDSN, "d", defaultDatabaseDSN, "database DSN, in-memory storage if empty")
	fs.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")
	fs.StringVar(&cfg.CartServiceURL, "cart", defaultServiceURL, "cart service base URL")
	fs.StringVar(&cfg.RestaurantURL, "restaurant", defaultServiceURL, "restaurant service base URL")
	fs.StringVar(&cfg.PaymentURL, "payment", defaultServiceURL, "payment service base URL")
	fs.StringVar(&cfg.UserServiceURL, "user", defaultServiceURL, "user service base URL")
	fs.DurationVar(&cfg.ServiceTimeout, "timeout", defaultServiceTimeout, "downstream call timeout")
	fs.StringVar(&cfg.RedisAddr, "redis", defaultRedisAddr, "redis address for idempotency keys")
	fs.StringVar(&cfg.RabbitMQURL, "amqp", defaultRabbitMQURL, "rabbitmq URL for status events")
	fs.StringVar(&cfg.JWTSecret, "jwt", defaultJWTSecret, "bearer token HMAC secret")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile", defaultReconcileInterval, "payment reconciliation interval")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// if environment variable is set, then using it
	envs := map[string]*string{
		"RUN_ADDRESS":            &cfg.ServerAddr,
		"DATABASE_URI":           &cfg.DatabaseDSN,
		"LOG_LEVEL":              &cfg.LogLevel,
		"CART_SERVICE_URL":       &cfg.CartServiceURL,
		"RESTAURANT_SERVICE_URL": &cfg.RestaurantURL,
		"PAYMENT_SERVICE_URL":    &cfg.PaymentURL,
		"USER_SERVICE_URL":       &cfg.UserServiceURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"RABBITMQ_URL":           &cfg.RabbitMQURL,
		"JWT_SECRET":             &cfg.JWTSecret,
	}
	for name, dst := range envs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SERVICE_TIMEOUT":    &cfg.ServiceTimeout,
		"RECONCILE_INTERVAL": &cfg.ReconcileInterval,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = d
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	return &cfg, nil
}
