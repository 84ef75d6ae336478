package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	AuthSecret  string `env:"AUTH_SECRET"`

	Database Database `envPrefix:"DATABASE_"`
	Stripe   Stripe   `envPrefix:"STRIPE_"`
	Webhook  Webhook  `envPrefix:"WEBHOOK_"`
	Redis    Redis    `envPrefix:"REDIS_"`
}

type Database struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"` // mysql | sqlite
	URL    string `env:"URL" envDefault:"fortune.db"`
}

type Stripe struct {
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	Currency      string `env:"CURRENCY" envDefault:"usd"`
}

type Webhook struct {
	Tolerance    time.Duration `env:"TOLERANCE" envDefault:"300s"`
	DedupTTL     time.Duration `env:"DEDUP_TTL" envDefault:"24h"`
	DedupBackend string        `env:"DEDUP_BACKEND" envDefault:"memory"` // memory | redis | database
}

type Redis struct {
	Address  string `env:"ADDRESS"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}

// RedisEnabled reports whether a shared Redis instance is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Address != ""
}
