package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret  string
	JWTTTL     time.Duration
	APIClients string

	LogLevel  string
	LogFormat string

	Sweep       Sweep
	Retention   time.Duration
	Housekeep   string
	Templates   string
	Delivery    Delivery
	MaxAttempts int
}

// Sweep tunes the delivery loop.
type Sweep struct {
	Interval    time.Duration
	BatchSize   int
	RetryDelay  time.Duration
	SendTimeout time.Duration
	Lease       time.Duration
}

type Delivery struct {
	Mode       string // "live" or "log"
	RatePerSec float64

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	SMSURL        string
	SMSToken      string
	PushURL       string
	PushToken     string
	WhatsAppURL   string
	WhatsAppToken string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          getenv("DATABASE_URL", ""),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",

		JWTSecret:  getenv("JWT_SECRET", ""),
		JWTTTL:     p.duration("JWT_TTL", 24*time.Hour),
		APIClients: getenv("API_CLIENTS", ""),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		Sweep: Sweep{
			Interval:    p.duration("SWEEP_INTERVAL", 60*time.Second),
			BatchSize:   p.int("SWEEP_BATCH", 100),
			RetryDelay:  p.duration("RETRY_DELAY", 5*time.Minute),
			SendTimeout: p.duration("SEND_TIMEOUT", 10*time.Second),
			Lease:       p.duration("CLAIM_LEASE", 5*time.Minute),
		},
		Retention:   p.duration("RETENTION", 30*24*time.Hour),
		Housekeep:   getenv("HOUSEKEEPING_SCHEDULE", "@daily"),
		Templates:   getenv("TEMPLATES_FILE", ""),
		MaxAttempts: p.int("MAX_ATTEMPTS", 3),

		Delivery: Delivery{
			Mode:       getenv("DELIVERY_MODE", "live"),
			RatePerSec: p.float("DELIVERY_RATE_PER_SEC", 0),

			SMTPHost: getenv("SMTP_HOST", ""),
			SMTPPort: p.int("SMTP_PORT", 587),
			SMTPUser: getenv("SMTP_USER", ""),
			SMTPPass: getenv("SMTP_PASS", ""),
			SMTPFrom: getenv("SMTP_FROM", ""),

			SMSURL:        getenv("SMS_WEBHOOK_URL", ""),
			SMSToken:      getenv("SMS_WEBHOOK_TOKEN", ""),
			PushURL:       getenv("PUSH_WEBHOOK_URL", ""),
			PushToken:     getenv("PUSH_WEBHOOK_TOKEN", ""),
			WhatsAppURL:   getenv("WHATSAPP_WEBHOOK_URL", ""),
			WhatsAppToken: getenv("WHATSAPP_WEBHOOK_TOKEN", ""),
		},
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("missing env: JWT_SECRET")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.Sweep.Interval <= 0 || c.Sweep.SendTimeout <= 0 || c.Sweep.RetryDelay <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL, SEND_TIMEOUT and RETRY_DELAY must be positive")
	}
	if c.Sweep.Lease <= c.Sweep.SendTimeout {
		return fmt.Errorf("CLAIM_LEASE must be longer than SEND_TIMEOUT")
	}
	if c.Delivery.Mode != "live" && c.Delivery.Mode != "log" {
		return fmt.Errorf("DELIVERY_MODE must be live or log, got %q", c.Delivery.Mode)
	}
	return nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return f
}
