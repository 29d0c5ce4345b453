package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ServiceSim     = "sim"
	ServiceGRPC    = "grpc"
	ServiceBaresip = "baresip"
)

type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"local"`

	// Session timing
	RingTimeout        time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`
	AutoDeclineTimeout time.Duration `env:"AUTO_DECLINE_TIMEOUT" envDefault:"30s"`
	TickInterval       time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	CallTimeout        time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`

	// Call Service
	CallService     string `env:"CALL_SERVICE" envDefault:"sim"`
	CallServiceAddr string `env:"CALL_SERVICE_ADDR" envDefault:"localhost:50061"`
	CallServiceTLS  bool   `env:"CALL_SERVICE_TLS" envDefault:"false"`
	BaresipAddr     string `env:"BARESIP_ADDR" envDefault:"localhost:4444"`
	SipDomain       string `env:"SIP_DOMAIN" envDefault:"localhost"`

	// Simulator
	SimRingAfter   time.Duration `env:"SIM_RING_AFTER" envDefault:"500ms"`
	SimAnswerAfter time.Duration `env:"SIM_ANSWER_AFTER" envDefault:"3s"`
	SimFailStart   bool          `env:"SIM_FAIL_START" envDefault:"false"`

	// History
	RedisEnabled  bool          `env:"REDIS_ENABLED" envDefault:"false"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUsername string        `env:"REDIS_USERNAME"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	HistoryPrefix string        `env:"HISTORY_PREFIX" envDefault:"callctl:history:v1"`
	HistoryTTL    time.Duration `env:"HISTORY_TTL" envDefault:"720h"`
	HistoryMax    int           `env:"HISTORY_MAX" envDefault:"100"`

	// Listeners
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8090"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":50061"`
}

// Load reads .env (or ENV_FILE) and then the environment.
func Load() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}
	cfg, err := New[Config]()
	if err != nil {
		return nil, err
	}
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.CallService = strings.ToLower(strings.TrimSpace(cfg.CallService))
	return cfg, nil
}

// IsDevelopment reports whether APP_ENV selects development logging.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "local" || c.AppEnv == "dev" || c.AppEnv == "development"
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.AppEnv {
	case "local", "dev", "development", "test", "prod", "production":
	default:
		add("APP_ENV %q is not one of local|dev|test|prod", c.AppEnv)
	}
	for name, d := range map[string]time.Duration{
		"RING_TIMEOUT":         c.RingTimeout,
		"AUTO_DECLINE_TIMEOUT": c.AutoDeclineTimeout,
		"TICK_INTERVAL":        c.TickInterval,
		"CALL_TIMEOUT":         c.CallTimeout,
	} {
		if d <= 0 {
			add("%s must be positive, got %s", name, d)
		}
	}
	switch c.CallService {
	case ServiceSim:
		if c.SimRingAfter < 0 || c.SimAnswerAfter < 0 {
			add("SIM_RING_AFTER and SIM_ANSWER_AFTER must not be negative")
		}
	case ServiceGRPC:
		if strings.TrimSpace(c.CallServiceAddr) == "" {
			add("CALL_SERVICE_ADDR is required for CALL_SERVICE=grpc")
		}
	case ServiceBaresip:
		if strings.TrimSpace(c.BaresipAddr) == "" {
			add("BARESIP_ADDR is required for CALL_SERVICE=baresip")
		}
	default:
		add("CALL_SERVICE %q is not one of sim|grpc|baresip", c.CallService)
	}
	if c.RedisEnabled && strings.TrimSpace(c.RedisAddr) == "" {
		add("REDIS_ADDR is required when REDIS_ENABLED=true")
	}
	if c.HistoryMax <= 0 {
		add("HISTORY_MAX must be positive, got %d", c.HistoryMax)
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}
