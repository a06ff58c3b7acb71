package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	PresenceTopic   string
	OrderEventTopic string

	PGDSN string

	OSRMEndpoint string

	OfferTimeout   time.Duration
	PresenceTTL    time.Duration
	OfflineGrace   time.Duration
	SearchRadiusKm float64

	MaxActiveOrdersPerClient int
	MaxActiveOrdersPerDriver int
	InternalFleetBonus       float64
	CommissionRate           float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:     "drivers_geo",
		PresenceTopic:   "driver-presence",
		OrderEventTopic: "order-events",

		OfferTimeout:   20 * time.Second,
		PresenceTTL:    5 * time.Minute,
		OfflineGrace:   30 * time.Second,
		SearchRadiusKm: 5,

		MaxActiveOrdersPerClient: 5,
		MaxActiveOrdersPerDriver: 3,
		InternalFleetBonus:       10,
		CommissionRate:           0.15,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.PresenceTopic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.OrderEventTopic, "KAFKA_ORDER_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	setDurationFromEnv(&cfg.OfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setDurationFromEnv(&cfg.OfflineGrace, "PRESENCE_OFFLINE_GRACE", &errs)
	setFloatFromEnv(&cfg.SearchRadiusKm, "DISPATCH_SEARCH_RADIUS_KM", &errs)

	setIntFromEnv(&cfg.MaxActiveOrdersPerClient, "MAX_ACTIVE_ORDERS_PER_CLIENT", &errs)
	setIntFromEnv(&cfg.MaxActiveOrdersPerDriver, "MAX_ACTIVE_ORDERS_PER_DRIVER", &errs)
	setFloatFromEnv(&cfg.InternalFleetBonus, "INTERNAL_FLEET_BONUS", &errs)
	setFloatFromEnv(&cfg.CommissionRate, "COMMISSION_RATE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.MaxActiveOrdersPerClient <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_ORDERS_PER_CLIENT must be > 0"))
	}
	if cfg.MaxActiveOrdersPerDriver <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_ORDERS_PER_DRIVER must be > 0"))
	}
	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_KM must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the kafka -> redis locator mirror process.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	Topic        string
	Group        string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr: ":2112",
		Topic:       "driver-presence",
		Group:       "dispatch-locator-mirror",
		RedisAddr:   "localhost:6379",
		RedisGeoKey: "drivers_geo",
		LogLevel:    "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	} else {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
