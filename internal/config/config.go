package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	NotifyListKey         string
	AMQPURL               string
	AMQPExchange          string
	AuthSecret            string
	AccessTokenTTLMinutes int
	StationID             string
	Timezone              string
	TaxEnabled            bool
	TaxRate               decimal.Decimal
	AllowNegativeStock    bool
	RequireOpenShift      bool
	ReconcileInterval     time.Duration
	LogLevel              string
	OTLPEndpoint          string
	ServiceName           string
}

// Load reads the process environment. A .env file in the working directory is
// applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	taxRate, err := decimal.NewFromString(getEnv("TAX_RATE", "10"))
	if err != nil || taxRate.IsNegative() {
		taxRate = decimal.NewFromInt(10)
	}
	interval, err := time.ParseDuration(getEnv("RECONCILE_INTERVAL", "30s"))
	if err != nil || interval <= 0 {
		interval = 30 * time.Second
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		NotifyListKey:         getEnv("NOTIFY_LIST_KEY", "ledger:notifications"),
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", "ledger.notifications"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		StationID:             getEnv("STATION_ID", "main"),
		Timezone:              getEnv("TIMEZONE", "Asia/Jakarta"),
		TaxEnabled:            getBool("TAX_ENABLED", true),
		TaxRate:               taxRate,
		AllowNegativeStock:    getBool("ALLOW_NEGATIVE_STOCK", true),
		RequireOpenShift:      getBool("REQUIRE_OPEN_SHIFT", true),
		ReconcileInterval:     interval,
		LogLevel:              strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:           getEnv("SERVICE_NAME", "kasir-ledger"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
