package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DBUser         string
	DBPassword     string
	DBName         string
	DBHost         string
	DBPort         string
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisPrefix    string
	CacheBackend   string `validate:"oneof=memory redis"`
	HTTPAddr       string
	AdminCIDRs     []string `validate:"dive,cidr|ip"`
	TrustedProxies []string `validate:"dive,cidr|ip"`
	LogProduction  bool

	Mining    Mining
	Sessions  Sessions
	Referral  Referral
	CacheTTL  time.Duration `validate:"gt=0"`
	LockWait  time.Duration `validate:"gt=0"`
	TxRetries int           `validate:"gte=0"`
}

// Mining holds the reward issuance policy.
type Mining struct {
	CooldownSeconds int     `validate:"gte=0"`
	RewardMin       float64 `validate:"gt=0"`
	RewardMax       float64 `validate:"gtefield=RewardMin"`
	DailyCap        float64 `validate:"gt=0"`
}

// Sessions holds the reconciler settings.
type Sessions struct {
	ProcessingInterval time.Duration `validate:"gt=0"`
	MaxDuration        time.Duration `validate:"gt=0"`
	MinProcessInterval time.Duration `validate:"gte=0"`
	BaseRatePerSecond  float64       `validate:"gt=0"`
	ReferenceHashRate  float64       `validate:"gt=0"`
	Concurrency        int           `validate:"gt=0"`
}

type Referral struct {
	DefaultCommissionRate float64 `validate:"gte=0,lte=1"`
	LevelBonusStep        float64 `validate:"gte=0"`
	Retries               int     `validate:"gte=0"`
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "mining_engine"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		RedisHost:      getEnv("REDIS_HOST", "localhost"),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisPrefix:    getEnv("REDIS_PREFIX", "mining:"),
		CacheBackend:   getEnv("CACHE_BACKEND", "memory"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		AdminCIDRs:     getEnvList("ADMIN_CIDRS", []string{"127.0.0.1/32", "::1/128"}),
		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),
		LogProduction:  getEnvBool("LOG_PRODUCTION", false),

		Mining: Mining{
			CooldownSeconds: getEnvInt("COOLDOWN_SECONDS", 60),
			RewardMin:       getEnvFloat("REWARD_MIN", 0.001),
			RewardMax:       getEnvFloat("REWARD_MAX", 0.01),
			DailyCap:        getEnvFloat("DAILY_CAP", 5),
		},
		Sessions: Sessions{
			ProcessingInterval: getEnvMillis("PROCESSING_INTERVAL_MS", 60*time.Second),
			MaxDuration:        getEnvMillis("MAX_SESSION_DURATION_MS", 24*time.Hour),
			MinProcessInterval: getEnvMillis("MIN_PROCESS_INTERVAL_MS", 30*time.Second),
			BaseRatePerSecond:  getEnvFloat("BASE_RATE_PER_SECOND", 0.00001),
			ReferenceHashRate:  getEnvFloat("REFERENCE_HASH_RATE", 100),
			Concurrency:        getEnvInt("RECONCILE_CONCURRENCY", 4),
		},
		Referral: Referral{
			DefaultCommissionRate: getEnvFloat("DEFAULT_COMMISSION_RATE", 0.1),
			LevelBonusStep:        getEnvFloat("LEVEL_BONUS_STEP", 0.1),
			Retries:               getEnvInt("COMMISSION_RETRIES", 3),
		},
		CacheTTL:  time.Duration(getEnvInt("CACHE_TTL_SECONDS", 30)) * time.Second,
		LockWait:  getEnvMillis("LOCK_TIMEOUT_MS", 5*time.Second),
		TxRetries: getEnvInt("TX_RETRIES", 3),
	}
}

// Validate reports the first set of invalid options.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s=%q, using %d", key, value, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
		log.Printf("Invalid number for %s=%q, using %v", key, value, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvMillis reads a millisecond count.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	ms := getEnvInt(key, int(fallback/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
