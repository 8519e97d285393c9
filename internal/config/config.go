package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	AutoMigrate   bool

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisStockStream string
	RedisStateKey    string

	AuthSecret            string
	AccessTokenTTLMinutes int

	FactoryDailyCapacity   int
	FactoryWorkHoursPerDay int

	ReplenishDefaultThreshold int
	ReplenishDefaultTarget    int
	ReplenishCountOpenOrders  bool
	OutboxBuffer              int

	LogLevel  string
	LogFormat string
}

// Load reads the process environment. A .env file in the working directory,
// when present, fills in variables that are not already set.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AutoMigrate:   getBool("AUTO_MIGRATE", false),

		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getInt("REDIS_DB", 0, 0),
		RedisStockStream: getEnv("REDIS_STOCK_STREAM", "konveksi:stock-changed"),
		RedisStateKey:    getEnv("REDIS_STATE_KEY", "konveksi:scheduler:state"),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),

		FactoryDailyCapacity:   getInt("FACTORY_DAILY_CAPACITY", 100, 1),
		FactoryWorkHoursPerDay: getInt("FACTORY_WORK_HOURS_PER_DAY", 8, 1),

		ReplenishDefaultThreshold: getInt("REPLENISH_DEFAULT_THRESHOLD", 10, 0),
		ReplenishDefaultTarget:    getInt("REPLENISH_DEFAULT_TARGET", 0, 0),
		ReplenishCountOpenOrders:  getBool("REPLENISH_COUNT_OPEN_ORDERS", false),
		OutboxBuffer:              getInt("OUTBOX_BUFFER", 256, 1),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
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
