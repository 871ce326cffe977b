package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	POSAPIBaseURL            string
	POSAPITimeoutSeconds     int
	POSAPIRequestsPerSecond  int
	SyncIntervalMinutes      int
	BackfillSoftLimitMinutes int
	ReportingCurrency        string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	apiTimeout, err := strconv.Atoi(getEnv("POS_API_TIMEOUT_SECONDS", "30"))
	if err != nil || apiTimeout < 1 {
		apiTimeout = 30
	}
	apiRPS, err := strconv.Atoi(getEnv("POS_API_REQUESTS_PER_SECOND", "10"))
	if err != nil || apiRPS < 1 {
		apiRPS = 10
	}
	syncInterval, err := strconv.Atoi(getEnv("SYNC_INTERVAL_MINUTES", "15"))
	if err != nil || syncInterval < 0 {
		syncInterval = 15
	}
	softLimit, err := strconv.Atoi(getEnv("BACKFILL_SOFT_LIMIT_MINUTES", "25"))
	if err != nil || softLimit < 1 {
		softLimit = 25
	}

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		POSAPIBaseURL:            getEnv("POS_API_BASE_URL", "https://connect.squareup.com"),
		POSAPITimeoutSeconds:     apiTimeout,
		POSAPIRequestsPerSecond:  apiRPS,
		SyncIntervalMinutes:      syncInterval,
		BackfillSoftLimitMinutes: softLimit,
		ReportingCurrency:        strings.ToUpper(getEnv("REPORTING_CURRENCY", "GBP")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
