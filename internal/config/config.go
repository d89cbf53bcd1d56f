package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisKeyPrefix        string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	ApplyTax              bool
	EmergencyMode         bool
	PINAttemptsPerMinute  int
}

// Load reads the environment, with a .env file in the working directory
// filling in anything the environment leaves unset.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	if _, err := os.Stat(".env"); err == nil {
		v.SetConfigFile(".env")
		if err := v.ReadInConfig(); err != nil {
			log.Printf("[config] WARN: ignoring .env: %v", err)
		}
	}

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("APPLY_TAX", true)
	v.SetDefault("EMERGENCY_MODE", false)
	v.SetDefault("PIN_ATTEMPTS_PER_MINUTE", 8)

	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	attempts := v.GetInt("PIN_ATTEMPTS_PER_MINUTE")
	if attempts < 1 {
		attempts = 8
	}

	return Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		RedisKeyPrefix:        v.GetString("REDIS_KEY_PREFIX"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(v.GetString("MANAGER_PIN")),
		ApplyTax:              v.GetBool("APPLY_TAX"),
		EmergencyMode:         v.GetBool("EMERGENCY_MODE"),
		PINAttemptsPerMinute:  attempts,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
