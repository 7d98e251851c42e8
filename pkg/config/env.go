package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadDotEnv seeds the process environment from .env when present. Variables
// already set win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// FromEnv resolves the trading configuration from the environment after
// seeding it from .env.
func FromEnv() (TradingConfig, error) {
	LoadDotEnv()
	return Resolve(os.Getenv)
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SetupLogging configures the standard logrus logger for a worker process.
func SetupLogging() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		logrus.Warnf("Unknown LOG_LEVEL %q, using info", os.Getenv("LOG_LEVEL"))
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
