package helper

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key or fallback when unset or empty.
func GetEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// GetEnvAsInt parses key as an integer, falling back on absence or parse error.
func GetEnvAsInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func GetEnvAsBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

// GetEnvAsDuration reads key as an integer count of unit.
func GetEnvAsDuration(key string, unit time.Duration, fallback time.Duration) time.Duration {
	n := GetEnvAsInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * unit
}
