package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version of the tutor-session library.
const Version = "0.3.1"

type GetenvParser[T any] func(raw string) (T, error)

func GetenvString(raw string) (string, error) {
	return strings.TrimSpace(raw), nil
}

func GetenvBool(raw string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(raw))
}

func GetenvDuration(raw string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(raw))
}

// Getenv reads and parses an environment variable. When required is false and
// the variable is unset, fallback is returned.
func Getenv[T any](parse GetenvParser[T], key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("required environment variable %s is not set", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv that panics on error.
func MustGetenv[T any](parse GetenvParser[T], key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
