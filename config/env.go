// Package config provides the minimal environment-variable helpers used to
// configure a microservice's broker connection.
package config

import (
	"fmt"
	"os"
)

// GetEnv returns the value of key, or fallback if key is unset.
func GetEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// MustGetEnv returns the value of key or panics if it is unset. Reserved
// for configuration that has no sane default, e.g. the broker URI in a
// production deployment.
func MustGetEnv(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		panic(fmt.Sprintf("config: required environment variable %q is not set", key))
	}
	return v
}
