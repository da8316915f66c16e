package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rumvm/rum/lib/otel"
)

// loadOtelConfig builds an otel.Config from environment variables, scoped
// to what one daemon process needs: no per-instance resource limits or
// ingress settings apply here.
func loadOtelConfig(vmName string) otel.Config {
	_ = godotenv.Load()

	return otel.Config{
		Enabled:           getEnvBool("OTEL_ENABLED", false),
		Endpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		ServiceName:       getEnv("OTEL_SERVICE_NAME", "rum-supervisor"),
		ServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", vmName),
		Insecure:          getEnvBool("OTEL_INSECURE", true),
		Version:           getEnv("VERSION", "dev"),
		Env:               getEnv("ENV", "unset"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
