// Package config loads georelay settings from the environment.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Address string // relay listen address
	Origin  string // allowed CORS origin for publishers

	// Client
	RelayURL     string // publish endpoint base, e.g. http://localhost:8000
	SocketURL    string // subscribe endpoint base, e.g. ws://localhost:8000/ws
	DashboardURL string // printed with the pairing QR in watch mode

	// Data / logging
	DataDir string
	LogFile string
	Debug   bool
}

func Load() Config {
	_ = godotenv.Load()

	return Config{
		Address:      getEnv("GEORELAY_ADDRESS", ":8000"),
		Origin:       getEnv("GEORELAY_ORIGIN", "https://www.geoguessr.com"),
		RelayURL:     getEnv("GEORELAY_URL", "http://localhost:8000"),
		SocketURL:    getEnv("GEORELAY_SOCKET_URL", "ws://localhost:8000/ws"),
		DashboardURL: getEnv("GEORELAY_DASHBOARD_URL", "http://localhost:3000/dashboard"),
		DataDir:      getEnv("GEORELAY_DATA_DIR", "."),
		LogFile:      getEnv("GEORELAY_LOG_FILE", ""),
		Debug:        getEnvBool("GEORELAY_DEBUG", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
