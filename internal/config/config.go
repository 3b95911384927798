package config

import "os"

type Config struct {
	ListenAddr   string
	DBPath       string
	ModelBackend string
	OllamaHost   string
	OllamaModel  string
	ClaudeAPIKey string
	ClaudeModel  string
	SearchURL    string
	GeocodeURL   string
	GeolocateURL string
	PhotoPath    string
	LogLevel     string
	LogFile      string
	TestMode     bool
}

func Load() *Config {
	return &Config{
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		DBPath:       getEnv("DB_PATH", "/data/housecall.db"),
		ModelBackend: getEnv("MODEL_BACKEND", "claude"),
		OllamaHost:   getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:  getEnv("OLLAMA_MODEL", "llava"),
		ClaudeAPIKey: getEnv("CLAUDE_API_KEY", ""),
		ClaudeModel:  getEnv("CLAUDE_MODEL", "claude-sonnet-4-20250514"),
		SearchURL:    getEnv("PROVIDER_SEARCH_URL", "http://localhost:9090/search"),
		GeocodeURL:   getEnv("GEOCODE_URL", "http://localhost:9090/geocode"),
		GeolocateURL: getEnv("GEOLOCATE_URL", "http://localhost:9090/locate"),
		PhotoPath:    getEnv("PHOTO_LOCAL_PATH", "/data/photos"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      getEnv("LOG_FILE", ""),
		TestMode:     os.Getenv("HOUSECALL_TEST_MODE") == "1",
	}
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}
