package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Suno      SunoConfig
	Groq      GroqConfig
	Storage   StorageConfig
	Generate  GenerateConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type SunoConfig struct {
	APIKey       string
	BaseURL      string
	CallbackURL  string
	ModelVersion string
}

type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type GenerateConfig struct {
	PollIntervalSeconds int
	WaitTimeoutSeconds  int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("SUNO_API_KEY")
	readSecret("GROQ_API_KEY")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Defaults
	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 10)
	viper.SetDefault("suno.base_url", "https://api.sunoapi.org")
	viper.SetDefault("suno.model_version", "V4_5")
	viper.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("groq.model", "llama-3.1-8b-instant")
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("generate.poll_interval_seconds", 3)
	viper.SetDefault("generate.wait_timeout_seconds", 120)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
		},
		Suno: SunoConfig{
			APIKey:       viper.GetString("suno.api_key"),
			BaseURL:      viper.GetString("suno.base_url"),
			CallbackURL:  viper.GetString("suno.callback_url"),
			ModelVersion: normalizeModelVersion(viper.GetString("suno.model_version")),
		},
		Groq: GroqConfig{
			APIKey:  viper.GetString("groq.api_key"),
			BaseURL: viper.GetString("groq.base_url"),
			Model:   viper.GetString("groq.model"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			Region:          viper.GetString("storage.region"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       strings.TrimRight(viper.GetString("storage.public_url"), "/"),
		},
		Generate: GenerateConfig{
			PollIntervalSeconds: viper.GetInt("generate.poll_interval_seconds"),
			WaitTimeoutSeconds:  viper.GetInt("generate.wait_timeout_seconds"),
		},
	}

	return cfg, nil
}

// normalizeModelVersion maps dotted version names to the provider's
// underscore form (V4.5 -> V4_5).
func normalizeModelVersion(v string) string {
	return strings.ReplaceAll(v, ".", "_")
}
