package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Batch     BatchConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
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

type BatchConfig struct {
	MaxBatchSize  int
	Concurrency   int
	JobTimeout    time.Duration
	RetentionDays int
	CleanupCron   string
}

type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("batch.max_batch_size", 50)
	viper.SetDefault("batch.concurrency", 10)
	viper.SetDefault("batch.job_timeout_minutes", 30)
	viper.SetDefault("batch.retention_days", 30)
	viper.SetDefault("batch.cleanup_cron", "0 * * * *")
	viper.SetDefault("storage.endpoint", "")
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("storage.access_key_id", "")
	viper.SetDefault("storage.secret_access_key", "")
	viper.SetDefault("storage.bucket_name", "clinisight-scans")
	viper.SetDefault("ratelimit.submit_per_hour", 20)

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
		Batch: BatchConfig{
			MaxBatchSize:  viper.GetInt("batch.max_batch_size"),
			Concurrency:   viper.GetInt("batch.concurrency"),
			JobTimeout:    time.Duration(viper.GetInt("batch.job_timeout_minutes")) * time.Minute,
			RetentionDays: viper.GetInt("batch.retention_days"),
			CleanupCron:   viper.GetString("batch.cleanup_cron"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			Region:          viper.GetString("storage.region"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
	}

	return cfg, nil
}
