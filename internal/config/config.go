package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                    string
	DatabaseDSN             string
	JWTSecret               string
	Env                     string
	PresenceGraceSeconds    int
	HeartbeatTimeoutSeconds int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 从环境变量加载配置，存在 .env 时先读入（不覆盖已设置的变量）。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                    getenv("APP_PORT", "8080"),
		DatabaseDSN:             getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=nexuschat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:               getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                     getenv("APP_ENV", "dev"),
		PresenceGraceSeconds:    getenvInt("PRESENCE_GRACE_SECONDS", 5),
		HeartbeatTimeoutSeconds: getenvInt("HEARTBEAT_TIMEOUT_SECONDS", 60),
	}
}

// Validate 在启动时做一次性校验，dev 之外禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn must not be empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret not allowed outside dev")
	}
	return nil
}
