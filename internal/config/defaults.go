package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SKINCHECK_MODEL_PATH.
const EnvPrefix = "SKINCHECK"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.timezone", "UTC")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=postgres user=postgres password=postgres dbname=skincheck port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.slow_threshold", 200*time.Millisecond)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.ttl", 10*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("model.backend", "onnx")
	v.SetDefault("model.path", "models/skin_model.onnx")
	v.SetDefault("model.labels_path", "models/labels.txt")
	v.SetDefault("model.input_name", "")
	v.SetDefault("model.output_name", "")
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.remote_addr", "")
	v.SetDefault("model.ort_library", "")

	v.SetDefault("predict.rate_limit", 0)
	v.SetDefault("predict.burst", 4)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}

// legacyBindings keeps the variable names the deployment already uses.
var legacyBindings = map[string]string{
	"database.dsn":      "DATABASE_DSN",
	"redis.addr":        "REDIS_ADDR",
	"auth.jwt_secret":   "JWT_SECRET",
	"auth.jwt_audience": "JWT_AUDIENCE",
	"sentry.dsn":        "SENTRY_DSN",
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyBindings {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind %s: %w", legacy, err)
		}
	}
	return nil
}
