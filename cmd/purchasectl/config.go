package main

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/purchases/internal/app"
)

// loadConfig читает YAML (если задан) и PURCHASES_* поверх DefaultConfig.
// Ключи файла совпадают с именами переменных без префикса: storage_driver, postgres_dsn.
func loadConfig(path string) (app.Config, error) {
	cfg := app.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("PURCHASES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys() {
		if err := v.BindEnv(key); err != nil {
			return cfg, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	// CLI не поднимает HTTP API, секрет JWT ему не нужен.
	cfg.HTTPAddr = ""
	return cfg, cfg.Validate()
}

func configKeys() []string {
	t := reflect.TypeOf(app.Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
