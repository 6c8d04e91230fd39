// pillar.go — конфигурация эталонного pillar-а.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// PillarConfig содержит параметры конфигурации эталонного pillar-а.
type PillarConfig struct {
	// Порт HTTP-сервера (health, метрики)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// URL брокера AMQP
	BrokerURL string
	// Идентификатор pillar-а
	PillarID string
	// Очередь входящих запросов pillar-а
	Destination string
	// Очередь тревог
	AlarmDestination string

	// Каталог хранения файлов
	DataDir string
	// Коллекции, которые pillar обслуживает
	Collections []string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// LoadPillar загружает конфигурацию pillar-а из переменных окружения.
func LoadPillar() (*PillarConfig, error) {
	cfg := &PillarConfig{}
	var err error

	// BP_PORT — порт HTTP-сервера (по умолчанию 8081)
	cfg.Port, err = getEnvInt("BP_PORT", 8081)
	if err != nil {
		return nil, fmt.Errorf("BP_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("BP_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// BP_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("BP_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("BP_LOG_LEVEL: %w", err)
	}

	// BP_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("BP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("BP_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// BP_BROKER_URL — обязательный
	cfg.BrokerURL, err = getEnvRequired("BP_BROKER_URL")
	if err != nil {
		return nil, err
	}

	// BP_PILLAR_ID — обязательный
	cfg.PillarID, err = getEnvRequired("BP_PILLAR_ID")
	if err != nil {
		return nil, err
	}

	// BP_PILLAR_DESTINATION — очередь pillar-а (по умолчанию bitpreserve.pillar.<id>)
	cfg.Destination = getEnvDefault("BP_PILLAR_DESTINATION", "bitpreserve.pillar."+cfg.PillarID)

	// BP_ALARM_DESTINATION — очередь тревог (по умолчанию bitpreserve.alarm)
	cfg.AlarmDestination = getEnvDefault("BP_ALARM_DESTINATION", "bitpreserve.alarm")

	// BP_PILLAR_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("BP_PILLAR_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// BP_COLLECTIONS — обязательный
	collections, err := getEnvRequired("BP_COLLECTIONS")
	if err != nil {
		return nil, err
	}
	cfg.Collections = parseCSV(collections)
	if len(cfg.Collections) == 0 {
		return nil, fmt.Errorf("BP_COLLECTIONS: не задано ни одной коллекции")
	}

	// BP_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("BP_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BP_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// SetupPillarLogger настраивает глобальный slog-логгер pillar-а.
func SetupPillarLogger(cfg *PillarConfig) *slog.Logger {
	return setupLogger(cfg.LogLevel, cfg.LogFormat)
}
