package session

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Config конфигурация координатора.
type Config struct {
	// UserAgent строка User-Agent для движка
	UserAgent string

	// LocalUser имя пользователя локального аккаунта для peer-to-peer
	// режима (Dial без регистрации)
	LocalUser string

	// LocalHost локальный адрес для идентичности peer-to-peer аккаунта
	LocalHost string

	// MaxCalls максимум одновременных вызовов в движке
	MaxCalls int

	// EventQueueSize размер очереди уведомлений наблюдателей
	EventQueueSize int

	// Logger опциональный логгер; nil - логирование отключено
	Logger *slog.Logger

	// Registerer реестр Prometheus метрик; nil - метрики отключены
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		UserAgent:      "SoftPhone/1.0",
		LocalUser:      "softphone",
		LocalHost:      "127.0.0.1",
		MaxCalls:       4,
		EventQueueSize: 64,
	}
}

// Validate проверяет конфигурацию и подставляет значения по умолчанию.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.LocalUser == "" {
		c.LocalUser = def.LocalUser
	}
	if c.LocalHost == "" {
		c.LocalHost = def.LocalHost
	}
	if c.MaxCalls == 0 {
		c.MaxCalls = def.MaxCalls
	}
	if c.MaxCalls < 0 {
		return fmt.Errorf("MaxCalls должен быть положительным: %d", c.MaxCalls)
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = def.EventQueueSize
	}
	if c.EventQueueSize < 0 {
		return fmt.Errorf("EventQueueSize должен быть положительным: %d", c.EventQueueSize)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}
