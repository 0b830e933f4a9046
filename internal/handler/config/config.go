package config

import "time"

type Config struct {
	ServerAddr string `validate:"required"`
	// Ожидание завершения запросов при остановке
	ShutdownTimeout time.Duration `validate:"gt=0"`
}
