package config

import "time"

type Config struct {
	Address string `validate:"required,url"`
	// Таймаут одного запроса к шлюзу
	Timeout time.Duration `validate:"gt=0"`
}
