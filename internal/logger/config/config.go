package config

type Config struct {
	LogLevel string `validate:"required,oneof=debug info warn error dpanic panic fatal"`
	// json для сервиса, console для локального запуска
	Encoding string `validate:"omitempty,oneof=json console"`
}
