package config

type Config struct {
	// Список брокеров через запятую. Пусто - события только в лог
	KafkaBrokers string
	KafkaTopic   string `validate:"required"`
}
