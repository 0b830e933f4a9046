package config

import "time"

type Config struct {
	Interval time.Duration `validate:"gt=0"`
	// Платеж без смены статуса дольше MaxAge считается зависшим
	MaxAge       time.Duration `validate:"gt=0"`
	Limit        int           `validate:"gt=0"`
	ProbeTimeout time.Duration `validate:"gt=0"`
	// Срок аренды ограничивает и сам прогон; должен вмещать хотя бы один запрос
	LeaseTTL time.Duration `validate:"gt=0,gtfield=ProbeTimeout"`
	// Шлюз не знает транзакцию дольше этого срока - платеж неуспешен
	ExpireMissingAfter time.Duration `validate:"gt=0"`
}
