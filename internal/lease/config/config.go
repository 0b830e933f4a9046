package config

type Config struct {
	// Пустой адрес - аренда в таблице хранилища
	RedisAddress  string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
}
