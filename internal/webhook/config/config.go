package config

import "time"

const (
	SchemeHMACSHA256   = "hmac-sha256"
	SchemeJWT          = "jwt"
	SchemeSharedSecret = "shared-secret"
)

type Config struct {
	Secret          string `validate:"required"`
	SignatureScheme string `validate:"oneof=hmac-sha256 jwt shared-secret"`
	// Заголовок с подписью; для jwt допускается префикс Bearer
	SignatureHeader string `validate:"required"`
	// Допустимое расхождение суммы, в минимальных единицах
	AmountTolerance int64         `validate:"gte=0"`
	Timeout         time.Duration `validate:"gt=0"`
	// Перед переходом сверять статус с шлюзом
	Corroborate bool
}
