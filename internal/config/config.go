package config

import (
	"errors"
	"flag"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	alertConfig "github.com/iurnickita/paycore/internal/alert/config"
	gatewayConfig "github.com/iurnickita/paycore/internal/gateway/config"
	handlerConfig "github.com/iurnickita/paycore/internal/handler/config"
	leaseConfig "github.com/iurnickita/paycore/internal/lease/config"
	loggerConfig "github.com/iurnickita/paycore/internal/logger/config"
	resyncConfig "github.com/iurnickita/paycore/internal/resync/config"
	storeConfig "github.com/iurnickita/paycore/internal/store/config"
	webhookConfig "github.com/iurnickita/paycore/internal/webhook/config"
)

type Config struct {
	Handler handlerConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Gateway gatewayConfig.Config
	Webhook webhookConfig.Config
	Resync  resyncConfig.Config
	Lease   leaseConfig.Config
	Alert   alertConfig.Config
}

// GetConfig загружает и проверяет конфигурацию сервиса целиком
func GetConfig(args []string) (Config, error) {
	cfg, err := Load(args)
	if err != nil {
		return Config{}, err
	}
	if err = Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет конфигурацию или ее раздел
func Validate(section any) error {
	return validator.New().Struct(section)
}

// Load: значения по умолчанию, затем флаги, затем переменные окружения.
// Файл .env, если есть, подгружается в окружение до разбора.
// args - аргументы командной строки без имени программы; nil - только окружение.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	cfg := Config{}
	flags := flag.NewFlagSet("paycore", flag.ContinueOnError)
	flags.StringVar(&cfg.Handler.ServerAddr, "a", "localhost:8080", "server address")
	flags.StringVar(&cfg.Store.DBDsn, "d", "", "database DSN, empty - in-memory store")
	flags.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	flags.StringVar(&cfg.Gateway.Address, "g", "http://localhost:8081", "payment gateway address")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Handler.ShutdownTimeout = 10 * time.Second
	cfg.Logger.Encoding = "json"
	cfg.Gateway.Timeout = 5 * time.Second
	cfg.Webhook = webhookConfig.Config{
		SignatureScheme: webhookConfig.SchemeHMACSHA256,
		SignatureHeader: "X-Signature",
		Timeout:         3 * time.Second,
	}
	cfg.Resync = resyncConfig.Config{
		Interval:           5 * time.Minute,
		MaxAge:             10 * time.Minute,
		Limit:              100,
		ProbeTimeout:       10 * time.Second,
		LeaseTTL:           4 * time.Minute,
		ExpireMissingAfter: 24 * time.Hour,
	}
	cfg.Alert.KafkaTopic = "paycore.alerts"

	env := envReader{}
	env.getString("RUN_ADDRESS", &cfg.Handler.ServerAddr)
	env.getString("DATABASE_URI", &cfg.Store.DBDsn)
	env.getString("LOG_LEVEL", &cfg.Logger.LogLevel)
	env.getString("LOG_ENCODING", &cfg.Logger.Encoding)
	env.getString("GATEWAY_ADDRESS", &cfg.Gateway.Address)
	env.getDuration("GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)

	env.getString("WEBHOOK_SECRET", &cfg.Webhook.Secret)
	env.getString("WEBHOOK_SIGNATURE_SCHEME", &cfg.Webhook.SignatureScheme)
	env.getString("WEBHOOK_SIGNATURE_HEADER", &cfg.Webhook.SignatureHeader)
	env.getInt64("WEBHOOK_AMOUNT_TOLERANCE", &cfg.Webhook.AmountTolerance)
	env.getDuration("WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)
	env.getBool("WEBHOOK_CORROBORATE", &cfg.Webhook.Corroborate)

	env.getDuration("RESYNC_INTERVAL", &cfg.Resync.Interval)
	env.getDuration("RESYNC_MAX_AGE", &cfg.Resync.MaxAge)
	env.getInt("RESYNC_LIMIT", &cfg.Resync.Limit)
	env.getDuration("RESYNC_PROBE_TIMEOUT", &cfg.Resync.ProbeTimeout)
	env.getDuration("RESYNC_LEASE_TTL", &cfg.Resync.LeaseTTL)
	env.getDuration("RESYNC_EXPIRE_MISSING_AFTER", &cfg.Resync.ExpireMissingAfter)

	env.getString("REDIS_ADDRESS", &cfg.Lease.RedisAddress)
	env.getString("REDIS_PASSWORD", &cfg.Lease.RedisPassword)
	env.getInt("REDIS_DB", &cfg.Lease.RedisDB)

	env.getString("KAFKA_BROKERS", &cfg.Alert.KafkaBrokers)
	env.getString("KAFKA_TOPIC", &cfg.Alert.KafkaTopic)

	if env.err != nil {
		return Config{}, env.err
	}
	return cfg, nil
}

// envReader переопределяет значение, если переменная задана.
// Первая ошибка разбора запоминается.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	return value, ok && value != ""
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = errors.New(key + ": " + err.Error())
	}
}

func (e *envReader) getString(key string, dst *string) {
	if value, ok := e.lookup(key); ok {
		*dst = value
	}
}

func (e *envReader) getDuration(key string, dst *time.Duration) {
	if value, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) getInt(key string, dst *int) {
	if value, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) getInt64(key string, dst *int64) {
	if value, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) getBool(key string, dst *bool) {
	if value, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}
