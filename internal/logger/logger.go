package logger

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iurnickita/paycore/internal/logger/config"
)

// NewZapLog - логер сервиса. Время в ISO8601, у каждой записи поле service;
// console удобен при локальном запуске и в утилите.
func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zapcfg := zap.NewProductionConfig()
	if cfg.Encoding == "console" {
		zapcfg = zap.NewDevelopmentConfig()
	}
	zapcfg.Level = level
	zapcfg.EncoderConfig.TimeKey = "ts"
	zapcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// отказы по уведомлениям пишутся для аудита, их не прореживаем
	zapcfg.Sampling = nil
	zapcfg.InitialFields = map[string]any{"service": "paycore"}
	return zapcfg.Build()
}

// middleware-логер для входящих HTTP-запросов.
// Тело запроса не пишется: в уведомлениях шлюза бывают реквизиты плательщика.
func RequestLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wl := NewResponseWriterLogger(w)

		handlerStart := time.Now()
		h(wl, r)
		handlerDuration := time.Since(handlerStart)

		zaplog.Info("HTTP request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Int("code", wl.statusCode),
			zap.Int("length", wl.length),
			zap.Duration("duration", handlerDuration),
		)
	}
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{w, http.StatusOK, 0}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}

// StatusCode - код ответа, записанный обработчиком
func (wl *responseWriterLogger) StatusCode() int {
	return wl.statusCode
}
