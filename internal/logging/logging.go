// Package logging builds the process zap logger and scrubs secrets from logged errors.
package logging

import (
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger. Development and test environments get a console encoder,
// everything else JSON. level is one of debug, info, warn, error (default info).
func New(env, level, service string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		zapLevel = zap.InfoLevel
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeDuration = zapcore.SecondsDurationEncoder
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(zapLevel))
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	return logger.With(
		zap.String("service", service),
		zap.String("environment", env),
	), nil
}

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	// Session ids, refresh tokens, JWTs, base64 key material and PAKE messages all
	// contain long runs of these characters.
	opaquePattern = regexp.MustCompile(`[A-Za-z0-9\-_+/=.]{32,}`)
)

// Redact strips bearer credentials and long opaque strings from s.
func Redact(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer [REDACTED]")
	return opaquePattern.ReplaceAllString(s, "[REDACTED]")
}

// Err is zap.Error with the message passed through Redact.
func Err(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", Redact(err.Error()))
}
