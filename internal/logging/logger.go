package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	TransactionIDKey contextKey = "transaction_id"
	HSUserKey        contextKey = "hs_user"
	NetworkKey       contextKey = "network"
)

// Initialize sets up the global logger based on the environment
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		// Common configuration
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// WithHSUser returns a child context carrying the home-server user id,
// picked up by Info/Warn/Error/Fatal via appendContextFields.
func WithHSUser(ctx context.Context, hsUser string) context.Context {
	return context.WithValue(ctx, HSUserKey, hsUser)
}

// WithNetwork returns a child context carrying the network tag, picked
// up by Info/Warn/Error/Fatal via appendContextFields.
func WithNetwork(ctx context.Context, network string) context.Context {
	return context.WithValue(ctx, NetworkKey, network)
}

// appendContextFields adds the context's correlation fields to fields
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if tid, ok := ctx.Value(TransactionIDKey).(string); ok {
		fields = append(fields, zap.String("transaction_id", tid))
	}
	if hu, ok := ctx.Value(HSUserKey).(string); ok {
		fields = append(fields, zap.String("hs_user", hu))
	}
	if nw, ok := ctx.Value(NetworkKey).(string); ok {
		fields = append(fields, zap.String("network", nw))
	}

	// Default service name
	fields = append(fields, zap.String("service", "pumaduct"))

	return fields
}

// PII redaction helpers.

// RedactEmail masks the local part of an email address.
func RedactEmail(email string) string {
	if len(email) == 0 {
		return ""
	}
	atIndex := -1
	for i, c := range email {
		if c == '@' {
			atIndex = i
			break
		}
	}
	if atIndex > 0 {
		return "***" + email[atIndex:]
	}
	return "***"
}

// RedactSecret masks a password or auth token for logging: "" stays "", anything else becomes "***".
func RedactSecret(secret string) string {
	if len(secret) == 0 {
		return ""
	}
	return "***"
}
