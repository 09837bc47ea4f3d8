// Package log provides the process-wide structured logger for engraveserve.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the configured verbosity of the global logger.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelProgress Level = "progress"
	LevelMinimal  Level = "minimal"
	LevelError    Level = "error"
)

var (
	global      *zap.SugaredLogger
	globalMutex sync.RWMutex
)

// Config controls how the global logger is constructed.
type Config struct {
	Level Level
}

// DefaultConfig returns the configuration used when Init has not been called.
func DefaultConfig() Config {
	return Config{Level: LevelProgress}
}

// Init (re)configures the global logger. Safe to call once at startup, before
// any renderer slots or socket handlers start logging.
func Init(cfg Config) error {
	logger := build(cfg)

	globalMutex.Lock()
	defer globalMutex.Unlock()
	global = logger
	return nil
}

func build(cfg Config) *zap.SugaredLogger {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), zapLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo, LevelProgress:
		return zapcore.InfoLevel
	case LevelMinimal:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Get returns the global logger, lazily initializing it with DefaultConfig.
func Get() *zap.SugaredLogger {
	globalMutex.RLock()
	logger := global
	globalMutex.RUnlock()
	if logger != nil {
		return logger
	}

	built := build(DefaultConfig())
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if global == nil {
		global = built
	}
	return global
}

func Debug(msg string, args ...interface{}) { Get().Debugw(msg, args...) }
func Info(msg string, args ...interface{})  { Get().Infow(msg, args...) }
func Warn(msg string, args ...interface{})  { Get().Warnw(msg, args...) }
func Error(msg string, args ...interface{}) { Get().Errorw(msg, args...) }

// With returns a logger carrying the given structured fields.
func With(args ...interface{}) *zap.SugaredLogger {
	return Get().With(args...)
}

// Sync flushes buffered log entries; call on shutdown.
func Sync() error {
	globalMutex.RLock()
	logger := global
	globalMutex.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Reset clears the global logger. Used by tests.
func Reset() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if global != nil {
		_ = global.Sync()
	}
	global = nil
}
