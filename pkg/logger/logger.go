// Package logger provides the process-wide logger.
//
// The printf-style helpers keep call sites short. Components that want
// structured fields take a *zap.Logger from L or Named.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config configures the logger.
type Config struct {
	Level      string `yaml:"level" env:"LEVEL"`             // debug, info, warn, error
	Format     string `yaml:"format" env:"FORMAT"`           // console, json
	Output     string `yaml:"output" env:"OUTPUT"`           // stderr, stdout, file, both
	FilePath   string `yaml:"file_path" env:"FILE_PATH"`     // used when Output includes file
	MaxSize    int    `yaml:"max_size" env:"MAX_SIZE"`       // MB
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"` // rotated files kept
	MaxAge     int    `yaml:"max_age" env:"MAX_AGE"`         // days
}

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = build(&Config{})
	sugar = base.Sugar()
)

// Init replaces the global logger. It may be called more than once.
func Init(cfg *Config) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Level != "" {
		SetLevelFromString(cfg.Level)
	}
	l := build(cfg)

	mu.Lock()
	old := base
	base, sugar = l, l.Sugar()
	mu.Unlock()
	_ = old.Sync()
}

func build(cfg *Config) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	switch cfg.Output {
	case "", "stderr", "both":
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	case "stdout":
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// L returns the structured logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.WithOptions(zap.AddCallerSkip(-1))
}

// Named returns a structured logger for a component.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// SetLevel sets the log level.
func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		level.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		level.SetLevel(zapcore.WarnLevel)
	case LevelError:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// SetLevelFromString sets the log level by name. Unknown names mean info.
func SetLevelFromString(s string) {
	switch strings.ToLower(s) {
	case "debug":
		SetLevel(LevelDebug)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	default:
		SetLevel(LevelInfo)
	}
}

// EnableDebug turns on debug logging.
func EnableDebug() { SetLevel(LevelDebug) }

// DisableDebug restores info logging.
func DisableDebug() { SetLevel(LevelInfo) }

// IsDebugEnabled reports whether debug logging is on.
func IsDebugEnabled() bool { return level.Enabled(zapcore.DebugLevel) }

func s() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) { s().Debugf(format, args...) }

// Info logs at info level.
func Info(format string, args ...interface{}) { s().Infof(format, args...) }

// Warn logs at warn level.
func Warn(format string, args ...interface{}) { s().Warnf(format, args...) }

// Error logs at error level.
func Error(format string, args ...interface{}) { s().Errorf(format, args...) }

// Sync flushes buffered entries.
func Sync() { _ = L().Sync() }

// Logger is the printf-style interface components accept for injection.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type pkgLogger struct{ prefix string }

func (p pkgLogger) Debug(format string, args ...interface{}) { Debug(p.prefix+format, args...) }
func (p pkgLogger) Info(format string, args ...interface{})  { Info(p.prefix+format, args...) }
func (p pkgLogger) Warn(format string, args ...interface{})  { Warn(p.prefix+format, args...) }
func (p pkgLogger) Error(format string, args ...interface{}) { Error(p.prefix+format, args...) }

// Default returns a Logger writing through the package logger. Every
// message is prefixed with "<component>: " when component is non-empty.
func Default(component string) Logger {
	if component == "" {
		return pkgLogger{}
	}
	return pkgLogger{prefix: component + ": "}
}

// Nop is a Logger that discards everything.
type Nop struct{}

func (Nop) Debug(string, ...interface{}) {}
func (Nop) Info(string, ...interface{})  {}
func (Nop) Warn(string, ...interface{})  {}
func (Nop) Error(string, ...interface{}) {}
