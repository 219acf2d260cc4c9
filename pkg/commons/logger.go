// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package commons

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface used across all voicewire components.
// Backed by a zap SugaredLogger in production.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalf(template string, args ...interface{})
	Sync() error
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// LoggerOption customizes the application logger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level   string
	logFile string
}

// WithLevel sets the minimum log level (debug, info, warn, error).
func WithLevel(level string) LoggerOption {
	return func(o *loggerOptions) { o.level = level }
}

// WithLogFile routes output to a size-rotated file in addition to stderr.
func WithLogFile(path string) LoggerOption {
	return func(o *loggerOptions) { o.logFile = path }
}

// NewApplicationLogger creates the process-wide logger.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	options := &loggerOptions{level: "info"}
	for _, opt := range opts {
		opt(options)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if options.logFile != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   options.logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder,
		zapcore.NewMultiWriteSyncer(sinks...),
		parseLevel(options.level))

	logger := zap.New(core, zap.AddCaller())
	return &applicationLogger{logger.Sugar()}, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
