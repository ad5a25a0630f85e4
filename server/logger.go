// Copyright 2025 The OpenChat Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewConsoleLogger builds a development console logger. Used by tests and
// tooling.
func NewConsoleLogger(output *os.File, verbose bool) *zap.Logger {
	consoleEncoder := zapcore.NewConsoleEncoder(newLogEncoderConfig(false))
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(consoleEncoder, zapcore.Lock(output), level)
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel))
}

// NewJSONLogger builds a JSON logger writing to the given output. Used before
// configuration is available, and as a fallback when file logging fails.
func NewJSONLogger(output *os.File, level zapcore.Level) *zap.Logger {
	jsonEncoder := zapcore.NewJSONEncoder(newLogEncoderConfig(true))
	core := zapcore.NewCore(jsonEncoder, zapcore.Lock(output), level)
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel))
}

// SetupLogging builds the runtime logger and a plain console logger used for
// startup output. The runtime logger honours the configured level, format and
// optional rotating file output.
func SetupLogging(config Config) (*zap.Logger, *zap.Logger) {
	cfg := config.GetLogger()
	level := parseLogLevel(cfg.Level)

	consoleEncoder := zapcore.NewConsoleEncoder(newLogEncoderConfig(false))
	startupLogger := zap.New(
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level),
		zap.AddStacktrace(zap.ErrorLevel),
	)

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "console":
		encoder = zapcore.NewConsoleEncoder(newLogEncoderConfig(false))
	default:
		encoder = zapcore.NewJSONEncoder(newLogEncoderConfig(true))
	}

	cores := make([]zapcore.Core, 0, 2)
	if cfg.Stdout {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}
	if cfg.File != "" {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder, writer, level))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
	return logger, startupLogger
}

func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func newLogEncoderConfig(json bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
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
	if !json {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg
}
