// Package logger provides the process-wide zap logger.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is safe to use before Init; it just discards everything.
var Logger = zap.NewNop()

// Init configures console output, plus a rotating file when path is non-empty.
func Init(path string, debug bool) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	if len(path) > 0 {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level))
	}

	Logger = zap.New(zapcore.NewTee(cores...))
}
