// Package logging bootstraps zap the way the rest of the pack does it:
// JSON encoding for every destination, rotation via lumberjack for file
// destinations, "both" tees the two.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Destination mirrors the --log-destination flag values.
type Destination string

const (
	Stdout Destination = "stdout"
	File   Destination = "file"
	Both   Destination = "both"
)

// New builds the process-wide logger. logFile is required when dest is
// File or Both.
func New(dest Destination, logFile string) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	var cores []zapcore.Core
	switch dest {
	case Stdout:
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.InfoLevel))
	case File:
		if logFile == "" {
			return nil, fmt.Errorf("logging: --log-file is required when --log-destination=file")
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotatingWriter(logFile)), zap.InfoLevel))
	case Both:
		if logFile == "" {
			return nil, fmt.Errorf("logging: --log-file is required when --log-destination=both")
		}
		cores = append(cores,
			zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.InfoLevel),
			zapcore.NewCore(encoder, zapcore.AddSync(rotatingWriter(logFile)), zap.InfoLevel),
		)
	default:
		return nil, fmt.Errorf("logging: unknown log destination %q", dest)
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}

func rotatingWriter(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
}
