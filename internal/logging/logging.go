// Package logging builds per-job rotating loggers. Each pipeline stage and
// the worker write to their own file under <private_root>/logs, rotated at
// 2 MB with 5 backups, mirrored to stderr when run from a terminal.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 2
	maxBackups = 5
)

// New returns a sugared logger writing to <logDir>/<name>.log.
// If the log directory cannot be created the logger falls back to stderr
// only, so a read-only filesystem never blocks a stage.
func New(logDir, name string) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var cores []zapcore.Core

	if err := os.MkdirAll(logDir, 0o755); err == nil {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, name+".log"),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), zapcore.InfoLevel))
	}

	if isTerminal(os.Stderr) || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), zapcore.InfoLevel))
	}

	return zap.New(zapcore.NewTee(cores...)).Sugar().With("pid", os.Getpid())
}

// Nop returns a discard logger for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
