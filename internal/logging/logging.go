// Package logging routes the standard logger to a rotating file.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/natefinch/lumberjack"

	"github.com/neurofusion/server/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup sends log output to stderr and, when cfg.File is set, to a rotating
// log file as well. The returned closer flushes the file.
func Setup(cfg config.LogConfig) io.Closer {
	if cfg.File == "" {
		return nopCloser{}
	}
	l := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB, // megabytes
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, l))
	log.Printf("Logging to %s (max %d MB, %d days)", cfg.File, cfg.MaxSizeMB, cfg.MaxAgeDays)
	return l
}
