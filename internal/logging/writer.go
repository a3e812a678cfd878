// Package logging selects the relay's structured log destination from
// config: one of the standard streams, or a size-rotated file.
package logging

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jharlan/mailrelay/internal/config"
)

// NewWriter returns the log destination for the given config. File outputs
// rotate at max_size_mb and old rotations are pruned by count and age.
// Closing a standard-stream writer is a no-op.
func NewWriter(cfg config.LoggingConfig) io.WriteCloser {
	switch cfg.Output {
	case "", "stdout":
		return nopCloser{os.Stdout}
	case "stderr":
		return nopCloser{os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
