package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOutput returns where long-running commands should log: a rotating file
// when log.file is set, stderr otherwise. The returned closer must be
// closed on exit.
func (c *Config) LogOutput() (io.Writer, io.Closer) {
	if c.Log.File == "" {
		return os.Stderr, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
		Compress:   true,
	}
	return lj, lj
}

// NewLogger returns a logger with the given component prefix writing to w.
func NewLogger(w io.Writer, prefix string) *log.Logger {
	return log.New(w, "["+prefix+"] ", log.LstdFlags)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
