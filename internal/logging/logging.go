// Package logging builds the prefixed loggers used across the engine.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a stderr logger with the given bracketed prefix.
func New(prefix string) *log.Logger {
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
}

// NewRotating returns a logger that writes to both stderr and a
// size-rotated file. The agent uses this so long-running sessions don't
// grow an unbounded log.
func NewRotating(prefix, path string) *log.Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return log.New(io.MultiWriter(os.Stderr, rotator), "["+prefix+"] ", log.LstdFlags)
}
