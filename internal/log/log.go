// Package log configures the logging utilities for the project.
package log

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/coreos/go-systemd/v22/journal"
)

// DefaultBufferSize is the number of records the asynchronous handler holds before dropping.
const DefaultBufferSize = 1024

var globalLevel = &slog.LevelVar{}

// InitHandler initializes the log handler and returns a function flushing pending records.
//
// Records are written by a background goroutine so that logging never blocks an authentication flow.
func InitHandler() (flush func()) {
	var h slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: globalLevel})

	// Use the journal handler if stderr is connected to the journal
	isJournalStream, err := journal.StderrIsJournalStream()
	if err != nil {
		slog.Warn(fmt.Sprintf("Error checking if stderr is connected to the journal: %v", err))
	}
	if isJournalStream {
		h = &JournalHandler{}
	}

	async := NewAsyncHandler(h, DefaultBufferSize)
	slog.SetDefault(slog.New(async))

	return func() { _ = async.Close() }
}

// SetLevel change global handler log level.
func SetLevel(l slog.Level) {
	globalLevel.Set(l)
}

// Level returns the current global log level.
func Level() slog.Level {
	return globalLevel.Level()
}
