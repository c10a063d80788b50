package log

import (
	"context"
	"log/slog"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// JournalHandler is a custom slog.Handler for systemd journal.
type JournalHandler struct {
	attrs []slog.Attr
}

// Handle handles a log record.
func (h *JournalHandler) Handle(ctx context.Context, record slog.Record) error {
	priority := mapPriority(record.Level)

	// Build message and fields
	message := record.Message
	fields := make(map[string]string)
	for _, a := range h.attrs {
		fields[journalField(a.Key)] = a.Value.String()
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[journalField(a.Key)] = a.Value.String()
		return true
	})

	// Send log entry to the journal
	return journal.Send(message, priority, fields)
}

// Enabled implements slog.Handler.
func (h *JournalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= globalLevel.Level()
}

// WithAttrs implements slog.Handler.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &JournalHandler{attrs: make([]slog.Attr, 0, len(h.attrs)+len(attrs))}
	n.attrs = append(n.attrs, h.attrs...)
	n.attrs = append(n.attrs, attrs...)
	return n
}

// WithGroup implements slog.Handler.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	return h
}

// journalField converts an attribute key to a valid journal field name: uppercase letters, digits and underscores.
func journalField(key string) string {
	key = strings.ToUpper(key)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.TrimLeft(key, "_"))
}

func mapPriority(level slog.Level) journal.Priority {
	if level <= slog.LevelDebug {
		return journal.PriDebug
	}
	if level <= slog.LevelInfo {
		return journal.PriInfo
	}
	if level <= slog.LevelWarn {
		return journal.PriWarning
	}
	if level <= slog.LevelError {
		return journal.PriErr
	}
	return journal.PriCrit
}
