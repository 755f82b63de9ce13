package dashboard

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// relatedIDPattern finds a contract id or address in free text.
var relatedIDPattern = regexp.MustCompile(`0x[a-fA-F0-9]{40,}`)

// RelatedIDKey is the log attribute the sink uses to tag entries.
const RelatedIDKey = "contractId"

// Handler returns an slog.Handler that copies records into the sink's log.
// Combine it with the console handler via logging.Tee.
func (s *Sink) Handler() slog.Handler {
	return &logHandler{sink: s}
}

type logHandler struct {
	sink    *Sink
	related string // from WithAttrs
	groups  bool
}

func (h *logHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.cfg.MinLogLevel
}

func (h *logHandler) Handle(_ context.Context, r slog.Record) error {
	related := h.related
	if !h.groups {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == RelatedIDKey {
				related = a.Value.String()
				return false
			}
			return true
		})
	}
	if related == "" {
		related = relatedIDPattern.FindString(r.Message)
	}

	s := h.sink
	s.enqueue(event{kind: kindLog, log: LogEntry{
		Timestamp: r.Time,
		Level:     strings.ToLower(r.Level.String()),
		Message:   r.Message,
		RelatedID: strings.ToLower(related),
	}}, "log")
	return nil
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	if !h.groups {
		for _, a := range attrs {
			if a.Key == RelatedIDKey {
				next.related = a.Value.String()
			}
		}
	}
	return &next
}

// Attributes inside a group are namespaced and never tag an entry.
func (h *logHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = true
	return &next
}
