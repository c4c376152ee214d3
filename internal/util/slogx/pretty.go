package slogx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pongarena/matchcoord/internal/util/style"
)

type PrettyHandlerOptions struct {
	Level slog.Leveler
}

// PrettyHandler renders records as single colored lines for interactive use.
// It is not meant for log aggregation, use slog.JSONHandler for that.
type PrettyHandler struct {
	o      PrettyHandlerOptions
	mu     *sync.Mutex
	w      io.Writer
	attrs  []slog.Attr
	groups []string
}

var _ slog.Handler = (*PrettyHandler)(nil)

func NewPrettyHandler(w io.Writer, o PrettyHandlerOptions) *PrettyHandler {
	if o.Level == nil {
		o.Level = slog.LevelInfo
	}
	return &PrettyHandler{
		o:  o,
		mu: &sync.Mutex{},
		w:  w,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.o.Level.Level()
}

func levelStyle(level slog.Level) (string, []int) {
	switch {
	case level >= slog.LevelError:
		return "ERROR", []int{1, 31}
	case level >= slog.LevelWarn:
		return "WARN", []int{1, 33}
	case level >= slog.LevelInfo:
		return "INFO", []int{1, 32}
	default:
		return "DEBUG", []int{1, 36}
	}
}

func appendAttr(b *strings.Builder, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(sub, a.Key)
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, sub, ga)
		}
		return
	}
	key := a.Key
	if len(groups) != 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	_ = b.WriteByte(' ')
	_, _ = b.WriteString(style.WithSE(key, 2))
	_ = b.WriteByte('=')
	_, _ = b.WriteString(fmt.Sprintf("%v", a.Value))
}

func (h *PrettyHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	_, _ = b.WriteString(style.WithSE(rec.Time.Format(time.DateTime), 2))
	_ = b.WriteByte(' ')
	name, st := levelStyle(rec.Level)
	_, _ = b.WriteString(style.WithSE(fmt.Sprintf("%-5s", name), st...))
	_ = b.WriteByte(' ')
	_, _ = b.WriteString(rec.Message)
	for _, a := range h.attrs {
		appendAttr(&b, h.groups, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.groups, a)
		return true
	})
	_ = b.WriteByte('\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	h2.attrs = append(h2.attrs, attrs...)
	return &h2
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = make([]string, 0, len(h.groups)+1)
	h2.groups = append(h2.groups, h.groups...)
	h2.groups = append(h2.groups, name)
	return &h2
}
