package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

// ColorTextHandler prints a colored level tag followed by a regular slog text line.
// The tag is written outside the text encoder, which would otherwise quote the escape codes.
type ColorTextHandler struct {
	inner slog.Handler
	out   *colorOutput
}

// colorOutput is shared by a handler and everything derived from it via WithAttrs/WithGroup.
type colorOutput struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	out := &colorOutput{w: w}
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	return &ColorTextHandler{inner: slog.NewTextHandler(&out.buf, &o), out: out}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, h.out.buf.Len()+24)
	line = append(line, levelColor(r.Level)...)
	line = append(line, r.Level.String()...)
	line = append(line, ansiReset...)
	line = append(line, ' ')
	line = append(line, h.out.buf.Bytes()...)
	_, err := h.out.w.Write(line)
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), out: h.out}
}

// levelColor maps custom levels to the nearest standard one.
func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}
