// Package observability sets up structured logging for the gateway process.
package observability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type debugIDKey struct{}

// WithDebugID attaches an id (lane key, proposal id, job id...) to ctx so
// every slog call made under it is tagged without threading it through
// every function signature.
func WithDebugID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, debugIDKey{}, id)
}

// Handler implements slog.Handler with a "[time] [LEVEL] [debug-id] msg k=v"
// line format.
type Handler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
}

func NewHandler(w io.Writer, opts slog.HandlerOptions) *Handler {
	return &Handler{w: w, opts: opts}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)

	debugID := ""
	if ctx != nil {
		if v, ok := ctx.Value(debugIDKey{}).(string); ok {
			debugID = v
		}
	}

	fmt.Fprintf(buf, "[%s] [%s]", r.Time.Format("2006-01-02 15:04:05"), r.Level)
	if debugID != "" {
		fmt.Fprintf(buf, " [%s]", debugID)
	}
	fmt.Fprintf(buf, " %s", r.Message)

	for _, a := range h.attrs {
		h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, a)
		return true
	})
	buf.WriteString("\n")

	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *Handler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")

	val := a.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	out = append(out, h.attrs...)
	out = append(out, attrs...)
	return &Handler{w: h.w, opts: h.opts, attrs: out}
}

func (h *Handler) WithGroup(_ string) slog.Handler {
	return h
}

// Setup installs the gateway's default logger at the given level
// ("debug", "info", "warn", "error").
func Setup(levelStr string) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	h := NewHandler(os.Stderr, slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}
