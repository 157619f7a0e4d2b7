// Package logging provides a human-readable slog handler for terminal
// output: timestamp, colored level, source location, message, then
// key=value attributes.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

type PrettyHandlerOptions struct {
	SlogOpts slog.HandlerOptions

	// UseColor toggles ANSI colors. Disable when writing to a file.
	UseColor bool

	// TimeFormat for the leading timestamp. Empty disables it.
	TimeFormat string

	// ShowSource prints file:line of the log call site.
	ShowSource bool
}

func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts:   slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:   true,
		TimeFormat: time.Kitchen,
		ShowSource: true,
	}
}

type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex

	group string
	attrs []slog.Attr

	paintTime  func(...any) string
	paintMsg   func(...any) string
	paintSrc   func(...any) string
	paintKey   func(...any) string
	paintLevel map[slog.Level]func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		def := DefaultOptions()
		opts = &def
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initPainters()

	return h
}

func (h *PrettyHandler) initPainters() {
	plain := func(a ...any) string { return fmt.Sprint(a...) }

	if !h.opts.UseColor {
		h.paintTime = plain
		h.paintMsg = plain
		h.paintSrc = plain
		h.paintKey = plain
		h.paintLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.paintTime = color.New(color.FgHiBlack).SprintFunc()
	h.paintMsg = color.New(color.FgHiWhite).SprintFunc()
	h.paintSrc = color.New(color.FgHiBlack).SprintFunc()
	h.paintKey = color.New(color.FgCyan).SprintFunc()
	h.paintLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	if h.opts.TimeFormat != "" {
		buf.WriteString(h.paintTime(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteByte(' ')
	}

	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteByte(' ')

	if h.opts.ShowSource {
		if src := callSite(r.PC); src != "" {
			buf.WriteString(h.paintSrc(src))
			buf.WriteByte(' ')
		}
	}

	buf.WriteString(h.paintMsg(r.Message))

	for _, attr := range h.attrs {
		h.appendAttr(buf, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.appendAttr(buf, attr)
		return true
	})

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := h.clone()
	if clone.group != "" {
		clone.group += "."
	}
	clone.group += name
	return clone
}

func (h *PrettyHandler) clone() *PrettyHandler {
	c := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		group:  h.group,
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
	c.initPainters()
	return c
}

func (h *PrettyHandler) appendAttr(buf *bytes.Buffer, attr slog.Attr) {
	val := attr.Value.Resolve()

	if val.Kind() == slog.KindGroup {
		for _, nested := range val.Group() {
			nested.Key = attr.Key + "." + nested.Key
			h.appendAttr(buf, nested)
		}
		return
	}

	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}

	var rendered string
	switch val.Kind() {
	case slog.KindTime:
		rendered = val.Time().Format(time.RFC3339)
	case slog.KindDuration:
		rendered = val.Duration().String()
	default:
		rendered = val.String()
	}
	if strings.ContainsAny(rendered, " \t\"") {
		rendered = fmt.Sprintf("%q", rendered)
	}

	buf.WriteByte(' ')
	buf.WriteString(h.paintKey(key))
	buf.WriteByte('=')
	buf.WriteString(rendered)
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-5s", level.String())
	if paint, ok := h.paintLevel[level]; ok {
		return paint(s)
	}
	return s
}

func callSite(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
