package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// palette holds the colors of one handler. Each color has its output forced
// on or off so the handler does not depend on the global color.NoColor.
type palette struct {
	dim, bold           *color.Color
	red, yellow, green  *color.Color
	blue, magenta, cyan *color.Color
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return palette{
		dim:     mk(color.Faint),
		bold:    mk(color.Bold),
		red:     mk(color.FgRed),
		yellow:  mk(color.FgYellow),
		green:   mk(color.FgGreen),
		blue:    mk(color.FgBlue),
		magenta: mk(color.FgMagenta),
		cyan:    mk(color.FgCyan),
	}
}

// prettyHandler renders records as single key=value lines for local
// development. Request-log keys (method, status, duration_ms, result) get
// colored by meaning.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	pal    palette
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, colored bool) slog.Handler {
	h := &prettyHandler{
		w:   w,
		pal: newPalette(colored),
		mu:  &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.pal.dim.Sprint(ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(h.pal.bold.Sprint(r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.pal.dim.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs pins attrs under the groups open at this point, so a later
// WithGroup does not re-prefix them.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		attrs = []slog.Attr{{Key: strings.Join(h.groups, "."), Value: slog.GroupValue(attrs...)}}
	}
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	full := key
	if prefix != "" {
		full = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, full)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(h.pal.dim.Sprint(prettyKey(full)))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(full, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return h.colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())))
	case "path":
		return h.pal.cyan.Sprint(v.String())
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.colorizeStatusCode(int(n))
		}
	case "status_class":
		return h.colorizeStatusClass(v.String())
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return h.colorizeDurationMS(n)
		}
	case "result":
		return h.colorizeResult(v.String())
	case "err":
		return h.pal.red.Sprint(quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.pal.red.Sprint("ERROR")
	case level >= slog.LevelWarn:
		return h.pal.yellow.Sprint("WARN ")
	case level < slog.LevelInfo:
		return h.pal.magenta.Sprint("DEBUG")
	default:
		return h.pal.blue.Sprint("INFO ")
	}
}

func (h *prettyHandler) colorizeHTTPMethod(m string) string {
	switch m {
	case "GET", "HEAD":
		return h.pal.blue.Sprint(m)
	case "POST":
		return h.pal.green.Sprint(m)
	case "PUT", "PATCH":
		return h.pal.yellow.Sprint(m)
	case "DELETE":
		return h.pal.red.Sprint(m)
	default:
		return h.pal.magenta.Sprint(m)
	}
}

func (h *prettyHandler) colorizeStatusCode(code int) string {
	return h.statusColor(code).Sprint(strconv.Itoa(code))
}

func (h *prettyHandler) colorizeStatusClass(class string) string {
	if len(class) == 3 && class[1:] == "xx" && class[0] >= '1' && class[0] <= '5' {
		return h.statusColor(int(class[0]-'0') * 100).Sprint(class)
	}
	return class
}

func (h *prettyHandler) statusColor(code int) *color.Color {
	switch {
	case code >= 500:
		return h.pal.red
	case code >= 400:
		return h.pal.yellow
	case code >= 300:
		return h.pal.cyan
	default:
		return h.pal.green
	}
}

func (h *prettyHandler) colorizeDurationMS(ms int64) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return h.pal.red.Sprint(s)
	case ms >= 250:
		return h.pal.yellow.Sprint(s)
	default:
		return h.pal.dim.Sprint(s)
	}
}

func (h *prettyHandler) colorizeResult(result string) string {
	switch result {
	case "success":
		return h.pal.green.Sprint(result)
	case "redirect":
		return h.pal.cyan.Sprint(result)
	case "client_error":
		return h.pal.yellow.Sprint(result)
	case "server_error":
		return h.pal.red.Sprint(result)
	default:
		return result
	}
}

func prettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
