package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/planbox/internal/common"
)

// NewLogger configures a zerolog logger using the provided format and level.
func NewLogger(format, level, service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

// SecurityEvent starts a warn-level entry tagged for the security log stream.
// Callers add the rejection specifics and call Msg.
func SecurityEvent(logger *zerolog.Logger, r *http.Request, reason string) *zerolog.Event {
	evt := logger.Warn().
		Str("log_type", "security").
		Str("reason", reason).
		Str("source_ip", common.ClientIP(r)).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context()))
	if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
		evt = evt.Str("user_agent", ua)
	}
	return evt
}

// RequestLogger records structured HTTP request logs enriched with tracing metadata.
type RequestLogger struct {
	Logger zerolog.Logger
	// SkipPaths are logged at debug level only (probes, scrapes).
	SkipPaths []string
}

// Middleware implements chi middleware for structured request logs.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewStatusRecorder(w)
		start := time.Now()
		ctx, operator := common.TrackOperator(r.Context())
		r = r.WithContext(ctx)
		next.ServeHTTP(recorder, r)

		route := routeOf(r)

		evt := l.Logger.Info()
		if l.skip(r.URL.Path) {
			evt = l.Logger.Debug()
		} else if recorder.Status() >= http.StatusInternalServerError {
			evt = l.Logger.Error()
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", route).
			Int("status", recorder.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", recorder.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("client_ip", common.ClientIP(r))
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		if id := operator(); id != "" {
			evt = evt.Str("operator", id)
		}
		evt.Msg("http_request")
	})
}

func (l RequestLogger) skip(path string) bool {
	for _, p := range l.SkipPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
