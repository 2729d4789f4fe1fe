// Package logging provides request-scoped structured logging built on
// logrus, following the same context-carried-logger idiom the rest of the
// gateway's ancestry uses.
package logging

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey struct{}

var loggerKey = contextKey{}

// Init configures the global logrus formatter and level.
func Init(level logrus.Level) {
	formatter := &logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	}
	logrus.SetFormatter(formatter)
	logrus.SetLevel(level)
}

// Default returns a logger with no request context attached.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// WithRequestID returns a new context carrying a logger tagged with a fresh
// request id, unless ctx already carries one.
func WithRequestID(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	if entry := fromContext(ctx); entry != nil {
		return ctx, entry
	}
	id, _ := uuid.NewRandom()
	entry := logrus.WithField("request_id", id.String())
	return context.WithValue(ctx, loggerKey, entry), entry
}

// WithFields returns a new context whose logger carries the extra fields,
// layered on top of any logger already present.
func WithFields(ctx context.Context, fields logrus.Fields) (context.Context, *logrus.Entry) {
	entry := FromContext(ctx).WithFields(fields)
	return context.WithValue(ctx, loggerKey, entry), entry
}

func fromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	entry, ok := ctx.Value(loggerKey).(*logrus.Entry)
	if !ok {
		return nil
	}
	return entry
}

// FromContext returns the request logger, or a bare default logger if ctx
// carries none.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry := fromContext(ctx); entry != nil {
		return entry
	}
	return Default()
}

// Middleware attaches a request-id-tagged logger to every incoming request's
// context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := WithRequestID(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
