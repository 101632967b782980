package v1

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/usememos/chatsync/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

type statusKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecordStatus wraps next so handlers further down can learn the status
// code that was written. Mount it around the echo instance.
func RecordStatus(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), statusKey{}, rec)))
	})
}

func requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(requestIDHeader, id)

		start := time.Now()
		err := next(c)
		slog.Debug("request",
			slog.String("id", id),
			slog.String("method", c.Request().Method),
			slog.String("path", c.Request().URL.Path),
			slog.Duration("elapsed", time.Since(start)))
		return err
	}
}

func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		start := time.Now()
		err := next(c)

		// Route templates keep chat ids out of the label values.
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		status := http.StatusOK
		if rec, ok := c.Request().Context().Value(statusKey{}).(*statusRecorder); ok {
			status = rec.status
		}
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
		return err
	}
}
