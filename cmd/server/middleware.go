package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/pricerules/internal/logger"
)

const slowRequestThreshold = 5 * time.Second

// requestLogger logs every request and feeds the HTTP counters shown by /health
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			}

			switch {
			case status >= 500:
				logger.ErrorHttp5xx()
				logger.Error("request failed", args...)
			case status >= 400:
				logger.WarnHttp4xx(status)
				logger.Debug("request rejected", args...)
			default:
				logger.Debug("request", args...)
			}

			if elapsed > slowRequestThreshold {
				logger.WarnSlowRequest()
				logger.Warn("slow request", args...)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}
