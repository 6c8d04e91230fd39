// logging.go — middleware журналирования HTTP-запросов мониторингового
// API через slog. Перехватывает статус-код, объём ответа и длительность.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// responseRecorder — обёртка для перехвата статус-кода и объёма ответа.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// probePath — пробы kubelet и скрейпы метрик. Они опрашиваются каждые
// несколько секунд и на уровне INFO заглушают остальной журнал.
func probePath(path string) bool {
	return path == "/health/live" || path == "/health/ready" || path == "/metrics"
}

// levelFor возвращает уровень журналирования по статус-коду:
// INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RequestLogger возвращает middleware, журналирующий каждый HTTP-запрос:
// метод, путь, статус, длительность, объём ответа, адрес и агент клиента.
// Успешные запросы проб и скрейпов пишутся на уровне DEBUG.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			level := levelFor(rec.status)
			if level == slog.LevelInfo && probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.LogAttrs(r.Context(), level, "HTTP запрос",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			)
		})
	}
}
