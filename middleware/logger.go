package middleware

import (
	"net/http"
	"time"

	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/stats"

	log "github.com/sirupsen/logrus"
)

// ResponseRecorder captures the status code and body size of a response
type ResponseRecorder struct {
	http.ResponseWriter
	StatusCode int
	BodySize   int
}

// NewResponseRecorder wraps w with a default status of 200
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(code int) {
	r.StatusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *ResponseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.BodySize += n
	return n, err
}

func getStatusColor(code int) string {
	switch {
	case code >= 500:
		return logcolors.Red
	case code >= 400:
		return logcolors.Yellow
	case code >= 300:
		return logcolors.Cyan
	case code >= 200:
		return logcolors.Green
	default:
		return logcolors.Reset
	}
}

// LoggingMiddleware logs every request and records status and latency stats
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		s := stats.Get()
		s.RecordStatusCode(rec.StatusCode)
		s.RecordResponseTime(duration)

		log.Infof("%s %s %s %s%d%s %dB %v %s", logcolors.LogHTTP,
			r.Method, r.URL.Path,
			getStatusColor(rec.StatusCode), rec.StatusCode, logcolors.Reset,
			rec.BodySize, duration.Round(time.Microsecond), ClientIP(r, false))
	})
}
