package telemetry

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"r3chat/pkg/logger"
)

// Minimal, low-overhead request telemetry.
// - By default only slow requests are logged (see slowThreshold).
// - Per-request spans are only recorded when a request is sampled.

type ctxKeyType struct{}

var (
	requestCtr    uint64
	spanCtr       uint64
	sampleRate    = 0.01
	slowThreshold = 500 * time.Millisecond
)

// Span is a simple span relative to request start (milliseconds).
type Span struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Op       string `json:"op"`
	StartMs  int64  `json:"start_ms"`
	Duration int64  `json:"duration_ms"`
}

// Telemetry holds the per-request trace and metadata.
type Telemetry struct {
	RequestID string `json:"request_id"`
	Op        string `json:"op"`
	Duration  int64  `json:"duration_ms"`
	Status    int    `json:"status"`
	Spans     []Span `json:"spans,omitempty"`

	startTime time.Time
	mu        sync.Mutex
	spanStack []string
}

func genRequestID() string {
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&requestCtr, 1))
}

func genSpanID() string {
	return fmt.Sprintf("span-%d", atomic.AddUint64(&spanCtr, 1))
}

func shouldSample() bool {
	return rand.Float64() < sampleRate
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush is forwarded so streaming responses keep working under the
// middleware.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request timing and sampled spans. Slow requests are
// always logged.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var tel *Telemetry
		if shouldSample() {
			tel = &Telemetry{
				RequestID: genRequestID(),
				Op:        r.Method + " " + r.URL.Path,
				startTime: start,
			}
			rootID := genSpanID()
			tel.Spans = append(tel.Spans, Span{ID: rootID, Op: tel.Op})
			tel.spanStack = append(tel.spanStack, rootID)
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyType{}, tel))
		}

		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)

		dur := time.Since(start)
		if tel != nil {
			tel.mu.Lock()
			tel.Status = srw.status
			tel.Duration = dur.Milliseconds()
			logger.Debug("request_trace", "request_id", tel.RequestID, "op", tel.Op, "status", tel.Status, "duration_ms", tel.Duration, "spans", len(tel.Spans))
			tel.mu.Unlock()
		}
		if dur > slowThreshold {
			logger.Warn("slow_request", "method", r.Method, "path", r.URL.Path, "status", srw.status, "duration_ms", dur.Milliseconds())
		}
	})
}

// StartSpan records a child span on a sampled request and returns the
// closer. On unsampled requests it is a no-op closure.
func StartSpan(ctx context.Context, op string) func() {
	v := ctx.Value(ctxKeyType{})
	tel, ok := v.(*Telemetry)
	if !ok || tel == nil {
		return func() {}
	}
	start := time.Now()
	tel.mu.Lock()
	parent := ""
	if n := len(tel.spanStack); n > 0 {
		parent = tel.spanStack[n-1]
	}
	id := genSpanID()
	tel.spanStack = append(tel.spanStack, id)
	tel.mu.Unlock()
	return func() {
		tel.mu.Lock()
		defer tel.mu.Unlock()
		tel.Spans = append(tel.Spans, Span{
			ID:       id,
			ParentID: parent,
			Op:       op,
			StartMs:  start.Sub(tel.startTime).Milliseconds(),
			Duration: time.Since(start).Milliseconds(),
		})
		if n := len(tel.spanStack); n > 0 && tel.spanStack[n-1] == id {
			tel.spanStack = tel.spanStack[:n-1]
		}
	}
}
