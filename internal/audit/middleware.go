package audit

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// UserHeader identifies the acting user when an upstream proxy has
// authenticated the request.
const UserHeader = "X-User-ID"

type ctxKey int

const (
	entitiesKey ctxKey = iota
	requestIDKey
	extraKey
)

type entitySet struct {
	mu  sync.Mutex
	ids []string
}

// AddEntities records ids of the records a handler touched. It is a no-op
// outside an audited request.
func AddEntities(ctx context.Context, ids ...string) {
	set, ok := ctx.Value(entitiesKey).(*entitySet)
	if !ok {
		return
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			set.ids = append(set.ids, id)
		}
	}
}

type extraSet struct {
	mu sync.Mutex
	m  map[string]any
}

// AddContext attaches a value to the structured context of the current
// request's audit record. Keys the relay sets itself are not overridden. It
// is a no-op outside an audited request.
func AddContext(ctx context.Context, key string, value any) {
	set, ok := ctx.Value(extraKey).(*extraSet)
	if !ok {
		return
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	set.m[key] = value
}

// RequestID returns the correlation id of the current request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Middleware audits every classified request passing through next. The
// audit write happens after the handler has produced its response and its
// outcome never changes that response.
func Middleware(relay *Relay) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)
			ctx := context.WithValue(r.Context(), requestIDKey, reqID)

			if _, audited := relay.Classifier().Classify(r.Method, r.URL.Path); !audited {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			set := &entitySet{}
			extra := &extraSet{m: make(map[string]any)}
			ctx = context.WithValue(ctx, entitiesKey, set)
			ctx = context.WithValue(ctx, extraKey, extra)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := time.Since(start)

			set.mu.Lock()
			ids := append([]string(nil), set.ids...)
			set.mu.Unlock()

			extra.mu.Lock()
			var fields map[string]any
			if len(extra.m) > 0 {
				fields = make(map[string]any, len(extra.m))
				for k, v := range extra.m {
					fields[k] = v
				}
			}
			extra.mu.Unlock()

			var query map[string]string
			if q := r.URL.Query(); len(q) > 0 {
				query = make(map[string]string, len(q))
				for k := range q {
					query[k] = q.Get(k)
				}
			}

			out := Outcome{Status: rec.status, Duration: elapsed}
			if rec.status >= 400 {
				out.Error = http.StatusText(rec.status)
			}
			relay.RecordAccess(ctx, AccessContext{
				Method:     r.Method,
				Path:       r.URL.Path,
				UserRef:    r.Header.Get(UserHeader),
				EntityRefs: ids,
				SourceIP:   clientIP(r),
				RequestID:  reqID,
				Query:      query,
				Extra:      fields,
			}, out)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
