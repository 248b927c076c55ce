package api

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// addressLimiter hands out one token-bucket limiter per remote address,
// grounded on abdoElHodaky-tradSys's use of golang.org/x/time/rate for
// per-client throttling. Submission is the only write path worth limiting;
// reads are cheap and cached.
type addressLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newAddressLimiter(rps float64, burst int) *addressLimiter {
	return &addressLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (a *addressLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	a.mu.Lock()
	l, ok := a.limiters[host]
	if !ok {
		l = rate.NewLimiter(a.rps, a.burst)
		a.limiters[host] = l
	}
	a.mu.Unlock()

	return l.Allow()
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debugw("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
