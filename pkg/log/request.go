package log

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// quietPaths are polled by orchestrators and only logged at debug level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
}

// scope is the logging state of one inbound request.
type scope struct {
	logger zerolog.Logger
	start  time.Time
}

// open tags base with the request's identity, echoes the request id back to
// the caller and returns r carrying the tagged logger.
func open(base zerolog.Logger, w http.ResponseWriter, r *http.Request, ip string) (*scope, *http.Request) {
	id := r.Header.Get(headerRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerRequestID, id)

	s := &scope{
		logger: base.With().
			Str(FieldRequestID, id).
			Str(FieldMethod, r.Method).
			Str(FieldPath, r.URL.Path).
			Str(FieldClientIP, ip).
			Logger(),
		start: time.Now(),
	}
	return s, r.WithContext(WithLogger(r.Context(), s.logger))
}

func (s *scope) elapsedMS() float64 {
	return float64(time.Since(s.start).Milliseconds())
}

// done starts the completion line. Server errors log at error, client errors
// at warn and health checks at debug.
func (s *scope) done(route string, status int) *zerolog.Event {
	var ev *zerolog.Event
	switch {
	case status >= http.StatusInternalServerError:
		ev = s.logger.Error()
	case status >= http.StatusBadRequest:
		ev = s.logger.Warn()
	case quietPaths[route]:
		ev = s.logger.Debug()
	default:
		ev = s.logger.Info()
	}
	return ev.Int(FieldStatus, status).Float64(FieldLatency, s.elapsedMS())
}

// remoteIP trusts the first X-Forwarded-For hop, then X-Real-IP, then the
// socket address.
func remoteIP(r *http.Request) string {
	for _, h := range []string{"X-Forwarded-For", "X-Real-IP"} {
		first, _, _ := strings.Cut(r.Header.Get(h), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
