package log

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HTTPMiddleware logs plain net/http and gorilla/mux routes. A WebSocket
// upgrade is logged once, when the handshake completes. The session itself
// is logged by the connection handler.
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, r := open(logger, w, r, remoteIP(r))
			tw := &trackingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tw, r)

			if tw.upgraded {
				s.logger.Info().
					Bool("websocket", websocket.IsWebSocketUpgrade(r)).
					Float64(FieldLatency, s.elapsedMS()).
					Msg("connection upgraded")
				return
			}
			s.done(r.URL.Path, tw.status).Msg("request completed")
		})
	}
}

// trackingWriter remembers the status sent and whether the connection was
// hijacked by an upgrade.
type trackingWriter struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T cannot be hijacked", w.ResponseWriter)
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	w.upgraded = true
	w.status = http.StatusSwitchingProtocols
	return conn, buf, nil
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
