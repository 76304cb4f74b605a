package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" warning "))
	assert.Equal(t, zerolog.Disabled, parseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	ctx := WithLogger(context.Background(), l)
	logger := Ctx(ctx)
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	// No logger stored: must not panic.
	fallback := Ctx(context.Background())
	fallback.Debug().Msg("ignored")
}

func TestHTTPMiddlewareSetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line[FieldRequestID])
	assert.EqualValues(t, http.StatusTeapot, line[FieldStatus])
}

func TestHTTPMiddlewareLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	serve := func(path string, status int) map[string]any {
		buf.Reset()
		h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		return line
	}

	assert.Equal(t, "debug", serve("/health", http.StatusOK)["level"])
	assert.Equal(t, "info", serve("/api/ice-servers", http.StatusOK)["level"])
	assert.Equal(t, "warn", serve("/api/ice-servers", http.StatusMethodNotAllowed)["level"])
	assert.Equal(t, "error", serve("/health", http.StatusServiceUnavailable)["level"])
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHTTPMiddlewareLogsUpgrades(t *testing.T) {
	var buf lockedBuffer
	logger := zerolog.New(&buf)

	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}

	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "connection upgraded") }, time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), `"websocket":true`)
}

func TestWithStr(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithStr(ctx, FieldClientID, "conn-1")

	l := Ctx(ctx)
	l.Info().Msg("hi")
	assert.Contains(t, buf.String(), `"client_id":"conn-1"`)
}

func TestBuildTagsService(t *testing.T) {
	var buf bytes.Buffer
	l := build(Config{ServiceName: "talk-server"}, &buf)
	l.Info().Msg("up")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "talk-server", entry[FieldService])
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
}

func TestCtxSharesZerologSlot(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))

	zerolog.Ctx(ctx).Info().Msg("via zerolog")
	assert.Contains(t, buf.String(), "via zerolog")
}
