package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-talk/internal/config"
)

func serveICE(t *testing.T, h *ICEHandler) []ICEServer {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ice-servers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body struct {
		ICEServers []ICEServer `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.ICEServers
}

func TestICEFallsBackToPublicSTUN(t *testing.T) {
	servers := serveICE(t, NewICEHandler(config.WebRTCConfig{
		ICEServers: []config.ICEServerConfig{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}},
	}))
	require.Len(t, servers, 2)
	assert.Equal(t, []string{fallbackSTUN}, servers[0].URLs)
	assert.Equal(t, "u", servers[1].Username)

	servers = serveICE(t, NewICEHandler(config.WebRTCConfig{
		ICEServers: []config.ICEServerConfig{{URLs: []string{"stun:stun.example.com:3478"}}},
	}))
	require.Len(t, servers, 1)
	assert.Equal(t, "stun:stun.example.com:3478", servers[0].URLs[0])
}

func TestICEAddsCloudflareTURN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/keys/key-id", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"iceServers":{"urls":["turn:turn.cloudflare.com:3478"],"username":"cf-user","credential":"cf-pass"}}`))
	}))
	defer srv.Close()

	h := NewICEHandler(config.WebRTCConfig{TurnKeyID: "key-id", TurnKey: "secret"})
	h.turnURL = srv.URL + "/keys/%s"

	servers := serveICE(t, h)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{fallbackSTUN}, servers[0].URLs)
	assert.Equal(t, "cf-user", servers[1].Username)
	assert.Equal(t, "cf-pass", servers[1].Credential)
}

func TestICESurvivesTURNFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := NewICEHandler(config.WebRTCConfig{TurnKeyID: "key-id", TurnKey: "bad"})
	h.turnURL = srv.URL + "/keys/%s"

	servers := serveICE(t, h)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{fallbackSTUN}, servers[0].URLs)
}

func TestICERejectsOtherMethods(t *testing.T) {
	h := NewICEHandler(config.WebRTCConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ice-servers", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/ice-servers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
