package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/weiawesome/wes-io-talk/internal/config"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

const (
	fallbackSTUN      = "stun:stun.l.google.com:19302"
	cloudflareTURNAPI = "https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate"
)

// ICEServer is one entry of RTCConfiguration.iceServers.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEHandler serves ICE server configuration to call clients.
type ICEHandler struct {
	cfg        config.WebRTCConfig
	httpClient *http.Client
	turnURL    string
}

func NewICEHandler(cfg config.WebRTCConfig) *ICEHandler {
	return &ICEHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		turnURL:    cloudflareTURNAPI,
	}
}

// ServeHTTP handles ICE server requests.
func (h *ICEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"iceServers": h.Servers(r.Context()),
	})
}

// Servers returns the configured servers, a Cloudflare TURN entry when
// credentials are configured and reachable, and a public STUN server when
// none is configured.
func (h *ICEHandler) Servers(ctx context.Context) []ICEServer {
	servers := make([]ICEServer, 0, len(h.cfg.ICEServers)+2)
	for _, s := range h.cfg.ICEServers {
		servers = append(servers, ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}

	if h.cfg.TurnKeyID != "" && h.cfg.TurnKey != "" {
		turn, err := h.cloudflareTURN(ctx)
		if err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str("turn_key_id", h.cfg.TurnKeyID).Msg("failed to get cloudflare TURN credentials")
		} else {
			servers = append(servers, *turn)
		}
	}

	hasSTUN := false
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") {
				hasSTUN = true
			}
		}
	}
	if !hasSTUN {
		servers = append([]ICEServer{{URLs: []string{fallbackSTUN}}}, servers...)
	}
	return servers
}

type cloudflareTURNResponse struct {
	ICEServers struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

func (h *ICEHandler) cloudflareTURN(ctx context.Context) (*ICEServer, error) {
	body := []byte(`{"ttl": 86400}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf(h.turnURL, h.cfg.TurnKeyID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.cfg.TurnKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call TURN API: %w", err)
	}
	defer resp.Body.Close()

	// 201 on success.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("TURN API returned status %d: %s", resp.StatusCode, string(b))
	}

	var out cloudflareTURNResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode TURN response: %w", err)
	}
	return &ICEServer{
		URLs:       out.ICEServers.URLs,
		Username:   out.ICEServers.Username,
		Credential: out.ICEServers.Credential,
	}, nil
}

// RegisterRoutes registers the ICE routes.
func (h *ICEHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/api/ice-servers", h)
}
