package gateway

import (
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/auth"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/hub"
)

// TokenVerifier is satisfied by *auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// WSHandler authenticates the handshake and hands upgraded connections to
// the hub.
type WSHandler struct {
	hub      *hub.Hub
	verifier TokenVerifier
	origins  map[string]bool
	logger   *zap.Logger
}

func NewWSHandler(h *hub.Hub, verifier TokenVerifier, allowedOrigins []string, logger *zap.Logger) *WSHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &WSHandler{hub: h, verifier: verifier, origins: origins, logger: logger.With(zap.String("component", "ws"))}
}

// ServeHTTP rejects the upgrade with 401 when the token query parameter does
// not verify. No connection exists until the upgrade succeeds.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	identity, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Info("Handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, identity.UserID, h.hub, h.logger)
	h.hub.Register(r.Context(), client)
	client.Start()
}

func (h *WSHandler) originAllowed(origin string) bool {
	if len(h.origins) == 0 || origin == "" || h.origins["*"] {
		return true
	}
	return h.origins[strings.TrimRight(origin, "/")]
}
