package ws

import (
	"net/http"

	"chat_relay/internal/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type TokenVerifier interface {
	Verify(token string) (uuid.UUID, error)
}

// Handler authenticates the upgrade request and runs a session for the caller.
type Handler struct {
	registry Registry
	verifier TokenVerifier
	upgrader websocket.Upgrader
	cfg      SessionConfig
	log      *zap.Logger
}

func NewHandler(registry Registry, verifier TokenVerifier, cfg SessionConfig, allowedOrigins []string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		verifier: verifier,
		upgrader: createUpgrader(allowedOrigins),
		cfg:      cfg,
		log:      log,
	}
}

// createUpgrader allows requests without an Origin header (non-browser clients),
// any origin when "*" is listed, and otherwise only the listed origins.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowAll || allowedMap[origin]
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err != nil {
		http.Error(w, "No authorization token provided", http.StatusUnauthorized)
		return
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		h.log.Debug("Rejected websocket upgrade", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade WS", zap.Error(err))
		return
	}

	NewClient(h.registry, conn, userID, h.cfg, h.log).Serve(r.Context())
}
