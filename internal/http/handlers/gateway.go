package handlers

import (
	"net/http"

	"podcomm/internal/auth"
	"podcomm/internal/config"
	"podcomm/internal/gateway"
	mw "podcomm/internal/middleware"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
	"podcomm/pkg/response"
)

// GatewayHandler performs the WebSocket handshake. Authentication happens
// before the upgrade so an invalid token gets a plain 401, not a broken
// socket.
type GatewayHandler struct {
	Store   store.Store
	Gateway *gateway.Gateway
	Config  *config.Config
	Logger  *logger.Logger
}

func NewGatewayHandler(st store.Store, gw *gateway.Gateway, cfg *config.Config, log *logger.Logger) *GatewayHandler {
	return &GatewayHandler{
		Store:   st,
		Gateway: gw,
		Config:  cfg,
		Logger:  log,
	}
}

func (h *GatewayHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := mw.ExtractToken(r)
	if token == "" {
		response.Unauthorized(w, "Missing authorization token")
		return
	}

	claims, err := auth.Verify(token, h.Config.JWT.Secret)
	if err != nil {
		response.Unauthorized(w, "Invalid token")
		return
	}

	// Re-authentication refreshes the user row before the connection binds
	// to it.
	user, err := h.Store.UpsertUser(r.Context(), claims.PublicKey, "")
	if err != nil {
		h.Logger.Error("Failed to upsert user on handshake", "error", err)
		response.InternalServerError(w, "")
		return
	}

	conn, err := h.Gateway.UpgradeConnection(w, r)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := h.Gateway.NewClient(conn, user)
	h.Gateway.RegisterClient(client)

	go client.WritePump()
	go client.ReadPump()
}
