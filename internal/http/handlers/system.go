package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"podcomm/internal/gateway"
	"podcomm/pkg/logger"
	"podcomm/pkg/response"
)

type SystemHandler struct {
	DB      *pgxpool.Pool
	RDB     *redis.Client
	Gateway *gateway.Gateway
	Logger  *logger.Logger
}

func NewSystemHandler(db *pgxpool.Pool, rdb *redis.Client, gw *gateway.Gateway, log *logger.Logger) *SystemHandler {
	return &SystemHandler{
		DB:      db,
		RDB:     rdb,
		Gateway: gw,
		Logger:  log,
	}
}

func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.DB.Ping(ctx); err != nil {
		response.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	if h.RDB != nil {
		if err := h.RDB.Ping(ctx).Err(); err != nil {
			response.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
	}

	response.JSON(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"version":   "1.0.0",
	})
}

func (h *SystemHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var totalUsers, totalChannels, totalMessages int64
	h.DB.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&totalUsers)
	h.DB.QueryRow(ctx, "SELECT COUNT(*) FROM channels").Scan(&totalChannels)
	h.DB.QueryRow(ctx, "SELECT COUNT(*) FROM messages").Scan(&totalMessages)

	stats := h.Gateway.GetStats()

	response.JSON(w, map[string]interface{}{
		"total_users":    totalUsers,
		"total_channels": totalChannels,
		"total_messages": totalMessages,
		"connections":    stats.TotalClients,
		"active_rooms":   stats.TotalRooms,
		"timestamp":      time.Now(),
	})
}
