package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"podcomm/internal/config"
	"podcomm/internal/gateway"
	"podcomm/internal/http/handlers"
	"podcomm/internal/membership"
	mw "podcomm/internal/middleware"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
)

type Server struct {
	DB       *pgxpool.Pool
	RDB      *redis.Client
	Config   *config.Config
	Logger   *logger.Logger
	Validate *validator.Validate

	// Handlers
	System   *handlers.SystemHandler
	Auth     *handlers.AuthHandler
	Channels *handlers.ChannelsHandler
	Gateway  *handlers.GatewayHandler
}

func NewServer(db *pgxpool.Pool, rdb *redis.Client, st store.Store, members *membership.Manager, gw *gateway.Gateway, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		DB:       db,
		RDB:      rdb,
		Config:   cfg,
		Logger:   log,
		Validate: validator.New(),
	}

	s.System = handlers.NewSystemHandler(db, rdb, gw, log)
	s.Auth = handlers.NewAuthHandler(db, cfg, log, s.Validate)
	s.Channels = handlers.NewChannelsHandler(st, members, cfg, log, s.Validate)
	s.Gateway = handlers.NewGatewayHandler(st, gw, cfg, log)

	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(mw.Logger(s.Logger))
	r.Use(mw.Recovery(s.Logger))
	r.Use(mw.Security())
	r.Use(mw.CORS(s.Config.CORS))
	r.Use(mw.RateLimit(s.RDB, s.Config.RateLimit))
	r.Use(mw.LimitRequestSize(1024 * 1024))

	r.Route("/api", func(r chi.Router) {
		// System routes
		r.Get("/health", s.System.HandleHealth)
		r.Get("/stats", s.System.HandleStats)

		// Public routes
		r.Group(func(r chi.Router) {
			r.Use(mw.ContentType("application/json"))
			r.Post("/auth/register", s.Auth.HandleRegister)
			r.Post("/auth/login", s.Auth.HandleLogin)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(mw.Auth(s.Config.JWT.Secret))

			r.Get("/auth/me", s.Auth.HandleGetCurrentUser)
			r.Group(func(r chi.Router) {
				r.Use(mw.ContentType("application/json"))
				r.Post("/auth/logout", s.Auth.HandleLogout)
			})
		})

		s.setupChannelRoutes(r)

		// WebSocket handshake authenticates itself so clients can pass the
		// token as a query parameter.
		r.Get("/ws", s.Gateway.HandleWebSocket)
	})

	return r
}

func (s *Server) setupChannelRoutes(r chi.Router) {
	r.Route("/channels", func(r chi.Router) {
		// The public directory is browsable without a session.
		r.With(mw.OptionalAuth(s.Config.JWT.Secret)).Get("/public", s.Channels.HandleListPublicChannels)

		r.Group(func(r chi.Router) {
			r.Use(mw.Auth(s.Config.JWT.Secret))

			// GET routes
			r.Get("/", s.Channels.HandleListChannels)
			r.Get("/{channelID}", s.Channels.HandleGetChannel)
			r.Get("/{channelID}/members", s.Channels.HandleListMembers)
			r.Get("/{channelID}/messages", s.Channels.HandleListMessages)

			// Mutations with ContentType
			r.Group(func(r chi.Router) {
				r.Use(mw.ContentType("application/json"))
				r.Post("/", s.Channels.HandleCreateChannel)
				r.Patch("/{channelID}", s.Channels.HandleUpdateChannel)
				r.Post("/{channelID}/join", s.Channels.HandleJoinChannel)
				r.Post("/{channelID}/leave", s.Channels.HandleLeaveChannel)
				r.Post("/{channelID}/invites", s.Channels.HandleInvite)
				r.Put("/{channelID}/members/{userID}/role", s.Channels.HandleChangeRole)
				r.Delete("/{channelID}/members/{userID}", s.Channels.HandleKickMember)
				r.Delete("/{channelID}", s.Channels.HandleDeleteChannel)
			})
		})
	})
}
