package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"podcomm/internal/auth"
	"podcomm/internal/config"
	mw "podcomm/internal/middleware"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
	"podcomm/pkg/response"
)

// AuthHandler owns the identity endpoints. Identity is a wallet keypair: the
// public key names the account, the passphrase proves control of it on this
// service. The handler talks to the pool directly; credentials never pass
// through the store.
type AuthHandler struct {
	DB       *pgxpool.Pool
	Config   *config.Config
	Logger   *logger.Logger
	Validate *validator.Validate
}

type RegisterRequest struct {
	PublicKey     string `json:"public_key" validate:"required,min=32,max=64"`
	WalletAddress string `json:"wallet_address" validate:"max=64"`
	Passphrase    string `json:"passphrase" validate:"required,min=8"`
}

type LoginRequest struct {
	PublicKey  string `json:"public_key" validate:"required"`
	Passphrase string `json:"passphrase" validate:"required"`
}

func NewAuthHandler(db *pgxpool.Pool, cfg *config.Config, log *logger.Logger, validate *validator.Validate) *AuthHandler {
	return &AuthHandler{
		DB:       db,
		Config:   cfg,
		Logger:   log,
		Validate: validate,
	}
}

func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON")
		return
	}

	if err := h.Validate.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	ctx := r.Context()

	var registered bool
	err := h.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE public_key = $1 AND password_hash <> '')`,
		req.PublicKey).Scan(&registered)
	if err != nil {
		h.Logger.Error("Failed to check registration", "error", err)
		response.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if registered {
		response.Error(w, "Public key already registered", http.StatusConflict)
		return
	}

	hashedPassphrase, err := bcrypt.GenerateFromPassword([]byte(req.Passphrase), 12)
	if err != nil {
		h.Logger.Error("Failed to hash passphrase", "error", err)
		response.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// The user row may already exist from a token-only gateway session;
	// registration claims it by attaching credentials.
	var user store.User
	err = h.DB.QueryRow(ctx, `
		INSERT INTO users (public_key, wallet_address, password_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (public_key) DO UPDATE
		SET wallet_address = EXCLUDED.wallet_address,
		    password_hash = EXCLUDED.password_hash,
		    last_authenticated_at = now()
		RETURNING id, public_key, wallet_address, last_authenticated_at, created_at
	`, req.PublicKey, req.WalletAddress, string(hashedPassphrase)).Scan(
		&user.ID, &user.PublicKey, &user.WalletAddress, &user.LastAuthenticatedAt, &user.CreatedAt,
	)
	if err != nil {
		h.Logger.Error("Failed to create user", "error", err)
		response.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	token, err := auth.Sign(user.ID, user.PublicKey, h.Config.JWT.Secret, h.Config.JWT.Issuer, h.Config.JWT.Expiration)
	if err != nil {
		h.Logger.Error("Failed to generate token", "error", err)
		response.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.setAuthCookie(w, token)

	response.SuccessWithData(w, "Registered", map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON")
		return
	}

	if err := h.Validate.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	ctx := r.Context()

	var user store.User
	var passwordHash string
	err := h.DB.QueryRow(ctx, `
		SELECT id, public_key, wallet_address, password_hash, last_authenticated_at, created_at
		FROM users WHERE public_key = $1
	`, req.PublicKey).Scan(
		&user.ID, &user.PublicKey, &user.WalletAddress, &passwordHash,
		&user.LastAuthenticatedAt, &user.CreatedAt,
	)
	if err != nil {
		response.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if passwordHash == "" {
		response.Error(w, "Public key not registered", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Passphrase)); err != nil {
		response.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	h.DB.Exec(ctx, `UPDATE users SET last_authenticated_at = now() WHERE id = $1`, user.ID)

	token, err := auth.Sign(user.ID, user.PublicKey, h.Config.JWT.Secret, h.Config.JWT.Issuer, h.Config.JWT.Expiration)
	if err != nil {
		h.Logger.Error("Failed to generate token", "error", err)
		response.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.setAuthCookie(w, token)

	response.SuccessWithData(w, "Authenticated", map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.clearAuthCookie(w)
	response.Success(w, "Logged out successfully")
}

func (h *AuthHandler) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := mw.GetUserClaims(r.Context())
	if !ok {
		response.Unauthorized(w, "")
		return
	}

	var user store.User
	err := h.DB.QueryRow(r.Context(), `
		SELECT id, public_key, wallet_address, last_authenticated_at, created_at
		FROM users WHERE id = $1
	`, claims.UserID).Scan(
		&user.ID, &user.PublicKey, &user.WalletAddress,
		&user.LastAuthenticatedAt, &user.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			response.NotFound(w, "User not found")
		} else {
			h.Logger.Error("Failed to get user", "error", err)
			response.InternalServerError(w, "")
		}
		return
	}

	response.JSON(w, user)
}

func (h *AuthHandler) setAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.Config.JWT.Expiration.Seconds()),
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
	})
}
