package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kimsama/lrsql/internal/lrs"
	"github.com/kimsama/lrsql/internal/rate"
	"github.com/kimsama/lrsql/internal/security"
	"github.com/kimsama/lrsql/internal/storage"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Admin is the slice of the record store the admin API needs.
type Admin interface {
	CreateAccount(ctx context.Context, username, password string) (storage.AdminAccount, error)
	VerifyLogin(ctx context.Context, username, password string) (storage.AdminAccount, error)
	ListAccounts(ctx context.Context) ([]storage.AdminAccount, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	CreateAPIKeys(ctx context.Context, accountID uuid.UUID, label string, scopeTokens []string) (storage.Credential, error)
	GetAPIKeys(ctx context.Context, accountID uuid.UUID) ([]storage.Credential, error)
	UpdateAPIKeys(ctx context.Context, accountID uuid.UUID, apiKey, secretKey string, scopeTokens []string) (storage.Credential, error)
	DeleteAPIKeys(ctx context.Context, accountID uuid.UUID, apiKey, secretKey string) error
}

type AdminHandler struct {
	Service   Admin
	Logger    *slog.Logger
	JWTSecret []byte
	AccessTTL time.Duration
	Issuer    string
	Limiter   rate.Limiter
	Clock     Clock
}

func NewAdminHandler(service Admin, logger *slog.Logger, jwtSecret string, accessTTL time.Duration, issuer string, limiter rate.Limiter) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		Service:   service,
		Logger:    logger,
		JWTSecret: []byte(jwtSecret),
		AccessTTL: accessTTL,
		Issuer:    issuer,
		Limiter:   limiter,
		Clock:     systemClock{},
	}
}

func (h *AdminHandler) Register(r *gin.Engine) {
	r.POST("/admin/account/login", h.Login)

	authed := r.Group("/admin", h.JWTAuth())
	authed.POST("/account/create", h.CreateAccount)
	authed.GET("/account", h.ListAccounts)
	authed.DELETE("/account", h.DeleteAccount)
	authed.POST("/creds", h.CreateCreds)
	authed.GET("/creds", h.ListCreds)
	authed.PUT("/creds", h.UpdateCreds)
	authed.DELETE("/creds", h.DeleteCreds)
}

// JWTAuth requires a bearer token minted by Login and stores the
// authenticated account id in the request context.
func (h *AdminHandler) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := security.ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "token required"})
			return
		}
		claims, err := security.ParseToken(token, h.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
			return
		}
		accountID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
			return
		}
		c.Set(accountContextKey, accountID)
		c.Next()
	}
}

func accountFrom(c *gin.Context) (uuid.UUID, bool) {
	if val, ok := c.Get(accountContextKey); ok {
		if id, ok := val.(uuid.UUID); ok {
			return id, true
		}
	}
	return uuid.Nil, false
}

type accountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accountResponse struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	AccountID   string `json:"account_id"`
}

type credsRequest struct {
	APIKey    string   `json:"api_key"`
	SecretKey string   `json:"secret_key"`
	Label     string   `json:"label"`
	Scopes    []string `json:"scopes"`
}

type credsResponse struct {
	APIKey    string   `json:"api_key"`
	SecretKey string   `json:"secret_key"`
	Label     string   `json:"label,omitempty"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at"`
}

func toCredsResponse(cred storage.Credential) credsResponse {
	resp := credsResponse{
		APIKey:    cred.APIKey,
		SecretKey: cred.SecretKey,
		Label:     cred.Label,
		Scopes:    cred.Scopes,
		CreatedAt: cred.CreatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Scopes == nil {
		resp.Scopes = []string{}
	}
	return resp
}

func (h *AdminHandler) Login(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	now := h.Clock.Now()
	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), c.ClientIP(), now)
		if err != nil {
			h.Logger.Error("rate limiter failed", "error", err)
			c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many login attempts"})
			return
		}
	}

	acct, err := h.Service.VerifyLogin(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) || errors.Is(err, lrs.ErrInvalidPassword) {
			c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid credentials"})
			return
		}
		h.Logger.Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	token, err := security.NewAccessToken(acct.ID.String(), acct.Username, h.JWTSecret, h.AccessTTL, now, h.Issuer)
	if err != nil {
		h.Logger.Error("jwt sign failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		AccessToken: token,
		ExpiresIn:   int64(h.AccessTTL.Seconds()),
		AccountID:   acct.ID.String(),
	})
}

func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	acct, err := h.Service.CreateAccount(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse{AccountID: acct.ID.String(), Username: acct.Username})
}

func (h *AdminHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.Service.ListAccounts(c.Request.Context())
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, accountResponse{AccountID: acct.ID.String(), Username: acct.Username})
	}
	c.JSON(http.StatusOK, out)
}

type deleteAccountRequest struct {
	AccountID string `json:"account_id"`
}

// DeleteAccount removes the account named in the body, defaulting to the
// caller's own account.
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	caller, ok := accountFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing account"})
		return
	}

	target := caller
	var req deleteAccountRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.AccountID != "" {
		parsed, err := uuid.Parse(req.AccountID)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid account_id"})
			return
		}
		target = parsed
	}

	if err := h.Service.DeleteAccount(c.Request.Context(), target); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": target.String()})
}

func (h *AdminHandler) CreateCreds(c *gin.Context) {
	caller, ok := accountFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing account"})
		return
	}
	var req credsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	cred, err := h.Service.CreateAPIKeys(c.Request.Context(), caller, req.Label, req.Scopes)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, toCredsResponse(cred))
}

func (h *AdminHandler) ListCreds(c *gin.Context) {
	caller, ok := accountFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing account"})
		return
	}
	creds, err := h.Service.GetAPIKeys(c.Request.Context(), caller)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	out := make([]credsResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, toCredsResponse(cred))
	}
	c.JSON(http.StatusOK, out)
}

func (h *AdminHandler) UpdateCreds(c *gin.Context) {
	caller, ok := accountFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing account"})
		return
	}
	var req credsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" || req.SecretKey == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "api_key and secret_key are required"})
		return
	}
	cred, err := h.Service.UpdateAPIKeys(c.Request.Context(), caller, req.APIKey, req.SecretKey, req.Scopes)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, toCredsResponse(cred))
}

func (h *AdminHandler) DeleteCreds(c *gin.Context) {
	caller, ok := accountFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing account"})
		return
	}
	var req credsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" || req.SecretKey == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "api_key and secret_key are required"})
		return
	}
	if err := h.Service.DeleteAPIKeys(c.Request.Context(), caller, req.APIKey, req.SecretKey); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": req.APIKey})
}
