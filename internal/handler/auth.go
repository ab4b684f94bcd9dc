package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockerops/internal/auth"
)

// tokenSubject is the only identity the API knows.
const tokenSubject = "admin"

// AuthHandler manages authentication endpoints
type AuthHandler struct {
	passwordHash string
	secret       string
	limiter      *auth.RateLimiter
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(passwordHash, secret string, limiter *auth.RateLimiter) *AuthHandler {
	return &AuthHandler{passwordHash: passwordHash, secret: secret, limiter: limiter}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login checks the API password and returns a bearer token.
func (h *AuthHandler) Login(c *gin.Context) {
	ip := c.ClientIP()

	if allowed, wait := h.limiter.Check(ip); !allowed {
		c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many login attempts",
			"error_key":   "error.rate_limited",
			"retry_after": int(wait.Seconds()) + 1,
		})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.bad_request"})
		return
	}

	if h.passwordHash == "" || !auth.CheckPassword(h.passwordHash, req.Password) {
		h.limiter.RecordFail(ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials", "error_key": "error.invalid_credentials"})
		return
	}

	token, expires, err := auth.GenerateToken(tokenSubject, h.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	h.limiter.RecordSuccess(ip)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires,
	})
}
