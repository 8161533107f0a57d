package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/users"
)

const grantTypePassword = "password"

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type sessionResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	ExpiresAt   int64        `json:"expires_at"`
	User        userResponse `json:"user"`
}

type signUpResponse struct {
	User    userResponse     `json:"user"`
	Session *sessionResponse `json:"session"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	var request credentialsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	account, err := h.users.Register(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeAccountError(c, err)
		return
	}

	response := signUpResponse{User: userResponse{ID: account.ID, Email: account.Email}}
	if account.Confirmed() {
		session, ok := h.openSession(c, account)
		if !ok {
			return
		}
		response.Session = &session
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleToken(c *gin.Context) {
	if c.Query("grant_type") != grantTypePassword {
		abortWithError(c, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type")
		return
	}
	var request credentialsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	account, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeAccountError(c, err)
		return
	}
	session, ok := h.openSession(c, account)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	claims, _ := sessionClaims(c)
	if err := h.users.RevokeSession(c.Request.Context(), claims.ID); err != nil {
		h.logger.Error("failed to revoke session", zap.String("user_id", claims.UserID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "logout_failed", "Sign out failed")
		return
	}
	h.logger.Info("session revoked", zap.String("user_id", claims.UserID))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUser(c *gin.Context) {
	claims, _ := sessionClaims(c)
	account, err := h.users.Account(c.Request.Context(), claims.UserID)
	if errors.Is(err, users.ErrAccountNotFound) {
		abortWithError(c, http.StatusNotFound, "user_not_found", "User not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load account", zap.String("user_id", claims.UserID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "user_lookup_failed", "User lookup failed")
		return
	}
	c.JSON(http.StatusOK, userResponse{ID: account.ID, Email: account.Email})
}

// openSession issues a token for account and records its id so logout can
// revoke it. On failure the response has already been written.
func (h *httpHandler) openSession(c *gin.Context, account users.Account) (sessionResponse, bool) {
	issued, err := h.tokens.Issue(account.ID, account.Email)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", account.ID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "token_issue_failed", "Token issue failed")
		return sessionResponse{}, false
	}
	if err := h.users.OpenSession(c.Request.Context(), issued.ID, account.ID, issued.ExpiresAt); err != nil {
		h.logger.Error("failed to record session", zap.String("user_id", account.ID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "token_issue_failed", "Token issue failed")
		return sessionResponse{}, false
	}
	return sessionResponse{
		AccessToken: issued.Value,
		TokenType:   "bearer",
		ExpiresIn:   issued.ExpiresIn,
		ExpiresAt:   issued.ExpiresAt.Unix(),
		User:        userResponse{ID: account.ID, Email: account.Email},
	}, true
}

func (h *httpHandler) writeAccountError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrEmailTaken):
		abortWithError(c, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
	case errors.Is(err, users.ErrWeakPassword):
		abortWithError(c, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters")
	case errors.Is(err, users.ErrInvalidEmail):
		abortWithError(c, http.StatusBadRequest, "validation_failed", "Unable to validate email address: invalid format")
	case errors.Is(err, users.ErrInvalidCredentials):
		abortWithError(c, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
	case errors.Is(err, users.ErrEmailNotConfirmed):
		abortWithError(c, http.StatusBadRequest, "email_not_confirmed", "Email not confirmed")
	default:
		h.logger.Error("account operation failed", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Unexpected failure")
	}
}

func bearerOwner(c *gin.Context, userID string) bool {
	claims, ok := sessionClaims(c)
	return ok && strings.TrimSpace(claims.UserID) == strings.TrimSpace(userID)
}
