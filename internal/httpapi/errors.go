package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is a machine-readable error code from the v1 wire protocol.
type APIError string

// Error codes understood by API clients.
const (
	ErrTokenNotFound          APIError = "token_not_found"
	ErrInvalidToken           APIError = "invalid_token"
	ErrInsufficientPermission APIError = "insufficient_permission"
	ErrUserNotFound           APIError = "user_not_found"
	ErrInvalidRequest         APIError = "invalid_request"
	ErrNotFound               APIError = "not_found"
	ErrNotImplemented         APIError = "not_implemented"
	ErrDomainExists           APIError = "domain_exists"
	ErrDomainQuotaReached     APIError = "domain_quota_reached"
	ErrInternalServerError    APIError = "internal_server_error"
	ErrRequestTimedOut        APIError = "request_timed_out"
	ErrServerIsOffline        APIError = "server_is_offline"
	ErrExpiredInvitation      APIError = "expired_invitation"
	ErrUsedInvitation         APIError = "used_invitation"
)

// Status returns the HTTP status code for the error.
func (e APIError) Status() int {
	switch e {
	case ErrTokenNotFound, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrInvalidToken, ErrInsufficientPermission, ErrUserNotFound, ErrDomainQuotaReached:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRequestTimedOut:
		return http.StatusRequestTimeout
	case ErrDomainExists:
		return http.StatusConflict
	case ErrExpiredInvitation, ErrUsedInvitation:
		return http.StatusGone
	case ErrNotImplemented:
		return http.StatusNotImplemented
	case ErrServerIsOffline:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error       APIError `json:"error"`
	Description string   `json:"description,omitempty"`
}

// sendError writes the error body and aborts the request chain.
func sendError(c *gin.Context, e APIError, description ...string) {
	body := errorBody{Error: e}
	if len(description) > 0 {
		body.Description = description[0]
	}
	c.AbortWithStatusJSON(e.Status(), body)
}
