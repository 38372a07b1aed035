// Package handlers exposes the record store over HTTP: the xAPI
// resources behind basic auth and the admin account/credential API
// behind JWT auth.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kimsama/lrsql/internal/httpmiddleware"
	"github.com/kimsama/lrsql/internal/lrs"
	"github.com/kimsama/lrsql/internal/scopes"
	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

const (
	authzContextKey   = "lrs.authorization"
	accountContextKey = "lrs.account"

	consistentThroughHeader = "X-Experience-API-Consistent-Through"
	versionHeader           = "X-Experience-API-Version"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, lrs.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "insufficient scope"})
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrAccountNotFound),
		errors.Is(err, storage.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "not found"})
	case errors.Is(err, lrs.ErrInvalidInput),
		errors.Is(err, xapi.ErrInvalidStatement),
		errors.Is(err, scopes.ErrUnknownScope),
		errors.Is(err, storage.ErrInvalidCursor),
		errors.Is(err, storage.ErrContentTypeMismatch):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
	case errors.Is(err, storage.ErrAccountExists):
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "account already exists"})
	default:
		logger.Error("request failed",
			"error", err,
			"path", c.Request.URL.Path,
			"request_id", httpmiddleware.RequestIDFrom(c),
		)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}
