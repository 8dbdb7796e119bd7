package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/gpay-escrow/escrow"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// order matters only where a wrapped error could match more than one sentinel
var errorMappings = []errorMapping{
	{escrow.ErrLedgerCorruption, http.StatusInternalServerError, "LedgerCorruption"},
	{escrow.ErrInvalidAmount, http.StatusBadRequest, "InvalidAmount"},
	{escrow.ErrInvalidInput, http.StatusBadRequest, "InvalidInput"},
	{escrow.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{escrow.ErrNotFound, http.StatusNotFound, "NotFound"},
	{escrow.ErrConcurrentModification, http.StatusConflict, "ConcurrentModification"},
	{escrow.ErrInvalidTransition, http.StatusConflict, "InvalidTransition"},
	{escrow.ErrInsufficientFunds, http.StatusUnprocessableEntity, "InsufficientFunds"},
	{escrow.ErrGatewayUnavailable, http.StatusServiceUnavailable, "GatewayUnavailable"},
	{escrow.ErrUnknownPaymentReference, http.StatusNotFound, "UnknownPaymentReference"},
}

// respondError writes the JSON error body for err. Unexpected errors are
// logged and never echoed to the caller.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				logger.ErrorContext(c.Request.Context(), "request failed",
					"module", "handlers",
					"operation", c.FullPath(),
					"outcome", "failure",
					"error", err,
				)
			}
			c.JSON(m.status, gin.H{"error": err.Error(), "code": m.code})
			return
		}
	}
	logger.ErrorContext(c.Request.Context(), "request failed",
		"module", "handlers",
		"operation", c.FullPath(),
		"outcome", "failure",
		"error", err,
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "code": "InternalError"})
}
