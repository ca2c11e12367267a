package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/service/quotes"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInternalError    = "internal error"
)

// statusForError сопоставляет ошибку сервиса с HTTP-статусом.
func statusForError(err error) int {
	switch {
	case quotes.IsInvalidRequest(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrQuoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQuoteAlreadyExists), errors.Is(err, quotes.ErrSaveInProgress),
		domain.IsVersionConflict(err), errors.Is(err, domain.ErrQuoteStatusTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIdempotencyHashMismatch), domain.IsPricingHashMismatch(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleError пишет ответ об ошибке; текст внутренних ошибок наружу не отдаётся.
func (h *Handler) handleError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	status := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(requestFields(c)).Error("request failed")
		msg = msgInternalError
	}
	reason := domain.SaveReasonError
	if domain.IsPricingHashMismatch(err) {
		reason = domain.SaveReasonHashMismatch
	}
	c.JSON(status, ErrorResponse{Reason: reason, Message: msg})
	return true
}

func badRequest(c *gin.Context, msg string, details any) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Reason: domain.SaveReasonError, Message: msg, Details: details})
}
