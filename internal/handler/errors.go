package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/circulation"
	"github.com/mmeshcher/library-circulation/internal/eligibility"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/service"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, service.ErrNoFine):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidItemRef):
		return http.StatusBadRequest
	case errors.Is(err, eligibility.ErrIneligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, circulation.ErrTransition), errors.Is(err, circulation.ErrOutOfCopies):
		return http.StatusConflict
	case errors.Is(err, service.ErrAlreadyPaid):
		return http.StatusOK
	case errors.Is(err, service.ErrSignatureInvalid):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrGatewayNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrOrderExpired), errors.Is(err, service.ErrPaymentClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает клиенту статусом, соответствующим ошибке. Внутренние
// ошибки логируются, а клиенту возвращается только текст статуса.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
		return
	}

	h.logger.Debug(msg, append(fields, zap.Error(err), zap.Int("status", status))...)
	writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: service.IsRetryable(err)})
}
