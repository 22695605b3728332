package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/middleware"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/service"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

type fineResponse struct {
	RequestID int64  `json:"request_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	DueID     *int64 `json:"due_id,omitempty"`
	IsPaid    bool   `json:"is_paid"`
}

type paymentResponse struct {
	ID            int64   `json:"id"`
	DueID         int64   `json:"due_id"`
	Amount        string  `json:"amount"`
	Receipt       string  `json:"receipt"`
	OrderID       string  `json:"order_id,omitempty"`
	PaymentID     *string `json:"payment_id,omitempty"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`
	ProcessedBy   *int64  `json:"processed_by,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type dueResponse struct {
	ID              int64             `json:"id"`
	BorrowRequestID int64             `json:"borrow_request_id"`
	Amount          string            `json:"amount"`
	Currency        string            `json:"currency"`
	IsPaid          bool              `json:"is_paid"`
	UpdatedAt       string            `json:"updated_at"`
	Payments        []paymentResponse `json:"payments,omitempty"`
}

type callbackRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

type settlementResponse struct {
	Status string `json:"status"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		DueID:         p.DueID,
		Amount:        p.AmountPaid.StringFixed(2),
		Receipt:       p.Receipt,
		OrderID:       p.ExternalOrderRef,
		PaymentID:     p.ExternalPaymentRef,
		Status:        string(p.Status),
		FailureReason: p.FailureReason,
		ProcessedBy:   p.ProcessedBy,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) toDueResponse(d *model.Due) dueResponse {
	return dueResponse{
		ID:              d.ID,
		BorrowRequestID: d.BorrowRequestID,
		Amount:          d.Amount.StringFixed(2),
		Currency:        h.currency,
		IsPaid:          d.IsPaid,
		UpdatedAt:       d.UpdatedAt.Format(time.RFC3339),
	}
}

// GetFine возвращает штраф по заявке. Для возвращённой с опозданием выдачи
// штраф пересчитывается и сохраняется, для выдачи на руках считается на текущий момент.
func (h *Handler) GetFine(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	due, err := h.service.UpdateFine(r.Context(), actor, id)
	if err == nil {
		writeJSON(w, http.StatusOK, fineResponse{
			RequestID: id,
			Amount:    due.Amount.StringFixed(2),
			Currency:  h.currency,
			DueID:     &due.ID,
			IsPaid:    due.IsPaid,
		})
		return
	}
	if !errors.Is(err, service.ErrNoFine) {
		h.writeError(w, err, "update fine error", zap.Int64("request_id", id))
		return
	}

	amount, err := h.service.CurrentFine(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err, "current fine error", zap.Int64("request_id", id))
		return
	}

	writeJSON(w, http.StatusOK, fineResponse{
		RequestID: id,
		Amount:    amount.StringFixed(2),
		Currency:  h.currency,
	})
}

// GetDue возвращает штраф вместе с попытками оплаты.
func (h *Handler) GetDue(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	due, err := h.service.GetDue(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err, "get due error", zap.Int64("due_id", id))
		return
	}

	payments, err := h.service.ListPayments(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err, "list payments error", zap.Int64("due_id", id))
		return
	}

	resp := h.toDueResponse(due)
	for i := range payments {
		resp.Payments = append(resp.Payments, toPaymentResponse(&payments[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListDues возвращает штрафы для библиотекаря. По умолчанию только неоплаченные,
// ?unpaid=false возвращает все.
func (h *Handler) ListDues(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	unpaidOnly := true
	if v := r.URL.Query().Get("unpaid"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		unpaidOnly = parsed
	}

	dues, err := h.service.ListDues(r.Context(), actor, unpaidOnly)
	if err != nil {
		h.writeError(w, err, "list dues error")
		return
	}

	if len(dues) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]dueResponse, 0, len(dues))
	for i := range dues {
		resp = append(resp, h.toDueResponse(&dues[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RemindDue отправляет читателю напоминание о неоплаченном штрафе.
func (h *Handler) RemindDue(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	if _, err := h.service.SendDueReminder(r.Context(), actor, id); err != nil {
		if errors.Is(err, service.ErrAlreadyPaid) {
			writeJSON(w, http.StatusOK, settlementResponse{Status: "already_paid"})
			return
		}
		h.writeError(w, err, "due reminder error", zap.Int64("due_id", id))
		return
	}

	writeJSON(w, http.StatusAccepted, settlementResponse{Status: "reminder_sent"})
}

// CreatePayment создаёт попытку оплаты штрафа через шлюз.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	payment, err := h.service.CreatePaymentAttempt(r.Context(), actor, id)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyPaid) {
			writeJSON(w, http.StatusOK, settlementResponse{Status: "already_paid"})
			return
		}
		h.writeError(w, err, "create payment error", zap.Int64("due_id", id))
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentResponse(payment))
}

// ManualPayment фиксирует оплату, принятую библиотекарем.
func (h *Handler) ManualPayment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	payment, err := h.service.RecordManualPayment(r.Context(), actor, id)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyPaid) {
			writeJSON(w, http.StatusOK, settlementResponse{Status: "already_paid"})
			return
		}
		h.writeError(w, err, "manual payment error", zap.Int64("due_id", id))
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentResponse(payment))
}

// PaymentCallback принимает уведомление шлюза об оплате.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidGatewayRef(req.OrderID) ||
		!validation.IsValidGatewayRef(req.PaymentID) ||
		!validation.IsValidSignature(req.Signature) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ok, err := h.service.CompletePayment(r.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyPaid) {
			writeJSON(w, http.StatusOK, settlementResponse{Status: "already_paid"})
			return
		}
		h.writeError(w, err, "payment callback error", zap.String("order_ref", req.OrderID))
		return
	}

	status := "pending"
	if ok {
		status = "paid"
	}
	writeJSON(w, http.StatusOK, settlementResponse{Status: status})
}

// VerifyPayment запрашивает состояние попытки оплаты в шлюзе.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	paid, err := h.service.VerifyPaymentStatus(r.Context(), actor, id)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyPaid) {
			writeJSON(w, http.StatusOK, settlementResponse{Status: "already_paid"})
			return
		}
		h.writeError(w, err, "verify payment error", zap.Int64("payment_id", id))
		return
	}

	status := "pending"
	if paid {
		status = "paid"
	}
	writeJSON(w, http.StatusOK, settlementResponse{Status: status})
}
