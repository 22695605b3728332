// Package handler содержит HTTP-обработчики API сервиса выдачи литературы.
package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/middleware"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateRequest(ctx context.Context, actor model.Actor, borrowerID int64, ref model.ItemRef) (*model.BorrowRequest, error)
	GetRequest(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error)
	ListBorrowerRequests(ctx context.Context, actor model.Actor, borrowerID int64) ([]model.BorrowRequest, error)
	Approve(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error)
	Reject(ctx context.Context, actor model.Actor, requestID int64, reason string) (*model.BorrowRequest, error)
	RequestReturn(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error)
	ConfirmReturn(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error)

	CurrentFine(ctx context.Context, actor model.Actor, requestID int64) (decimal.Decimal, error)
	UpdateFine(ctx context.Context, actor model.Actor, requestID int64) (*model.Due, error)
	GetDue(ctx context.Context, actor model.Actor, dueID int64) (*model.Due, error)
	ListPayments(ctx context.Context, actor model.Actor, dueID int64) ([]model.Payment, error)
	ListDues(ctx context.Context, actor model.Actor, unpaidOnly bool) ([]model.Due, error)
	SendDueReminder(ctx context.Context, actor model.Actor, dueID int64) (*model.Due, error)

	CreatePaymentAttempt(ctx context.Context, actor model.Actor, dueID int64) (*model.Payment, error)
	RecordManualPayment(ctx context.Context, actor model.Actor, dueID int64) (*model.Payment, error)
	CompletePayment(ctx context.Context, orderRef, paymentRef, signature string) (bool, error)
	VerifyPaymentStatus(ctx context.Context, actor model.Actor, paymentID int64) (bool, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	currency       string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, currency string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		currency:       currency,
	}
}

type createRequestRequest struct {
	BorrowerID int64  `json:"borrower_id"`
	ItemType   string `json:"item_type"`
	ItemID     int64  `json:"item_id"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type requestResponse struct {
	ID           int64   `json:"id"`
	BorrowerID   int64   `json:"borrower_id"`
	ItemType     string  `json:"item_type"`
	ItemID       int64   `json:"item_id"`
	Status       string  `json:"status"`
	RequestedAt  string  `json:"requested_at"`
	DueAt        *string `json:"due_at,omitempty"`
	ReturnedAt   *string `json:"returned_at,omitempty"`
	IsOverdue    bool    `json:"is_overdue"`
	RejectReason string  `json:"reject_reason,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toRequestResponse(r *model.BorrowRequest) requestResponse {
	return requestResponse{
		ID:           r.ID,
		BorrowerID:   r.BorrowerID,
		ItemType:     string(r.Item.Kind),
		ItemID:       r.Item.ID,
		Status:       string(r.Status),
		RequestedAt:  r.RequestedAt.Format(time.RFC3339),
		DueAt:        formatTime(r.DueAt),
		ReturnedAt:   formatTime(r.ReturnedAt),
		IsOverdue:    r.IsOverdue,
		RejectReason: r.RejectReason,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// actorAndID извлекает участника и числовой идентификатор из пути, отвечая
// клиенту ошибкой при их отсутствии.
func actorAndID(w http.ResponseWriter, r *http.Request) (model.Actor, int64, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return model.Actor{}, 0, false
	}
	id, ok := parseID(r, "id")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return model.Actor{}, 0, false
	}
	return actor, id, true
}

// CreateRequest создаёт заявку на выдачу.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.BorrowerID == 0 {
		req.BorrowerID = actor.ID
	}

	ref := model.ItemRef{Kind: model.ItemKind(req.ItemType), ID: req.ItemID}
	if err := ref.Validate(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.CreateRequest(r.Context(), actor, req.BorrowerID, ref)
	if err != nil {
		h.writeError(w, err, "create request error", zap.Int64("borrower_id", req.BorrowerID), zap.Stringer("item", ref))
		return
	}

	writeJSON(w, http.StatusCreated, toRequestResponse(created))
}

// GetRequest возвращает заявку.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	req, err := h.service.GetRequest(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err, "get request error", zap.Int64("request_id", id))
		return
	}

	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// ListBorrowerRequests возвращает заявки читателя.
func (h *Handler) ListBorrowerRequests(w http.ResponseWriter, r *http.Request) {
	actor, borrowerID, ok := actorAndID(w, r)
	if !ok {
		return
	}

	requests, err := h.service.ListBorrowerRequests(r.Context(), actor, borrowerID)
	if err != nil {
		h.writeError(w, err, "list requests error", zap.Int64("borrower_id", borrowerID))
		return
	}

	if len(requests) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]requestResponse, 0, len(requests))
	for i := range requests {
		resp = append(resp, toRequestResponse(&requests[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

type transitionFunc func(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error)

func (h *Handler) transition(name string, fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := actorAndID(w, r)
		if !ok {
			return
		}

		req, err := fn(r.Context(), actor, id)
		if err != nil {
			h.writeError(w, err, name+" error", zap.Int64("request_id", id), zap.Int64("actor_id", actor.ID))
			return
		}

		writeJSON(w, http.StatusOK, toRequestResponse(req))
	}
}

// Approve одобряет заявку.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition("approve", h.service.Approve)(w, r)
}

// RequestReturn отмечает, что читатель хочет вернуть издание.
func (h *Handler) RequestReturn(w http.ResponseWriter, r *http.Request) {
	h.transition("request return", h.service.RequestReturn)(w, r)
}

// ConfirmReturn подтверждает возврат.
func (h *Handler) ConfirmReturn(w http.ResponseWriter, r *http.Request) {
	h.transition("confirm return", h.service.ConfirmReturn)(w, r)
}

// Reject отклоняет заявку. Тело с причиной необязательно.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req rejectRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}
	if !validation.IsValidReason(req.Reason) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rejected, err := h.service.Reject(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.writeError(w, err, "reject error", zap.Int64("request_id", id))
		return
	}

	writeJSON(w, http.StatusOK, toRequestResponse(rejected))
}
