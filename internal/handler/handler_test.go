package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/circulation"
	"github.com/mmeshcher/library-circulation/internal/eligibility"
	"github.com/mmeshcher/library-circulation/internal/middleware"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/service"
)

type stubService struct {
	lastActor      model.Actor
	lastBorrowerID int64
	lastRef        model.ItemRef
	lastReason     string
	lastSignature  string

	requestResp *model.BorrowRequest
	requestErr  error

	listResp []model.BorrowRequest
	listErr  error

	fineResp  decimal.Decimal
	fineErr   error
	updateDue *model.Due
	updateErr error

	dueResp      *model.Due
	dueErr       error
	paymentsResp []model.Payment

	paymentResp *model.Payment
	paymentErr  error

	completeOK  bool
	completeErr error
	verifyOK    bool
	verifyErr   error

	lastUnpaidOnly bool
	duesResp       []model.Due
	duesErr        error
	remindErr      error
}

func (s *stubService) CreateRequest(ctx context.Context, actor model.Actor, borrowerID int64, ref model.ItemRef) (*model.BorrowRequest, error) {
	s.lastActor, s.lastBorrowerID, s.lastRef = actor, borrowerID, ref
	return s.requestResp, s.requestErr
}

func (s *stubService) GetRequest(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	s.lastActor = actor
	return s.requestResp, s.requestErr
}

func (s *stubService) ListBorrowerRequests(ctx context.Context, actor model.Actor, borrowerID int64) ([]model.BorrowRequest, error) {
	s.lastActor, s.lastBorrowerID = actor, borrowerID
	return s.listResp, s.listErr
}

func (s *stubService) Approve(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	s.lastActor = actor
	return s.requestResp, s.requestErr
}

func (s *stubService) Reject(ctx context.Context, actor model.Actor, requestID int64, reason string) (*model.BorrowRequest, error) {
	s.lastActor, s.lastReason = actor, reason
	return s.requestResp, s.requestErr
}

func (s *stubService) RequestReturn(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	return s.requestResp, s.requestErr
}

func (s *stubService) ConfirmReturn(ctx context.Context, actor model.Actor, requestID int64) (*model.BorrowRequest, error) {
	return s.requestResp, s.requestErr
}

func (s *stubService) CurrentFine(ctx context.Context, actor model.Actor, requestID int64) (decimal.Decimal, error) {
	return s.fineResp, s.fineErr
}

func (s *stubService) UpdateFine(ctx context.Context, actor model.Actor, requestID int64) (*model.Due, error) {
	return s.updateDue, s.updateErr
}

func (s *stubService) GetDue(ctx context.Context, actor model.Actor, dueID int64) (*model.Due, error) {
	return s.dueResp, s.dueErr
}

func (s *stubService) ListPayments(ctx context.Context, actor model.Actor, dueID int64) ([]model.Payment, error) {
	return s.paymentsResp, nil
}

func (s *stubService) CreatePaymentAttempt(ctx context.Context, actor model.Actor, dueID int64) (*model.Payment, error) {
	return s.paymentResp, s.paymentErr
}

func (s *stubService) RecordManualPayment(ctx context.Context, actor model.Actor, dueID int64) (*model.Payment, error) {
	return s.paymentResp, s.paymentErr
}

func (s *stubService) CompletePayment(ctx context.Context, orderRef, paymentRef, signature string) (bool, error) {
	s.lastSignature = signature
	return s.completeOK, s.completeErr
}

func (s *stubService) VerifyPaymentStatus(ctx context.Context, actor model.Actor, paymentID int64) (bool, error) {
	s.lastActor = actor
	return s.verifyOK, s.verifyErr
}

func (s *stubService) ListDues(ctx context.Context, actor model.Actor, unpaidOnly bool) ([]model.Due, error) {
	s.lastActor, s.lastUnpaidOnly = actor, unpaidOnly
	return s.duesResp, s.duesErr
}

func (s *stubService) SendDueReminder(ctx context.Context, actor model.Actor, dueID int64) (*model.Due, error) {
	s.lastActor = actor
	return s.dueResp, s.remindErr
}

var (
	studentActor   = model.Actor{ID: 1, Role: model.RoleStudent}
	librarianActor = model.Actor{ID: 100, Role: model.RoleLibrarian}
)

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, "INR")
}

// do выполняет запрос через полный роутер от имени участника. Нулевой участник
// означает запрос без cookie.
func do(t *testing.T, h *Handler, actor model.Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if actor.ID != 0 {
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: h.authMiddleware.Token(actor)})
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func sampleRequest() *model.BorrowRequest {
	due := time.Date(2024, 9, 16, 10, 0, 0, 0, time.UTC)
	return &model.BorrowRequest{
		ID:          7,
		BorrowerID:  1,
		Item:        model.ItemRef{Kind: model.ItemKindBook, ID: 3},
		Status:      model.BorrowStatusApproved,
		RequestedAt: due.Add(-14 * 24 * time.Hour),
		DueAt:       &due,
	}
}

func TestCreateRequest_Created(t *testing.T) {
	svc := &stubService{requestResp: sampleRequest()}
	h := newTestHandler(t, svc)

	rec := do(t, h, studentActor, http.MethodPost, "/api/requests", `{"item_type":"book","item_id":3}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if svc.lastBorrowerID != studentActor.ID {
		t.Fatalf("borrower id = %d, want actor id %d", svc.lastBorrowerID, studentActor.ID)
	}
	if svc.lastRef != (model.ItemRef{Kind: model.ItemKindBook, ID: 3}) {
		t.Fatalf("item ref = %v", svc.lastRef)
	}

	var resp requestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 || resp.Status != "APPROVED" || resp.DueAt == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreateRequest_BadItem(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, studentActor, http.MethodPost, "/api/requests", `{"item_type":"dvd","item_id":3}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = do(t, h, studentActor, http.MethodPost, "/api/requests", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRequests_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, model.Actor{}, http.MethodGet, "/api/requests/1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "ineligible", err: eligibility.ErrLimitReached, status: http.StatusUnprocessableEntity},
		{name: "already processed", err: circulation.ErrAlreadyProcessed, status: http.StatusConflict},
		{name: "out of copies", err: circulation.ErrOutOfCopies, status: http.StatusConflict},
		{name: "forbidden", err: service.ErrForbidden, status: http.StatusForbidden},
		{name: "not found", err: fmt.Errorf("request 9: %w", repository.ErrNotFound), status: http.StatusNotFound},
		{name: "internal", err: context.DeadlineExceeded, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{requestErr: tt.err})

			rec := do(t, h, librarianActor, http.MethodPost, "/api/requests/7/approve", "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestApprove_InvalidID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, librarianActor, http.MethodPost, "/api/requests/abc/approve", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestReject_OptionalReason(t *testing.T) {
	svc := &stubService{requestResp: sampleRequest()}
	h := newTestHandler(t, svc)

	rec := do(t, h, librarianActor, http.MethodPost, "/api/requests/7/reject", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.lastReason != "" {
		t.Fatalf("reason = %q, want empty", svc.lastReason)
	}

	rec = do(t, h, librarianActor, http.MethodPost, "/api/requests/7/reject", `{"reason":"damaged copy"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.lastReason != "damaged copy" {
		t.Fatalf("reason = %q, want %q", svc.lastReason, "damaged copy")
	}
}

func TestListBorrowerRequests_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{listResp: []model.BorrowRequest{}})

	rec := do(t, h, studentActor, http.MethodGet, "/api/borrowers/1/requests", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetFine_LiveAmountForOpenLoan(t *testing.T) {
	svc := &stubService{
		updateErr: service.ErrNoFine,
		fineResp:  decimal.NewFromInt(40),
	}
	h := newTestHandler(t, svc)

	rec := do(t, h, studentActor, http.MethodGet, "/api/requests/7/fine", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp fineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != "40.00" || resp.DueID != nil || resp.Currency != "INR" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestGetFine_StoredDue(t *testing.T) {
	svc := &stubService{
		updateDue: &model.Due{ID: 3, BorrowRequestID: 7, Amount: decimal.NewFromInt(60)},
	}
	h := newTestHandler(t, svc)

	rec := do(t, h, studentActor, http.MethodGet, "/api/requests/7/fine", "")

	var resp fineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != "60.00" || resp.DueID == nil || *resp.DueID != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestGetDue_WithPayments(t *testing.T) {
	svc := &stubService{
		dueResp: &model.Due{ID: 3, BorrowRequestID: 7, Amount: decimal.NewFromInt(100), IsPaid: true},
		paymentsResp: []model.Payment{
			{ID: 1, DueID: 3, AmountPaid: decimal.NewFromInt(100), Status: model.PaymentStatusFailed},
			{ID: 2, DueID: 3, AmountPaid: decimal.NewFromInt(100), Status: model.PaymentStatusSuccessful, IsSuccessful: true},
		},
	}
	h := newTestHandler(t, svc)

	rec := do(t, h, studentActor, http.MethodGet, "/api/dues/3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp dueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IsPaid || len(resp.Payments) != 2 || resp.Amount != "100.00" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreatePayment(t *testing.T) {
	tests := []struct {
		name   string
		svc    *stubService
		status int
		body   string
	}{
		{
			name: "created",
			svc: &stubService{paymentResp: &model.Payment{
				ID: 5, DueID: 3, AmountPaid: decimal.NewFromInt(100),
				ExternalOrderRef: "order_1", Status: model.PaymentStatusCreated,
			}},
			status: http.StatusCreated,
			body:   `"order_id":"order_1"`,
		},
		{
			name:   "already paid",
			svc:    &stubService{paymentErr: service.ErrAlreadyPaid},
			status: http.StatusOK,
			body:   "already_paid",
		},
		{
			name:   "gateway unavailable",
			svc:    &stubService{paymentErr: fmt.Errorf("%w: timeout", service.ErrGatewayUnavailable)},
			status: http.StatusBadGateway,
			body:   `"retryable":true`,
		},
		{
			name:   "not configured",
			svc:    &stubService{paymentErr: service.ErrGatewayNotConfigured},
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.svc)

			rec := do(t, h, studentActor, http.MethodPost, "/api/dues/3/payments", "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Fatalf("body %q does not contain %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestManualPayment_AlreadyPaidIsSuccess(t *testing.T) {
	h := newTestHandler(t, &stubService{paymentErr: service.ErrAlreadyPaid})

	rec := do(t, h, librarianActor, http.MethodPost, "/api/dues/3/manual-payment", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestPaymentCallback(t *testing.T) {
	validSig := strings.Repeat("ab", 32)

	tests := []struct {
		name   string
		svc    *stubService
		body   string
		status int
	}{
		{
			name:   "paid without cookie",
			svc:    &stubService{completeOK: true},
			body:   fmt.Sprintf(`{"order_id":"order_1","payment_id":"pay_1","signature":%q}`, validSig),
			status: http.StatusOK,
		},
		{
			name:   "malformed signature",
			svc:    &stubService{completeOK: true},
			body:   `{"order_id":"order_1","payment_id":"pay_1","signature":"xyz"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "signature mismatch",
			svc:    &stubService{completeErr: service.ErrSignatureInvalid},
			body:   fmt.Sprintf(`{"order_id":"order_1","payment_id":"pay_1","signature":%q}`, validSig),
			status: http.StatusBadRequest,
		},
		{
			name:   "due settled elsewhere",
			svc:    &stubService{completeErr: service.ErrAlreadyPaid},
			body:   fmt.Sprintf(`{"order_id":"order_1","payment_id":"pay_1","signature":%q}`, validSig),
			status: http.StatusOK,
		},
		{
			name:   "unknown order",
			svc:    &stubService{completeErr: repository.ErrNotFound},
			body:   fmt.Sprintf(`{"order_id":"order_9","payment_id":"pay_1","signature":%q}`, validSig),
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.svc)

			rec := do(t, h, model.Actor{}, http.MethodPost, "/api/payments/callback", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestVerifyPayment_Pending(t *testing.T) {
	h := newTestHandler(t, &stubService{verifyOK: false})

	rec := do(t, h, studentActor, http.MethodPost, "/api/payments/5/verify", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "pending") {
		t.Fatalf("body %q does not report pending", rec.Body.String())
	}
}

func TestVerifyPayment_ForwardsActor(t *testing.T) {
	svc := &stubService{verifyErr: service.ErrForbidden}
	h := newTestHandler(t, svc)

	rec := do(t, h, studentActor, http.MethodPost, "/api/payments/5/verify", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if svc.lastActor != studentActor {
		t.Fatalf("actor = %+v, want %+v", svc.lastActor, studentActor)
	}
}

func TestListDues(t *testing.T) {
	dues := []model.Due{
		{ID: 1, BorrowRequestID: 7, Amount: decimal.NewFromInt(60)},
		{ID: 2, BorrowRequestID: 9, Amount: decimal.NewFromInt(20)},
	}

	tests := []struct {
		name       string
		query      string
		svc        *stubService
		status     int
		unpaidOnly bool
	}{
		{name: "unpaid by default", svc: &stubService{duesResp: dues}, status: http.StatusOK, unpaidOnly: true},
		{name: "all dues", query: "?unpaid=false", svc: &stubService{duesResp: dues}, status: http.StatusOK},
		{name: "bad filter", query: "?unpaid=maybe", svc: &stubService{}, status: http.StatusBadRequest},
		{name: "empty", svc: &stubService{}, status: http.StatusNoContent, unpaidOnly: true},
		{name: "students forbidden", svc: &stubService{duesErr: service.ErrForbidden}, status: http.StatusForbidden, unpaidOnly: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.svc)

			rec := do(t, h, librarianActor, http.MethodGet, "/api/dues"+tt.query, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusBadRequest {
				return
			}
			if tt.svc.lastUnpaidOnly != tt.unpaidOnly {
				t.Fatalf("unpaidOnly = %v, want %v", tt.svc.lastUnpaidOnly, tt.unpaidOnly)
			}
			if tt.status == http.StatusOK && !strings.Contains(rec.Body.String(), `"amount":"60.00"`) {
				t.Fatalf("body %q does not contain the due amount", rec.Body.String())
			}
		})
	}
}

func TestRemindDue(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "sent", status: http.StatusAccepted},
		{name: "already paid", err: service.ErrAlreadyPaid, status: http.StatusOK},
		{name: "forbidden", err: service.ErrForbidden, status: http.StatusForbidden},
		{name: "unknown due", err: repository.ErrNotFound, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{remindErr: tt.err})

			rec := do(t, h, librarianActor, http.MethodPost, "/api/dues/3/remind", "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}
