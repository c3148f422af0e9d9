package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mongoadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/mongo"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/purchase"
	"golang.org/x/sync/errgroup"
)

// PurchaseService is the part of purchase.Service the handlers call.
type PurchaseService interface {
	InitiatePurchase(ctx context.Context, req purchase.InitiateRequest) (purchase.InitiateResult, error)
	HandleCallback(ctx context.Context, payload []byte) purchase.Ack
	Get(ctx context.Context, buyerID, purchaseID uuid.UUID) (domain.Purchase, error)
	ListMine(ctx context.Context, buyerID uuid.UUID, status *domain.PurchaseStatus) ([]domain.Purchase, error)
	RequestRefund(ctx context.Context, purchaseID, requesterID uuid.UUID) (domain.Purchase, error)
}

type SubscriptionReader interface {
	GetActiveSubscription(ctx context.Context, subscriberID uuid.UUID, now time.Time) (domain.Subscription, error)
}

type ReviewQueue interface {
	NeedsReview(ctx context.Context, limit int64) ([]mongoadapter.AuditLog, error)
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handlers struct {
	purchases     PurchaseService
	subscriptions SubscriptionReader
	reviews       ReviewQueue
	checks        []Check
	validate      *validator.Validate
	logger        observability.Logger
	now           func() time.Time
}

type HandlersProperty struct {
	Purchases     PurchaseService
	Subscriptions SubscriptionReader
	Reviews       ReviewQueue
	Checks        []Check
	Logger        observability.Logger
	Now           func() time.Time
}

func NewHandlers(props HandlersProperty) *Handlers {
	h := &Handlers{
		purchases:     props.Purchases,
		subscriptions: props.Subscriptions,
		reviews:       props.Reviews,
		checks:        props.Checks,
		validate:      NewValidator(),
		logger:        props.Logger,
		now:           props.Now,
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}

// NewValidator reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type initiatePurchaseRequest struct {
	TicketTypeID string `json:"ticket_type_id" validate:"required,uuid"`
	Quantity     int64  `json:"quantity" validate:"required,min=1"`
	Phone        string `json:"phone" validate:"required"`
}

type initiatePurchaseResponse struct {
	PurchaseID        uuid.UUID             `json:"purchase_id"`
	CheckoutRequestID string                `json:"checkout_request_id"`
	Status            domain.PurchaseStatus `json:"status"`
	Message           string                `json:"message"`
}

type purchaseView struct {
	ID            uuid.UUID             `json:"id"`
	TicketTypeID  uuid.UUID             `json:"ticket_type_id"`
	Quantity      int64                 `json:"quantity"`
	UnitPrice     string                `json:"unit_price"`
	TotalAmount   string                `json:"total_amount"`
	Status        domain.PurchaseStatus `json:"status"`
	FailureReason *domain.FailureReason `json:"failure_reason,omitempty"`
	ReceiptNumber *string               `json:"receipt_number,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

func viewOf(p domain.Purchase) purchaseView {
	return purchaseView{
		ID:            p.ID,
		TicketTypeID:  p.TicketTypeID,
		Quantity:      p.Quantity,
		UnitPrice:     p.UnitPrice.StringFixed(domain.CurrencyPlaces),
		TotalAmount:   p.TotalAmount.StringFixed(domain.CurrencyPlaces),
		Status:        p.Status,
		FailureReason: p.FailureReason,
		ReceiptNumber: p.ReceiptNumber,
		CreatedAt:     p.CreatedAt,
		CompletedAt:   p.CompletedAt,
	}
}

type subscriptionView struct {
	ID         uuid.UUID                 `json:"id"`
	Plan       string                    `json:"plan"`
	MonthlyFee string                    `json:"monthly_fee"`
	StartAt    time.Time                 `json:"start_at"`
	EndAt      time.Time                 `json:"end_at"`
	Status     domain.SubscriptionStatus `json:"status"`
}

func (h *Handlers) InitiatePurchase(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req initiatePurchaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, h.logger, errors.WithHint(domain.ErrInvalidInput, "request body must be JSON"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, h.logger, invalidInput(err))
		return
	}

	res, err := h.purchases.InitiatePurchase(r.Context(), purchase.InitiateRequest{
		BuyerID:      id.BuyerID,
		TicketTypeID: uuid.MustParse(req.TicketTypeID),
		Quantity:     req.Quantity,
		Phone:        req.Phone,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, initiatePurchaseResponse{
		PurchaseID:        res.PurchaseID,
		CheckoutRequestID: res.CorrelationToken,
		Status:            res.Status,
		Message:           res.Message,
	})
}

// MpesaCallback always answers 200 with the fixed acknowledgement.
func (h *Handlers) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).WithError(err).Warn("failed to read callback body")
	}
	writeJSON(w, http.StatusOK, h.purchases.HandleCallback(r.Context(), payload))
}

func (h *Handlers) ListMyPurchases(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var status *domain.PurchaseStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		status = &st
	}

	purchases, err := h.purchases.ListMine(r.Context(), id.BuyerID, status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	views := make([]purchaseView, 0, len(purchases))
	for _, p := range purchases {
		views = append(views, viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purchases": views})
}

func (h *Handlers) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	purchaseID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, errors.WithHint(domain.ErrInvalidInput, "invalid purchase id"))
		return
	}

	p, err := h.purchases.Get(r.Context(), id.BuyerID, purchaseID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (h *Handlers) RequestRefund(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	purchaseID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, errors.WithHint(domain.ErrInvalidInput, "invalid purchase id"))
		return
	}

	p, err := h.purchases.RequestRefund(r.Context(), purchaseID, id.BuyerID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Refund request submitted",
		"purchase": viewOf(p),
	})
}

func (h *Handlers) MySubscription(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	s, err := h.subscriptions.GetActiveSubscription(r.Context(), id.BuyerID, h.now())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView{
		ID:         s.ID,
		Plan:       s.Plan,
		MonthlyFee: s.MonthlyFee.StringFixed(domain.CurrencyPlaces),
		StartAt:    s.StartAt,
		EndAt:      s.EndAt,
		Status:     s.Status,
	})
}

// ReviewQueue lists audit entries flagged for manual reconciliation.
func (h *Handlers) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reviews.NeedsReview(r.Context(), 100)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []mongoadapter.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Readyz runs every dependency check in parallel and reports the ones that
// failed.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make([]string, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		i, c := i, c
		g.Go(func() error {
			if err := c.Check(ctx); err != nil {
				failed[i] = c.Name
				observability.LoggerFrom(r.Context(), h.logger).WithError(err).WithField("check", c.Name).Warn("readiness check failed")
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var names []string
		for _, n := range failed {
			if n != "" {
				names = append(names, n)
			}
		}
		writeProblem(w, http.StatusServiceUnavailable, codeServiceNotReady, "unavailable: "+strings.Join(names, ", "))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
