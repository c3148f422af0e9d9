package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	all := []domain.PurchaseStatus{domain.StatusPending, domain.StatusCompleted, domain.StatusFailed, domain.StatusRefundRequested}
	allowed := map[[2]domain.PurchaseStatus]bool{
		{domain.StatusPending, domain.StatusCompleted}:         true,
		{domain.StatusPending, domain.StatusFailed}:            true,
		{domain.StatusCompleted, domain.StatusRefundRequested}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]domain.PurchaseStatus{from, to}]
			if got := domain.CanTransition(from, to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
			err := domain.CheckTransition(from, to)
			if want && err != nil {
				t.Errorf("%s -> %s: unexpected error %v", from, to, err)
			}
			if !want && !errors.Is(err, domain.ErrIllegalTransition) {
				t.Errorf("%s -> %s: expected ErrIllegalTransition, got %v", from, to, err)
			}
		}
	}
}

func TestPurchase_Apply(t *testing.T) {
	p := domain.Purchase{ID: uuid.New(), Status: domain.StatusPending}
	receipt := "QKT4ABC123"
	at := time.Now()
	done := p.Apply(domain.StatusChange{From: domain.StatusPending, To: domain.StatusCompleted, ReceiptNumber: &receipt, At: at})
	if done.Status != domain.StatusCompleted || *done.ReceiptNumber != receipt || done.CompletedAt == nil {
		t.Errorf("unexpected purchase %+v", done)
	}
	if p.Status != domain.StatusPending {
		t.Error("Apply must not mutate the receiver")
	}
}

func TestPurchaseEvent(t *testing.T) {
	p := domain.Purchase{ID: uuid.New(), BuyerID: uuid.New(), Quantity: 2, TotalAmount: decimal.RequireFromString("1000"), Status: domain.StatusCompleted}
	evt := domain.PurchaseEvent(domain.EventPurchaseCompleted, p, time.Now())
	if evt.DedupeKey != "purchase.completed:"+p.ID.String() || evt.AggregateID != p.ID {
		t.Errorf("unexpected event %+v", evt)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(evt.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["total_amount"] != "1000.00" || body["status"] != "completed" {
		t.Errorf("unexpected payload %v", body)
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := domain.ParseStatus("completed"); err != nil {
		t.Error(err)
	}
	if _, err := domain.ParseStatus("refunded"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}
