package billingapi

import (
	"time"

	"github.com/dmitrymomot/saasbilling/pkg/subscription"
)

type checkoutRequest struct {
	UserID          string `json:"userId"`
	Tier            string `json:"tier"`
	BillingInterval string `json:"billingInterval"`
	SuccessURL      string `json:"successUrl"`
	CancelURL       string `json:"cancelUrl"`
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

type portalRequest struct {
	UserID    string `json:"userId"`
	ReturnURL string `json:"returnUrl"`
}

type changeTierRequest struct {
	Tier string `json:"tier"`
}

type moneyResponse struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type subscriptionResponse struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Tier       string            `json:"tier"`
	Status     string            `json:"status"`
	StartDate  time.Time         `json:"startDate"`
	EndDate    time.Time         `json:"endDate"`
	AutoRenew  bool              `json:"autoRenew"`
	CanceledAt *time.Time        `json:"canceledAt,omitempty"`
	ExternalID string            `json:"externalId,omitempty"`
	Price      moneyResponse     `json:"price"`
	Features   []string          `json:"features"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func newSubscriptionResponse(s *subscription.Subscription) *subscriptionResponse {
	if s == nil {
		return nil
	}
	features := s.Features
	if features == nil {
		features = []string{}
	}
	return &subscriptionResponse{
		ID:         s.ID,
		UserID:     s.UserID,
		Tier:       string(s.Tier),
		Status:     string(s.Status),
		StartDate:  s.StartDate,
		EndDate:    s.EndDate,
		AutoRenew:  s.AutoRenew,
		CanceledAt: s.CanceledAt,
		ExternalID: s.ExternalID,
		Price:      moneyResponse{Amount: s.Price.Amount, Currency: s.Price.Currency},
		Features:   features,
		Metadata:   s.Metadata,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

type tierResponse struct {
	Tier     string              `json:"tier"`
	Monthly  moneyResponse       `json:"monthly"`
	Yearly   moneyResponse       `json:"yearly"`
	Quotas   subscription.Quotas `json:"quotas"`
	Support  string              `json:"support"`
	Features []string            `json:"features"`
}

func newTierResponse(d subscription.TierDetails) tierResponse {
	return tierResponse{
		Tier:     string(d.Tier),
		Monthly:  moneyResponse{Amount: d.Price.Monthly.Amount, Currency: d.Price.Monthly.Currency},
		Yearly:   moneyResponse{Amount: d.Price.Yearly.Amount, Currency: d.Price.Yearly.Currency},
		Quotas:   d.Quotas,
		Support:  d.Support,
		Features: d.Features,
	}
}

type checkoutResponse struct {
	IsFree       bool                  `json:"isFree"`
	Subscription *subscriptionResponse `json:"subscription,omitempty"`
	SessionID    string                `json:"sessionId,omitempty"`
	URL          string                `json:"url,omitempty"`
}

type cancelResponse struct {
	Canceled            bool                  `json:"canceled"`
	CanceledAtPeriodEnd bool                  `json:"canceledAtPeriodEnd"`
	Subscription        *subscriptionResponse `json:"subscription"`
}

type userSubscriptionResponse struct {
	UserID       string                `json:"userId"`
	Tier         tierResponse          `json:"tier"`
	Subscription *subscriptionResponse `json:"subscription"`
}
