package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// PaymentStatus is the canonical lifecycle state of a payment transaction.
// Transactions move initiated -> pending -> success/failed/canceled; the
// three settled states absorb all later signals.
type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCanceled  PaymentStatus = "canceled"
)

// IsTerminal reports whether the status is a settled end state.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusCanceled:
		return true
	}
	return false
}

// ParsePaymentStatus maps a canonical status string to its typed value.
// It does not interpret gateway vocabulary, only our own.
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch PaymentStatus(strings.ToLower(strings.TrimSpace(s))) {
	case PaymentStatusInitiated:
		return PaymentStatusInitiated, true
	case PaymentStatusPending:
		return PaymentStatusPending, true
	case PaymentStatusSuccess:
		return PaymentStatusSuccess, true
	case PaymentStatusFailed:
		return PaymentStatusFailed, true
	case PaymentStatusCanceled:
		return PaymentStatusCanceled, true
	default:
		return "", false
	}
}

const (
	InstrumentMTNMoMo      = "mtn_momo"
	InstrumentOrangeMoney  = "orange_money"
	InstrumentExpressUnion = "express_union"
	InstrumentCard         = "card"
)

// PaymentTransaction is the durable record of one charge attempt for a
// listing upgrade. ExternalReference is the merchant-side idempotency key;
// GatewayID arrives later and is unique when present.
type PaymentTransaction struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	ExternalReference   string         `gorm:"type:varchar(64) CHARACTER SET utf8 COLLATE utf8_bin;not null;uniqueIndex" json:"external_reference" validate:"required,min=8,max=64"`
	GatewayID           *string        `gorm:"type:varchar(191);default:null;uniqueIndex" json:"gateway_id,omitempty"`
	ListingID           uint           `gorm:"not null;index" json:"listing_id" validate:"required"`
	Listing             Listing        `gorm:"foreignKey:ListingID" json:"listing,omitempty"`
	Plan                string         `gorm:"type:varchar(50);not null" json:"plan" validate:"required"`
	Instrument          string         `gorm:"type:varchar(32);not null;index" json:"instrument" validate:"oneof=mtn_momo orange_money express_union card"`
	PayerContact        string         `gorm:"type:varchar(64);not null" json:"payer_contact" validate:"required,max=64"`
	Currency            string         `gorm:"type:varchar(3);not null" json:"currency" validate:"oneof=XAF USD"`
	Amount              int64          `gorm:"not null" json:"amount" validate:"gt=0"`
	Status              PaymentStatus  `gorm:"type:varchar(16);not null;default:'initiated';index" json:"status"`
	FailureReason       string         `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	SideEffectAppliedAt *time.Time     `gorm:"type:timestamp;default:null" json:"side_effect_applied_at,omitempty"`
	LastCheckedAt       *time.Time     `gorm:"type:timestamp;default:null" json:"last_checked_at,omitempty"`
	Events              []PaymentEvent `gorm:"foreignKey:TransactionID" json:"events,omitempty"`
	CreatedAt           time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *PaymentTransaction) Validate() error {
	v := validator.New()

	return v.Struct(t)
}

// IsSettled reports whether the transaction reached a terminal status.
func (t *PaymentTransaction) IsSettled() bool {
	return t.Status.IsTerminal()
}

// NeedsSideEffect reports whether the success side effect still has to run.
func (t *PaymentTransaction) NeedsSideEffect() bool {
	return t.Status == PaymentStatusSuccess && t.SideEffectAppliedAt == nil
}
