package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ListingStatusDraft    = "draft"
	ListingStatusActive   = "active"
	ListingStatusArchived = "archived"
)

// Listing is a marketplace ad. Paid plans extend FeaturedUntil, which is
// only ever moved forward by the payment reconciler.
type Listing struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Title          string         `gorm:"type:varchar(255);not null" json:"title" validate:"required,min=3,max=255"`
	Description    string         `gorm:"type:text" json:"description"`
	SellerContact  string         `gorm:"type:varchar(64)" json:"seller_contact"`
	Status         string         `gorm:"type:varchar(16);not null;default:'active';index" json:"status" validate:"oneof=draft active archived"`
	FeaturedPlan   string         `gorm:"type:varchar(50);default:null" json:"featured_plan,omitempty"`
	FeaturedUntil  *time.Time     `gorm:"type:timestamp;default:null;index" json:"featured_until,omitempty"`
	LastPaymentRef string         `gorm:"type:varchar(64);default:null" json:"last_payment_ref,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (l *Listing) Validate() error {
	v := validator.New()

	return v.Struct(l)
}

// IsFeatured reports whether the listing currently holds featured placement.
func (l *Listing) IsFeatured(now time.Time) bool {
	return l.FeaturedUntil != nil && l.FeaturedUntil.After(now)
}
