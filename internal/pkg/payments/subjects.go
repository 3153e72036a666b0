package payments

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/plans"
)

// Subjects is the payments-side view of listings: grant or extend featured
// placement once a charge settles. Only the reconciler calls the mutating
// operations, and only while holding the side-effect claim.
type Subjects interface {
	Get(listingID uint) (*models.Listing, error)
	ExtendFeatured(listingID uint, plan plans.Plan, duration time.Duration, paymentRef string) (time.Time, error)
	ClearExpiredFeatured(now time.Time) (int64, error)
}

type gormSubjects struct {
	db *gorm.DB
}

// NewSubjects creates a listing accessor backed by GORM.
func NewSubjects(db *gorm.DB) Subjects {
	return &gormSubjects{db: db}
}

func (s *gormSubjects) Get(listingID uint) (*models.Listing, error) {
	var l models.Listing
	if err := s.db.Where("id = ?", listingID).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// ExtendFeatured moves the featured window forward by duration, measured
// from whichever is later: the current expiry or now. A legitimate renewal
// arriving late can therefore never shorten an active window. The
// arithmetic runs inside the UPDATE so concurrent renewals of the same
// listing cannot lose each other's extension.
func (s *gormSubjects) ExtendFeatured(listingID uint, plan plans.Plan, duration time.Duration, paymentRef string) (time.Time, error) {
	seconds := int64(duration / time.Second)
	res := s.db.Model(&models.Listing{}).
		Where("id = ?", listingID).
		Updates(map[string]interface{}{
			"featured_plan":    string(plan),
			"featured_until":   gorm.Expr("DATE_ADD(GREATEST(COALESCE(featured_until, NOW()), NOW()), INTERVAL ? SECOND)", seconds),
			"last_payment_ref": paymentRef,
			"status":           models.ListingStatusActive,
		})
	if res.Error != nil {
		return time.Time{}, res.Error
	}
	if res.RowsAffected == 0 {
		return time.Time{}, fmt.Errorf("listing %d not found", listingID)
	}

	var l models.Listing
	if err := s.db.Select("featured_until").Where("id = ?", listingID).First(&l).Error; err != nil {
		return time.Time{}, err
	}
	if l.FeaturedUntil == nil {
		return time.Time{}, fmt.Errorf("listing %d has no featured window after extension", listingID)
	}
	return *l.FeaturedUntil, nil
}

// ClearExpiredFeatured drops the plan label from listings whose featured
// window has lapsed. Placement itself already ends with the timestamp;
// this is bookkeeping for browse queries.
func (s *gormSubjects) ClearExpiredFeatured(now time.Time) (int64, error) {
	res := s.db.Model(&models.Listing{}).
		Where("featured_until IS NOT NULL AND featured_until < ?", now).
		Updates(map[string]interface{}{
			"featured_plan":  nil,
			"featured_until": nil,
		})
	return res.RowsAffected, res.Error
}
