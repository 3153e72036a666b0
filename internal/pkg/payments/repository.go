package payments

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/listahub/ListaPay/app/models"
)

// Store provides the durable transaction operations used by the payments
// service. Status and the side-effect claim move only through the
// conditional operations here; nothing else writes those columns.
type Store interface {
	CreateOrGetByReference(tx *models.PaymentTransaction) (bool, *models.PaymentTransaction, error)
	ByID(id uint) (*models.PaymentTransaction, error)
	ByReference(reference string) (*models.PaymentTransaction, error)
	ByGatewayID(gatewayID string) (*models.PaymentTransaction, error)
	RecordGatewayID(id uint, gatewayID string) error
	ConditionallyTransition(id uint, fromAllowed []models.PaymentStatus, to models.PaymentStatus, reason string) (TransitionResult, error)
	ClaimSideEffect(id uint) (bool, error)
	ReleaseSideEffect(id uint) error
	AppendEvent(event *models.PaymentEvent) (bool, *models.PaymentEvent, error)
	MarkEventProcessed(id uint, processingError string) error
	ListEvents(transactionID uint) ([]models.PaymentEvent, error)
	ListUnresolved(staleBefore time.Time, limit int) ([]models.PaymentTransaction, error)
	ListUnappliedSuccess(limit int) ([]models.PaymentTransaction, error)
	ListRecent(status models.PaymentStatus, limit int) ([]models.PaymentTransaction, error)
	TouchLastChecked(id uint) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a transaction store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// CreateOrGetByReference inserts the transaction unless its external
// reference already exists, in which case the stored row is returned
// untouched. The unique index makes re-initiation safe across processes.
func (s *gormStore) CreateOrGetByReference(tx *models.PaymentTransaction) (bool, *models.PaymentTransaction, error) {
	res := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "external_reference"},
		},
		DoNothing: true,
	}).Create(tx)
	if res.Error != nil {
		return false, nil, res.Error
	}

	created := res.RowsAffected > 0
	var stored models.PaymentTransaction
	if err := s.db.Where("external_reference = ?", tx.ExternalReference).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (s *gormStore) ByID(id uint) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.db.Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *gormStore) ByReference(reference string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.db.Where("external_reference = ?", reference).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *gormStore) ByGatewayID(gatewayID string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.db.Where("gateway_id = ?", gatewayID).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// RecordGatewayID stores the counterparty id once. Re-recording the same
// id is a no-op; a different id for the same transaction is an error.
func (s *gormStore) RecordGatewayID(id uint, gatewayID string) error {
	res := s.db.Model(&models.PaymentTransaction{}).
		Where("id = ? AND gateway_id IS NULL", id).
		Update("gateway_id", gatewayID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var current models.PaymentTransaction
	if err := s.db.Select("gateway_id").Where("id = ?", id).First(&current).Error; err != nil {
		return err
	}
	if current.GatewayID != nil && *current.GatewayID == gatewayID {
		return nil
	}
	return fmt.Errorf("transaction %d already carries a different gateway id", id)
}

// ConditionallyTransition is the single compare-and-swap that serializes
// concurrent writers. The UPDATE only matches while the stored status is
// in fromAllowed; a zero row count is classified by re-reading the row.
func (s *gormStore) ConditionallyTransition(id uint, fromAllowed []models.PaymentStatus, to models.PaymentStatus, reason string) (TransitionResult, error) {
	if len(fromAllowed) == 0 {
		return TransitionStale, nil
	}
	sources := make([]string, 0, len(fromAllowed))
	for _, st := range fromAllowed {
		sources = append(sources, string(st))
	}

	updates := map[string]interface{}{
		"status": string(to),
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}

	res := s.db.Model(&models.PaymentTransaction{}).
		Where("id = ? AND status IN ?", id, sources).
		Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected > 0 {
		return TransitionApplied, nil
	}

	var current models.PaymentTransaction
	if err := s.db.Select("status").Where("id = ?", id).First(&current).Error; err != nil {
		return "", err
	}
	if current.Status.IsTerminal() {
		return TransitionAlreadySettled, nil
	}
	return TransitionStale, nil
}

// ClaimSideEffect atomically takes the one-shot side-effect claim. Only
// the caller that flips side_effect_applied_at from NULL wins; everyone
// else observes false and must not touch the subject.
func (s *gormStore) ClaimSideEffect(id uint) (bool, error) {
	res := s.db.Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ? AND side_effect_applied_at IS NULL", id, string(models.PaymentStatusSuccess)).
		Update("side_effect_applied_at", time.Now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseSideEffect undoes a claim after the subject update failed, so a
// sweep or retry can run the side effect again.
func (s *gormStore) ReleaseSideEffect(id uint) error {
	return s.db.Model(&models.PaymentTransaction{}).
		Where("id = ?", id).
		Update("side_effect_applied_at", nil).Error
}

// AppendEvent persists a raw gateway signal idempotently, keyed on
// (source, gateway_event_id).
func (s *gormStore) AppendEvent(event *models.PaymentEvent) (bool, *models.PaymentEvent, error) {
	res := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source"},
			{Name: "gateway_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, nil, res.Error
	}

	created := res.RowsAffected > 0
	var stored models.PaymentEvent
	if err := s.db.Where("source = ? AND gateway_event_id = ?", event.Source, event.GatewayEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (s *gormStore) MarkEventProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return s.db.Model(&models.PaymentEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (s *gormStore) ListEvents(transactionID uint) ([]models.PaymentEvent, error) {
	var events []models.PaymentEvent
	err := s.db.Where("transaction_id = ?", transactionID).Order("id ASC").Find(&events).Error
	return events, err
}

// ListUnresolved returns pollable unsettled transactions: they carry a
// gateway id and have not been checked since staleBefore.
func (s *gormStore) ListUnresolved(staleBefore time.Time, limit int) ([]models.PaymentTransaction, error) {
	var txs []models.PaymentTransaction
	err := s.db.
		Where("status IN ? AND gateway_id IS NOT NULL AND created_at < ? AND (last_checked_at IS NULL OR last_checked_at < ?)",
			[]string{string(models.PaymentStatusInitiated), string(models.PaymentStatusPending)},
			staleBefore, staleBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// ListUnappliedSuccess returns settled-successful transactions whose side
// effect never ran, e.g. because a process died between the transition and
// the reconciler.
func (s *gormStore) ListUnappliedSuccess(limit int) ([]models.PaymentTransaction, error) {
	var txs []models.PaymentTransaction
	err := s.db.
		Where("status = ? AND side_effect_applied_at IS NULL", string(models.PaymentStatusSuccess)).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (s *gormStore) ListRecent(status models.PaymentStatus, limit int) ([]models.PaymentTransaction, error) {
	q := s.db.Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var txs []models.PaymentTransaction
	err := q.Find(&txs).Error
	return txs, err
}

func (s *gormStore) TouchLastChecked(id uint) error {
	return s.db.Model(&models.PaymentTransaction{}).
		Where("id = ?", id).
		Update("last_checked_at", time.Now()).Error
}
