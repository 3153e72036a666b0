package models

import "time"

const (
	PaymentEventSourceWebhook  = "webhook"
	PaymentEventSourcePoll     = "poll"
	PaymentEventSourceInit     = "init"
	PaymentEventSourceRecovery = "recovery"
)

// PaymentEvent stores every raw gateway signal observed for a transaction,
// with deduplication metadata for idempotent processing. Rows are append
// only; ProcessedAt marks completion of the asynchronous phase.
type PaymentEvent struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	TransactionID   uint          `gorm:"not null;index" json:"transaction_id"`
	Source          string        `gorm:"type:varchar(16);not null;index:ux_payment_events_source_event,unique,priority:1" json:"source"`
	GatewayEventID  string        `gorm:"type:varchar(191);not null;index:ux_payment_events_source_event,unique,priority:2" json:"gateway_event_id"`
	RawStatus       string        `gorm:"type:varchar(100);not null" json:"raw_status"`
	MappedStatus    PaymentStatus `gorm:"type:varchar(16);not null" json:"mapped_status"`
	PayloadJSON     string        `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool          `gorm:"default:false;index" json:"signature_valid"`
	ProcessedAt     *time.Time    `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string        `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed reports whether the asynchronous phase has run for this event.
func (e *PaymentEvent) IsProcessed() bool {
	return e.ProcessedAt != nil
}
