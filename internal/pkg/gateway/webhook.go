package gateway

import "errors"

// WebhookNotice is one parsed gateway notification. Payload shapes vary by
// instrument and API revision; the loose field extraction tolerates all of
// them. At least one of GatewayID/Reference must be present so the
// transaction can be located.
type WebhookNotice struct {
	EventID   string
	GatewayID string
	Reference string
	Signal    StatusSignal
}

func ParseWebhook(payload []byte) (*WebhookNotice, error) {
	m, err := decodeLoose(payload)
	if err != nil {
		return nil, err
	}

	notice := &WebhookNotice{
		EventID:   looseString(m, "event_id", "eventId", "notification_id"),
		GatewayID: looseString(m, "transaction_id", "transactionId", "payment_id", "id"),
		Reference: looseString(m, "payment_ref", "reference", "external_reference", "externalReference"),
		Signal:    signalFrom(m),
	}
	if notice.GatewayID == "" && notice.Reference == "" {
		return nil, errors.New("webhook payload carries neither transaction id nor payment reference")
	}
	return notice, nil
}
