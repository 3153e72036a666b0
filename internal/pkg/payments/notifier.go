package payments

import (
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/env"
	"github.com/listahub/ListaPay/internal/pkg/mail"
)

// MailNotifier emails the operations inbox when a payment settles.
// Delivery happens off the request path; a lost mail is only a lost
// heads-up, the transaction log stays authoritative.
type MailNotifier struct {
	To string
}

// NewMailNotifierFromEnv returns a notifier for PAYMENT_ALERT_EMAIL, or
// nil when no inbox is configured.
func NewMailNotifierFromEnv() Notifier {
	to := env.GetEnv("PAYMENT_ALERT_EMAIL", "")
	if to == "" {
		return nil
	}
	return &MailNotifier{To: to}
}

func (n *MailNotifier) PaymentSettled(tx *models.PaymentTransaction) {
	reference := tx.ExternalReference
	subject := fmt.Sprintf("Payment settled: %s", reference)
	body := fmt.Sprintf(
		"<p>Payment <strong>%s</strong> settled.</p>"+
			"<ul><li>Listing: %d</li><li>Plan: %s</li><li>Amount: %d %s</li><li>Instrument: %s</li></ul>",
		reference, tx.ListingID, tx.Plan, tx.Amount, tx.Currency, tx.Instrument,
	)
	go func() {
		if err := mail.SendMail(n.To, subject, body); err != nil {
			log.Errorf("[Payments] settlement mail for %s failed: %v", reference, err)
		}
	}()
}
