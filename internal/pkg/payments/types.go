package payments

import (
	"errors"
	"fmt"

	"github.com/listahub/ListaPay/app/models"
)

// InitializeInput is the caller-facing shape for starting a charge.
// Reference is optional; a fresh one is generated when empty. Amount is
// never part of the input, it is derived from the plan/currency table.
type InitializeInput struct {
	Reference    string
	PlanID       string
	Instrument   string
	PayerContact string
	Currency     string
	ListingID    uint
}

// InitializeResult reports the transaction the caller should track.
// Reused is true when the reference matched an existing transaction and
// no new charge was submitted.
type InitializeResult struct {
	Transaction *models.PaymentTransaction
	Reused      bool
}

// StatusResult is the caller-facing view of one transaction. Stale is true
// when the gateway could not be reached and the stored status was returned
// as-is.
type StatusResult struct {
	Transaction *models.PaymentTransaction
	Listing     *models.Listing
	Stale       bool
}

// ProcessResult describes what one webhook/poll signal did to a
// transaction.
type ProcessResult struct {
	TransactionID uint
	Reference     string
	Status        models.PaymentStatus
	Transition    TransitionResult
	SideEffectRan bool
	Duplicate     bool
	SignatureOK   bool
}

// TransitionResult is the outcome of one conditional status transition.
type TransitionResult string

const (
	// TransitionApplied: this caller moved the stored status.
	TransitionApplied TransitionResult = "applied"
	// TransitionAlreadySettled: the stored status is terminal; the signal
	// was absorbed as a no-op.
	TransitionAlreadySettled TransitionResult = "already_settled"
	// TransitionStale: the stored status is outside the allowed sources
	// (e.g. a late pending signal after settlement); no-op.
	TransitionStale TransitionResult = "stale"
)

// ErrNotFound is returned when no transaction matches the given key.
var ErrNotFound = errors.New("payment transaction not found")

// ValidationError rejects malformed caller input; surfaced as a 4xx and
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Notifier is the outbound seam for settlement notifications (mail, chat,
// push). The payments core only reports; delivery lives elsewhere.
type Notifier interface {
	PaymentSettled(tx *models.PaymentTransaction)
}
