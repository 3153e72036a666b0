package payments

import (
	"strconv"
	"strings"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/gateway"
)

// Normalize maps one gateway signal onto the canonical status. First match
// wins, in order: numeric code, exact status token, free-text keyword.
// Anything unrecognized lands on Pending, never on success, so that a
// later, clearer webhook or poll settles it. The second return is false
// when the fallback fired; callers log those for manual review.
func Normalize(sig gateway.StatusSignal) (models.PaymentStatus, bool) {
	if status, ok := fromCode(sig.Code); ok {
		return status, true
	}
	// Mobile-money responses carry the numeric code in the status field.
	if status, ok := fromCode(sig.Status); ok {
		return status, true
	}
	if status, ok := fromToken(sig.Status); ok {
		return status, true
	}
	if status, ok := fromKeywords(sig.Description); ok {
		return status, true
	}
	return models.PaymentStatusPending, false
}

func fromCode(code string) (models.PaymentStatus, bool) {
	c := strings.TrimSpace(code)
	if c == "" {
		return "", false
	}
	n, err := strconv.Atoi(c)
	if err != nil {
		return "", false
	}
	switch {
	case n == 200:
		return models.PaymentStatusSuccess, true
	case n == 201 || n == 202:
		return models.PaymentStatusPending, true
	case n >= 400:
		return models.PaymentStatusFailed, true
	}
	return "", false
}

func fromToken(status string) (models.PaymentStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "SUCCESSFUL", "APPROVED", "ACCEPTED":
		return models.PaymentStatusSuccess, true
	case "PENDING":
		return models.PaymentStatusPending, true
	case "DECLINED", "FAILED":
		return models.PaymentStatusFailed, true
	case "CANCELED", "CANCELLED":
		return models.PaymentStatusCanceled, true
	}
	return "", false
}

func fromKeywords(description string) (models.PaymentStatus, bool) {
	d := strings.ToUpper(strings.TrimSpace(description))
	if d == "" {
		return "", false
	}
	switch {
	case strings.Contains(d, "ACCEPT"),
		strings.Contains(d, "SUCCESS") && !strings.Contains(d, "UNSUCCESS"):
		return models.PaymentStatusSuccess, true
	case strings.Contains(d, "PENDING"), strings.Contains(d, "WAIT"):
		return models.PaymentStatusPending, true
	case strings.Contains(d, "FAIL"),
		strings.Contains(d, "DECLIN"),
		strings.Contains(d, "REJECT"),
		strings.Contains(d, "UNSUCCESS"):
		return models.PaymentStatusFailed, true
	case strings.Contains(d, "CANCEL"):
		return models.PaymentStatusCanceled, true
	}
	return "", false
}

// transitionSources returns the set of states a transition to the given
// status may start from. Terminal states never appear as sources, which is
// what makes settled transactions immune to late or reordered signals.
func transitionSources(to models.PaymentStatus) []models.PaymentStatus {
	switch to {
	case models.PaymentStatusPending:
		return []models.PaymentStatus{models.PaymentStatusInitiated, models.PaymentStatusPending}
	case models.PaymentStatusSuccess, models.PaymentStatusFailed, models.PaymentStatusCanceled:
		return []models.PaymentStatus{models.PaymentStatusInitiated, models.PaymentStatusPending}
	default:
		return nil
	}
}
