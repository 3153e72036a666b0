package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/plans"
)

// Reconciler applies the one side effect a successful payment buys:
// extending the listing's featured window. The claim on the transaction
// row makes that happen at most once, no matter how many writers observe
// the same success (webhook, poll, sweep and manual recovery all funnel
// through here).
type Reconciler struct {
	store    Store
	subjects Subjects
	notifier Notifier
}

func NewReconciler(store Store, subjects Subjects, notifier Notifier) *Reconciler {
	return &Reconciler{store: store, subjects: subjects, notifier: notifier}
}

// Apply runs the side effect for a successful transaction. It returns true
// only for the caller that actually extended the listing; losing the claim
// to a concurrent writer is a normal no-op.
func (r *Reconciler) Apply(ctx context.Context, transactionID uint) (bool, error) {
	_ = ctx
	tx, err := r.store.ByID(transactionID)
	if err != nil {
		return false, err
	}
	if tx.Status != models.PaymentStatusSuccess {
		return false, fmt.Errorf("transaction %s is %s, side effect requires success", tx.ExternalReference, tx.Status)
	}

	claimed, err := r.store.ClaimSideEffect(tx.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		// Another writer holds or already used the claim.
		log.Debugf("[Reconciler] side-effect claim for %s already taken", tx.ExternalReference)
		return false, nil
	}

	plan, ok := plans.NormalizePlan(tx.Plan)
	if !ok {
		r.releaseClaim(tx)
		return false, fmt.Errorf("transaction %s carries unknown plan %q", tx.ExternalReference, tx.Plan)
	}

	newUntil, err := r.subjects.ExtendFeatured(tx.ListingID, plan, plans.Duration(plan), tx.ExternalReference)
	if err != nil {
		// Hand the claim back so a sweep or retry can run the extension.
		r.releaseClaim(tx)
		return false, err
	}

	log.Infof("[Reconciler] listing %d featured until %s (plan %s, payment %s)",
		tx.ListingID, newUntil.Format(time.RFC3339), plan, tx.ExternalReference)
	if r.notifier != nil {
		r.notifier.PaymentSettled(tx)
	}
	return true, nil
}

func (r *Reconciler) releaseClaim(tx *models.PaymentTransaction) {
	if err := r.store.ReleaseSideEffect(tx.ID); err != nil {
		log.Errorf("[Reconciler] releasing side-effect claim for %s failed: %v", tx.ExternalReference, err)
	}
}
