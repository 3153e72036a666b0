package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/gateway"
	"github.com/listahub/ListaPay/internal/pkg/plans"
)

// Gateway is the service's view of the aggregator client.
type Gateway interface {
	Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error)
	QueryStatus(ctx context.Context, instrument, gatewayID string) (*gateway.QueryResponse, error)
	HealthCheck(ctx context.Context) error
}

// Service wires the transaction store, the gateway client and the
// reconciler into one pipeline shared by initiation, webhooks, polling
// and manual recovery. All state changes go through the store's guarded
// updates, so any entry point can race any other.
type Service struct {
	store      Store
	subjects   Subjects
	gateway    Gateway
	reconciler *Reconciler
}

func NewService(store Store, subjects Subjects, gw Gateway, notifier Notifier) *Service {
	return &Service{
		store:      store,
		subjects:   subjects,
		gateway:    gw,
		reconciler: NewReconciler(store, subjects, notifier),
	}
}

// NewServiceFromDB wires the service over GORM-backed stores, the gateway
// client and the notifier configured from the environment.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewStore(db), NewSubjects(db), gateway.NewClientFromEnv(), NewMailNotifierFromEnv())
}

var referencePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// Initialize validates the request, creates (or re-finds) the transaction
// under the caller's reference and asks the gateway to start collection.
// Re-sending a reference never charges twice; the stored transaction is
// returned instead.
func (s *Service) Initialize(ctx context.Context, in InitializeInput) (*InitializeResult, error) {
	plan, ok := plans.NormalizePlan(in.PlanID)
	if !ok {
		return nil, &ValidationError{Field: "plan_id", Reason: fmt.Sprintf("unknown plan %q", in.PlanID)}
	}
	if strings.TrimSpace(in.Currency) == "" {
		in.Currency = string(plans.CurrencyXAF)
	}
	currency, ok := plans.NormalizeCurrency(in.Currency)
	if !ok {
		return nil, &ValidationError{Field: "currency", Reason: fmt.Sprintf("unsupported currency %q", in.Currency)}
	}

	instrument := strings.ToLower(strings.TrimSpace(in.Instrument))
	payer := strings.TrimSpace(in.PayerContact)
	switch instrument {
	case models.InstrumentMTNMoMo, models.InstrumentOrangeMoney, models.InstrumentExpressUnion:
		if currency != plans.CurrencyXAF {
			return nil, &ValidationError{Field: "currency", Reason: "mobile money collections settle in XAF only"}
		}
		msisdn, err := gateway.CanonicalizeMSISDN(payer)
		if err != nil {
			return nil, &ValidationError{Field: "payer_contact", Reason: err.Error()}
		}
		payer = msisdn
	case models.InstrumentCard:
		if payer == "" {
			return nil, &ValidationError{Field: "payer_contact", Reason: "payer contact is required"}
		}
	default:
		return nil, &ValidationError{Field: "instrument", Reason: fmt.Sprintf("unsupported instrument %q", in.Instrument)}
	}

	amount, ok := plans.Price(plan, currency)
	if !ok {
		return nil, &ValidationError{Field: "currency", Reason: fmt.Sprintf("plan %s is not offered in %s", plan, currency)}
	}

	if in.ListingID == 0 {
		return nil, &ValidationError{Field: "listing_id", Reason: "listing id is required"}
	}
	if _, err := s.subjects.Get(in.ListingID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ValidationError{Field: "listing_id", Reason: fmt.Sprintf("listing %d does not exist", in.ListingID)}
		}
		return nil, err
	}

	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		reference = "lp-" + uuid.New().String()
	} else if !referencePattern.MatchString(reference) {
		return nil, &ValidationError{Field: "reference", Reason: "reference must be 8-64 characters from A-Za-z0-9._-"}
	}

	tx := &models.PaymentTransaction{
		ExternalReference: reference,
		ListingID:         in.ListingID,
		Plan:              string(plan),
		Instrument:        instrument,
		PayerContact:      payer,
		Currency:          string(currency),
		Amount:            amount,
		Status:            models.PaymentStatusInitiated,
	}
	if err := tx.Validate(); err != nil {
		return nil, &ValidationError{Field: "transaction", Reason: err.Error()}
	}

	created, stored, err := s.store.CreateOrGetByReference(tx)
	if err != nil {
		return nil, err
	}
	if !created {
		// Same reference, same transaction. The first attempt owns the
		// charge; hand its state back without touching the gateway.
		log.Infof("[Payments] re-initiation for %s returned existing transaction (status %s)",
			stored.ExternalReference, stored.Status)
		return &InitializeResult{Transaction: stored, Reused: true}, nil
	}

	resp, err := s.gateway.Initiate(ctx, gateway.InitiateRequest{
		Reference:    stored.ExternalReference,
		Amount:       stored.Amount,
		Currency:     currency,
		Instrument:   stored.Instrument,
		PayerContact: stored.PayerContact,
	})
	if err != nil {
		return s.settleInitiateFailure(stored, err)
	}

	if err := s.store.RecordGatewayID(stored.ID, resp.GatewayID); err != nil {
		return nil, err
	}
	event, _, err := s.recordSignal(stored.ID, models.PaymentEventSourceInit, "init:"+stored.ExternalReference, resp.Raw, resp.Signal, true)
	if err != nil {
		log.Errorf("[Payments] recording initiate response for %s failed: %v", stored.ExternalReference, err)
	}
	_, perr := s.applySignal(ctx, stored, resp.Signal, "")
	if event != nil {
		if merr := s.store.MarkEventProcessed(event.ID, errMsg(perr)); merr != nil {
			log.Errorf("[Payments] marking event %d processed failed: %v", event.ID, merr)
		}
	}
	if perr != nil {
		return nil, perr
	}

	fresh, err := s.store.ByID(stored.ID)
	if err != nil {
		return nil, err
	}
	log.Infof("[Payments] initiated %s: listing=%d plan=%s instrument=%s amount=%d %s status=%s",
		fresh.ExternalReference, fresh.ListingID, fresh.Plan, fresh.Instrument, fresh.Amount, fresh.Currency, fresh.Status)
	return &InitializeResult{Transaction: fresh, Reused: false}, nil
}

// settleInitiateFailure decides what a failed initiate call means for the
// transaction. A rejection is definitive: the gateway saw the request and
// said no. Anything else (timeout, connection trouble, unreadable answer)
// is ambiguous, the charge may exist on the other side, so the transaction
// is parked as pending for the webhook or the monitor to settle.
func (s *Service) settleInitiateFailure(tx *models.PaymentTransaction, cause error) (*InitializeResult, error) {
	var rejected *gateway.RejectedError
	if errors.As(cause, &rejected) {
		reason := truncate(fmt.Sprintf("gateway rejected initiation: %s", rejected.Body), 255)
		if _, err := s.store.ConditionallyTransition(tx.ID, transitionSources(models.PaymentStatusFailed), models.PaymentStatusFailed, reason); err != nil {
			return nil, err
		}
		log.Warnf("[Payments] initiation for %s rejected by gateway: %v", tx.ExternalReference, cause)
		return nil, cause
	}

	if _, err := s.store.ConditionallyTransition(tx.ID, transitionSources(models.PaymentStatusPending), models.PaymentStatusPending, ""); err != nil {
		return nil, err
	}
	log.Warnf("[Payments] initiation for %s got no usable gateway answer, parked as pending: %v", tx.ExternalReference, cause)
	fresh, err := s.store.ByID(tx.ID)
	if err != nil {
		return nil, err
	}
	return &InitializeResult{Transaction: fresh}, nil
}

// Status reports the canonical state of a transaction. Unsettled
// transactions trigger a live gateway poll first; if the gateway cannot
// answer, the stored status is served as-is and marked stale rather than
// failing the request.
func (s *Service) Status(ctx context.Context, reference string) (*StatusResult, error) {
	tx, err := s.store.ByReference(strings.TrimSpace(reference))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	stale := false
	if !tx.Status.IsTerminal() && tx.GatewayID != nil {
		if rerr := s.refresh(ctx, tx); rerr != nil {
			log.Warnf("[Payments] status refresh for %s failed, serving stored status: %v", tx.ExternalReference, rerr)
			stale = true
		}
		if fresh, ferr := s.store.ByID(tx.ID); ferr == nil {
			tx = fresh
		}
	}

	listing, err := s.subjects.Get(tx.ListingID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		listing = nil
	}
	return &StatusResult{Transaction: tx, Listing: listing, Stale: stale}, nil
}

// HandleWebhook runs the durable half of webhook processing. The HTTP
// handler acknowledges the gateway no matter what happens here; errors
// are for logs and the monitor, not for the gateway.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureValid bool) (*ProcessResult, error) {
	notice, err := gateway.ParseWebhook(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}

	tx, err := s.locate(notice.GatewayID, notice.Reference)
	if err != nil {
		return nil, err
	}

	eventID := notice.EventID
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event, created, err := s.recordSignal(tx.ID, models.PaymentEventSourceWebhook, eventID, string(payload), notice.Signal, signatureValid)
	if err != nil {
		return nil, err
	}
	if !created && event.IsProcessed() {
		// Straight redelivery of a notification we already handled.
		log.Infof("[Payments] duplicate webhook %s for %s ignored", eventID, tx.ExternalReference)
		return &ProcessResult{
			TransactionID: tx.ID,
			Reference:     tx.ExternalReference,
			Status:        tx.Status,
			Duplicate:     true,
			SignatureOK:   signatureValid,
		}, nil
	}

	if !signatureValid {
		// Recorded for audit, but an unverifiable signal must not move
		// payment state.
		log.Warnf("[Payments] webhook for %s failed signature verification, stored but not processed", tx.ExternalReference)
		return &ProcessResult{
			TransactionID: tx.ID,
			Reference:     tx.ExternalReference,
			Status:        tx.Status,
			SignatureOK:   false,
		}, nil
	}

	out, perr := s.applySignal(ctx, tx, notice.Signal, "")
	if merr := s.store.MarkEventProcessed(event.ID, errMsg(perr)); merr != nil {
		log.Errorf("[Payments] marking webhook event %d processed failed: %v", event.ID, merr)
	}
	return out, perr
}

// Recover is the operational override for stuck transactions: force
// success and re-run the reconciler. Safe to repeat, the side-effect
// claim absorbs the second run.
func (s *Service) Recover(ctx context.Context, reference string) (*ProcessResult, error) {
	tx, err := s.store.ByReference(strings.TrimSpace(reference))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	from := []models.PaymentStatus{
		models.PaymentStatusInitiated,
		models.PaymentStatusPending,
		models.PaymentStatusFailed,
		models.PaymentStatusCanceled,
	}
	res, err := s.store.ConditionallyTransition(tx.ID, from, models.PaymentStatusSuccess, "manual recovery")
	if err != nil {
		return nil, err
	}
	if res == TransitionApplied {
		log.Warnf("[Payments] transaction %s forced to success by operator (was %s)", tx.ExternalReference, tx.Status)
	}

	payload := fmt.Sprintf(`{"forced_by":"operator","previous_status":%q}`, tx.Status)
	if _, _, rerr := s.recordSignal(tx.ID, models.PaymentEventSourceRecovery, "recovery:"+uuid.New().String(), payload, gateway.StatusSignal{Status: "SUCCESS"}, true); rerr != nil {
		log.Errorf("[Payments] recording recovery event for %s failed: %v", tx.ExternalReference, rerr)
	}

	out := &ProcessResult{
		TransactionID: tx.ID,
		Reference:     tx.ExternalReference,
		Status:        models.PaymentStatusSuccess,
		Transition:    res,
		Duplicate:     res == TransitionAlreadySettled,
		SignatureOK:   true,
	}
	ran, rerr := s.reconciler.Apply(ctx, tx.ID)
	out.SideEffectRan = ran
	if rerr != nil {
		return out, rerr
	}
	return out, nil
}

// Inspect returns a transaction with its full observation log, newest
// last, for the admin surface.
func (s *Service) Inspect(reference string) (*models.PaymentTransaction, []models.PaymentEvent, error) {
	tx, err := s.store.ByReference(strings.TrimSpace(reference))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	events, err := s.store.ListEvents(tx.ID)
	if err != nil {
		return nil, nil, err
	}
	return tx, events, nil
}

// ListTransactions returns recent transactions, optionally filtered by
// status.
func (s *Service) ListTransactions(status string, limit int) ([]models.PaymentTransaction, error) {
	var parsed models.PaymentStatus
	if strings.TrimSpace(status) != "" {
		st, ok := models.ParsePaymentStatus(status)
		if !ok {
			return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
		}
		parsed = st
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListRecent(parsed, limit)
}

// SweepUnresolved polls the gateway for unsettled transactions that have
// not been checked recently. Used by the background monitor.
func (s *Service) SweepUnresolved(ctx context.Context, staleBefore time.Time, limit int) (int, error) {
	txs, err := s.store.ListUnresolved(staleBefore, limit)
	if err != nil {
		return 0, err
	}
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if rerr := s.refresh(ctx, &txs[i]); rerr != nil {
			log.Warnf("[Payments] sweep refresh for %s failed: %v", txs[i].ExternalReference, rerr)
		}
	}
	return len(txs), nil
}

// SweepUnappliedSideEffects re-runs the reconciler for successful
// transactions whose side effect never landed (crash between settle and
// extend, or a failed listing update).
func (s *Service) SweepUnappliedSideEffects(ctx context.Context, limit int) (int, error) {
	txs, err := s.store.ListUnappliedSuccess(limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for i := range txs {
		ran, rerr := s.reconciler.Apply(ctx, txs[i].ID)
		if rerr != nil {
			log.Errorf("[Payments] recovering side effect for %s failed: %v", txs[i].ExternalReference, rerr)
			continue
		}
		if ran {
			applied++
		}
	}
	return applied, nil
}

// ClearExpiredFeatured drops lapsed featured plans from listings.
func (s *Service) ClearExpiredFeatured(now time.Time) (int64, error) {
	return s.subjects.ClearExpiredFeatured(now)
}

// GatewayHealth reports whether the aggregator answers its ping route.
func (s *Service) GatewayHealth(ctx context.Context) error {
	return s.gateway.HealthCheck(ctx)
}

// refresh polls the gateway once for the transaction and feeds the answer
// through the shared pipeline. last_checked_at moves on every attempt so
// a dead gateway does not pin the sweep to the same rows.
func (s *Service) refresh(ctx context.Context, tx *models.PaymentTransaction) error {
	if tx.GatewayID == nil {
		return fmt.Errorf("transaction %s has no gateway id to poll", tx.ExternalReference)
	}
	resp, err := s.gateway.QueryStatus(ctx, tx.Instrument, *tx.GatewayID)
	if terr := s.store.TouchLastChecked(tx.ID); terr != nil {
		log.Errorf("[Payments] touching last_checked_at for %s failed: %v", tx.ExternalReference, terr)
	}
	if err != nil {
		return err
	}

	event, _, rerr := s.recordSignal(tx.ID, models.PaymentEventSourcePoll, "poll:"+uuid.New().String(), resp.Raw, resp.Signal, true)
	if rerr != nil {
		log.Errorf("[Payments] recording poll result for %s failed: %v", tx.ExternalReference, rerr)
	}
	_, perr := s.applySignal(ctx, tx, resp.Signal, "")
	if event != nil {
		if merr := s.store.MarkEventProcessed(event.ID, errMsg(perr)); merr != nil {
			log.Errorf("[Payments] marking poll event %d processed failed: %v", event.ID, merr)
		}
	}
	return perr
}

// recordSignal appends one observation to the transaction's event log.
// The (source, event id) pair dedups gateway redeliveries.
func (s *Service) recordSignal(txID uint, source, eventID, raw string, sig gateway.StatusSignal, signatureValid bool) (*models.PaymentEvent, bool, error) {
	mapped, _ := Normalize(sig)
	event := &models.PaymentEvent{
		TransactionID:  txID,
		Source:         source,
		GatewayEventID: eventID,
		RawStatus:      truncate(firstNonEmpty(sig.Code, sig.Status, sig.Description), 100),
		MappedStatus:   mapped,
		PayloadJSON:    raw,
		SignatureValid: signatureValid,
	}
	created, stored, err := s.store.AppendEvent(event)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// applySignal normalizes one gateway signal and moves the transaction
// through the guarded transition. Whenever the stored status ends up
// success, the reconciler gets a chance to run; its claim keeps repeats
// harmless.
func (s *Service) applySignal(ctx context.Context, tx *models.PaymentTransaction, sig gateway.StatusSignal, reason string) (*ProcessResult, error) {
	status, recognized := Normalize(sig)
	if !recognized {
		log.Warnf("[Payments] unrecognized gateway status for %s (code=%q status=%q description=%q), treating as pending",
			tx.ExternalReference, sig.Code, sig.Status, sig.Description)
	}
	if reason == "" && (status == models.PaymentStatusFailed || status == models.PaymentStatusCanceled) {
		reason = truncate(firstNonEmpty(sig.Description, sig.Status, sig.Code), 255)
	}

	res, err := s.store.ConditionallyTransition(tx.ID, transitionSources(status), status, reason)
	if err != nil {
		return nil, err
	}
	if res == TransitionApplied {
		log.Infof("[Payments] transaction %s moved to %s", tx.ExternalReference, status)
	}

	out := &ProcessResult{
		TransactionID: tx.ID,
		Reference:     tx.ExternalReference,
		Status:        status,
		Transition:    res,
		Duplicate:     res == TransitionAlreadySettled,
		SignatureOK:   true,
	}

	fresh, err := s.store.ByID(tx.ID)
	if err != nil {
		return out, err
	}
	out.Status = fresh.Status
	if fresh.Status == models.PaymentStatusSuccess {
		ran, rerr := s.reconciler.Apply(ctx, tx.ID)
		out.SideEffectRan = ran
		if rerr != nil {
			return out, rerr
		}
	}
	return out, nil
}

func (s *Service) locate(gatewayID, reference string) (*models.PaymentTransaction, error) {
	if gatewayID != "" {
		tx, err := s.store.ByGatewayID(gatewayID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if reference != "" {
		tx, err := s.store.ByReference(reference)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return truncate(err.Error(), 255)
}
