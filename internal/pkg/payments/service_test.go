package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/gateway"
	"github.com/listahub/ListaPay/internal/pkg/plans"
)

func TestInitializeCreatesPendingTransaction(t *testing.T) {
	h := newHarness()
	res, err := h.service.Initialize(context.Background(), InitializeInput{
		Reference:    "order-2024-0001",
		PlanID:       "featured_3m",
		Instrument:   models.InstrumentMTNMoMo,
		PayerContact: "+237 677 11 22 33",
		Currency:     "xaf",
		ListingID:    1,
	})
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if res.Reused {
		t.Fatal("first initialization must not report reuse")
	}

	tx := res.Transaction
	if tx.Status != models.PaymentStatusPending {
		t.Fatalf("status after accepted initiation = %s, want pending", tx.Status)
	}
	if tx.GatewayID == nil || *tx.GatewayID != "gw-0001" {
		t.Fatalf("gateway id not recorded: %v", tx.GatewayID)
	}
	if tx.PayerContact != "237677112233" {
		t.Fatalf("payer contact not canonicalized: %q", tx.PayerContact)
	}
	if tx.Amount != 12000 || tx.Currency != "XAF" {
		t.Fatalf("plan pricing not applied: %d %s", tx.Amount, tx.Currency)
	}
	if got := h.store.eventCount(tx.ID, models.PaymentEventSourceInit); got != 1 {
		t.Fatalf("expected 1 init event, got %d", got)
	}
}

func TestInitializeIsIdempotentPerReference(t *testing.T) {
	h := newHarness()
	first := h.initiated(t, "order-2024-0002")

	res, err := h.service.Initialize(context.Background(), InitializeInput{
		Reference:    "order-2024-0002",
		PlanID:       "featured_3m",
		Instrument:   models.InstrumentMTNMoMo,
		PayerContact: "677112233",
		Currency:     "XAF",
		ListingID:    1,
	})
	if err != nil {
		t.Fatalf("re-initialization error: %v", err)
	}
	if !res.Reused {
		t.Fatal("second call with the same reference must report reuse")
	}
	if res.Transaction.ID != first.ID {
		t.Fatalf("reuse returned a different transaction: %d != %d", res.Transaction.ID, first.ID)
	}

	initCalls, _ := h.gateway.calls()
	if initCalls != 1 {
		t.Fatalf("the gateway must be charged once, saw %d initiate calls", initCalls)
	}
}

func TestInitializeValidation(t *testing.T) {
	h := newHarness()
	cases := []struct {
		name  string
		in    InitializeInput
		field string
	}{
		{
			name:  "unknown plan",
			in:    InitializeInput{PlanID: "featured_6m", Instrument: models.InstrumentCard, PayerContact: "a@b.cm", Currency: "USD", ListingID: 1},
			field: "plan_id",
		},
		{
			name:  "momo in usd",
			in:    InitializeInput{PlanID: "featured_1m", Instrument: models.InstrumentMTNMoMo, PayerContact: "677112233", Currency: "USD", ListingID: 1},
			field: "currency",
		},
		{
			name:  "bad msisdn",
			in:    InitializeInput{PlanID: "featured_1m", Instrument: models.InstrumentOrangeMoney, PayerContact: "12345", Currency: "XAF", ListingID: 1},
			field: "payer_contact",
		},
		{
			name:  "unknown instrument",
			in:    InitializeInput{PlanID: "featured_1m", Instrument: "paypal", PayerContact: "a@b.cm", Currency: "USD", ListingID: 1},
			field: "instrument",
		},
		{
			name:  "missing listing",
			in:    InitializeInput{PlanID: "featured_1m", Instrument: models.InstrumentCard, PayerContact: "a@b.cm", Currency: "USD", ListingID: 99},
			field: "listing_id",
		},
		{
			name:  "short reference",
			in:    InitializeInput{Reference: "abc", PlanID: "featured_1m", Instrument: models.InstrumentCard, PayerContact: "a@b.cm", Currency: "USD", ListingID: 1},
			field: "reference",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.Initialize(context.Background(), tc.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("rejected field = %s, want %s", verr.Field, tc.field)
			}
		})
	}

	initCalls, _ := h.gateway.calls()
	if initCalls != 0 {
		t.Fatalf("invalid input must never reach the gateway, saw %d calls", initCalls)
	}
}

func TestInitializeGeneratesReferenceWhenEmpty(t *testing.T) {
	h := newHarness()
	res, err := h.service.Initialize(context.Background(), InitializeInput{
		PlanID:       "featured_1m",
		Instrument:   models.InstrumentCard,
		PayerContact: "buyer@example.cm",
		Currency:     "USD",
		ListingID:    1,
	})
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	ref := res.Transaction.ExternalReference
	if len(ref) < 8 || ref[:3] != "lp-" {
		t.Fatalf("generated reference looks wrong: %q", ref)
	}
}

func TestInitializeTimeoutParksTransactionPending(t *testing.T) {
	h := newHarness()
	h.gateway.initErr = fmt.Errorf("initiate order-x: %w", gateway.ErrTimeout)

	res, err := h.service.Initialize(context.Background(), InitializeInput{
		Reference:    "order-2024-0003",
		PlanID:       "featured_1m",
		Instrument:   models.InstrumentMTNMoMo,
		PayerContact: "677112233",
		Currency:     "XAF",
		ListingID:    1,
	})
	if err != nil {
		t.Fatalf("a timed-out initiation must not fail the request: %v", err)
	}
	if res.Transaction.Status != models.PaymentStatusPending {
		t.Fatalf("status = %s, want pending (charge may exist on the gateway side)", res.Transaction.Status)
	}
	if res.Transaction.GatewayID != nil {
		t.Fatal("no gateway id must be recorded on timeout")
	}
}

func TestInitializeRejectionFailsTransaction(t *testing.T) {
	h := newHarness()
	h.gateway.initErr = &gateway.RejectedError{StatusCode: 400, Body: `{"message":"INVALID_MSISDN"}`}

	_, err := h.service.Initialize(context.Background(), InitializeInput{
		Reference:    "order-2024-0004",
		PlanID:       "featured_1m",
		Instrument:   models.InstrumentMTNMoMo,
		PayerContact: "677112233",
		Currency:     "XAF",
		ListingID:    1,
	})
	var rejected *gateway.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected the rejection to surface, got %v", err)
	}

	tx, serr := h.store.ByReference("order-2024-0004")
	if serr != nil {
		t.Fatalf("ByReference: %v", serr)
	}
	if tx.Status != models.PaymentStatusFailed {
		t.Fatalf("status = %s, want failed", tx.Status)
	}
	if tx.FailureReason == "" {
		t.Fatal("failure reason must be recorded")
	}
}

func TestWebhookSuccessSettlesAndExtends(t *testing.T) {
	h := newHarness()
	tx := h.initiated(t, "order-2024-0005")

	payload := []byte(`{"event_id":"evt-1","transaction_id":"gw-0001","statusCode":"200","message":"Transaction successful"}`)
	res, err := h.service.HandleWebhook(context.Background(), payload, true)
	if err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if res.Status != models.PaymentStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.Transition != TransitionApplied {
		t.Fatalf("transition = %s, want applied", res.Transition)
	}
	if !res.SideEffectRan {
		t.Fatal("the settlement webhook must run the side effect")
	}

	listing, err := h.subjects.Get(1)
	if err != nil {
		t.Fatalf("Get listing: %v", err)
	}
	want := time.Now().Add(plans.Duration(plans.PlanFeatured3M))
	if listing.FeaturedUntil == nil {
		t.Fatal("listing must be featured after settlement")
	}
	if diff := listing.FeaturedUntil.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("featured_until off by %s", diff)
	}
	if listing.LastPaymentRef != tx.ExternalReference {
		t.Fatalf("last_payment_ref = %q, want %q", listing.LastPaymentRef, tx.ExternalReference)
	}
	if got := h.notifier.count(); got != 1 {
		t.Fatalf("settlement notifications = %d, want 1", got)
	}
}

func TestWebhookRedeliveryIsAbsorbed(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0006")

	payload := []byte(`{"event_id":"evt-dup","transaction_id":"gw-0001","statusCode":"200","message":"Transaction successful"}`)
	if _, err := h.service.HandleWebhook(context.Background(), payload, true); err != nil {
		t.Fatalf("first delivery error: %v", err)
	}
	res, err := h.service.HandleWebhook(context.Background(), payload, true)
	if err != nil {
		t.Fatalf("redelivery error: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("redelivery must be reported as duplicate")
	}
	if res.SideEffectRan {
		t.Fatal("redelivery must not run the side effect")
	}
	if got := h.subjects.extendCount(); got != 1 {
		t.Fatalf("extensions = %d, want 1", got)
	}

	tx, _ := h.store.ByReference("order-2024-0006")
	if got := h.store.eventCount(tx.ID, models.PaymentEventSourceWebhook); got != 1 {
		t.Fatalf("webhook events = %d, want 1 (same event id)", got)
	}
}

func TestWebhookDistinctSuccessSignalsExtendOnce(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0007")

	first := []byte(`{"event_id":"evt-a","transaction_id":"gw-0001","statusCode":"200"}`)
	second := []byte(`{"event_id":"evt-b","transaction_id":"gw-0001","status":"SUCCESSFUL"}`)
	if _, err := h.service.HandleWebhook(context.Background(), first, true); err != nil {
		t.Fatalf("first webhook: %v", err)
	}
	res, err := h.service.HandleWebhook(context.Background(), second, true)
	if err != nil {
		t.Fatalf("second webhook: %v", err)
	}
	if res.Transition != TransitionAlreadySettled {
		t.Fatalf("transition = %s, want already_settled", res.Transition)
	}
	if got := h.subjects.extendCount(); got != 1 {
		t.Fatalf("extensions = %d, want 1", got)
	}

	tx, _ := h.store.ByReference("order-2024-0007")
	if got := h.store.eventCount(tx.ID, models.PaymentEventSourceWebhook); got != 2 {
		t.Fatalf("webhook events = %d, want 2 (distinct event ids)", got)
	}
}

func TestWebhookLatePendingAfterSuccessIsNoOp(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0008")

	success := []byte(`{"event_id":"evt-1","transaction_id":"gw-0001","statusCode":"200"}`)
	if _, err := h.service.HandleWebhook(context.Background(), success, true); err != nil {
		t.Fatalf("success webhook: %v", err)
	}

	late := []byte(`{"event_id":"evt-2","transaction_id":"gw-0001","status":"PENDING","message":"WAITING_CONFIRMATION"}`)
	res, err := h.service.HandleWebhook(context.Background(), late, true)
	if err != nil {
		t.Fatalf("late webhook: %v", err)
	}
	if res.Status != models.PaymentStatusSuccess {
		t.Fatalf("a late pending signal must not demote success, got %s", res.Status)
	}
	if res.Transition != TransitionAlreadySettled {
		t.Fatalf("transition = %s, want already_settled", res.Transition)
	}
	if got := h.subjects.extendCount(); got != 1 {
		t.Fatalf("extensions = %d, want 1", got)
	}
}

func TestWebhookSuccessAfterFailureIsAbsorbedUntilRecovery(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0009")

	failed := []byte(`{"event_id":"evt-1","transaction_id":"gw-0001","statusCode":"400","message":"Transaction failed"}`)
	if _, err := h.service.HandleWebhook(context.Background(), failed, true); err != nil {
		t.Fatalf("failure webhook: %v", err)
	}

	success := []byte(`{"event_id":"evt-2","transaction_id":"gw-0001","statusCode":"200"}`)
	res, err := h.service.HandleWebhook(context.Background(), success, true)
	if err != nil {
		t.Fatalf("late success webhook: %v", err)
	}
	if res.Status != models.PaymentStatusFailed {
		t.Fatalf("terminal failed must absorb late signals, got %s", res.Status)
	}
	if got := h.subjects.extendCount(); got != 0 {
		t.Fatalf("no extension expected yet, got %d", got)
	}

	// The operator resolves the disagreement explicitly.
	rec, err := h.service.Recover(context.Background(), "order-2024-0009")
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if rec.Status != models.PaymentStatusSuccess || !rec.SideEffectRan {
		t.Fatalf("recovery must settle and extend: %+v", rec)
	}
	if got := h.subjects.extendCount(); got != 1 {
		t.Fatalf("extensions after recovery = %d, want 1", got)
	}
}

func TestWebhookInvalidSignatureIsStoredNotProcessed(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0010")

	payload := []byte(`{"event_id":"evt-1","transaction_id":"gw-0001","statusCode":"200"}`)
	res, err := h.service.HandleWebhook(context.Background(), payload, false)
	if err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if res.SignatureOK {
		t.Fatal("signature must be reported invalid")
	}
	if res.Status != models.PaymentStatusPending {
		t.Fatalf("an unverified signal must not move state, got %s", res.Status)
	}
	if got := h.subjects.extendCount(); got != 0 {
		t.Fatalf("extensions = %d, want 0", got)
	}

	tx, _ := h.store.ByReference("order-2024-0010")
	if got := h.store.eventCount(tx.ID, models.PaymentEventSourceWebhook); got != 1 {
		t.Fatalf("the unverified event must still be stored for audit, got %d", got)
	}
}

func TestWebhookUnknownTransaction(t *testing.T) {
	h := newHarness()
	payload := []byte(`{"event_id":"evt-1","transaction_id":"gw-nope","statusCode":"200"}`)
	_, err := h.service.HandleWebhook(context.Background(), payload, true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWebhookUnknownStatusKeepsPending(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0011")

	payload := []byte(`{"event_id":"evt-1","transaction_id":"gw-0001","status":"SOMETHING_ODD"}`)
	res, err := h.service.HandleWebhook(context.Background(), payload, true)
	if err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if res.Status != models.PaymentStatusPending {
		t.Fatalf("unknown vocabulary must map to pending, got %s", res.Status)
	}
	if got := h.subjects.extendCount(); got != 0 {
		t.Fatalf("extensions = %d, want 0", got)
	}
}

func TestWebhookLocatesByReferenceWhenGatewayIDMissing(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0012")

	payload := []byte(`{"event_id":"evt-1","payment_ref":"order-2024-0012","statusCode":"200"}`)
	res, err := h.service.HandleWebhook(context.Background(), payload, true)
	if err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if res.Status != models.PaymentStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
}

func TestStatusPollSettlesPendingTransaction(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0013")
	h.gateway.queries = []queryScript{{
		resp: &gateway.QueryResponse{
			Signal: gateway.StatusSignal{Code: "200", Description: "Transaction successful"},
			Raw:    `{"status_code":"200","description":"Transaction successful"}`,
		},
	}}

	res, err := h.service.Status(context.Background(), "order-2024-0013")
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if res.Stale {
		t.Fatal("a successful poll must not be stale")
	}
	if res.Transaction.Status != models.PaymentStatusSuccess {
		t.Fatalf("status = %s, want success", res.Transaction.Status)
	}
	if res.Listing == nil || !res.Listing.IsFeatured(time.Now()) {
		t.Fatal("the listing must be featured after the poll settles the payment")
	}
	if got := h.store.eventCount(res.Transaction.ID, models.PaymentEventSourcePoll); got != 1 {
		t.Fatalf("poll events = %d, want 1", got)
	}
}

func TestStatusServesStoredStateWhenGatewayIsDown(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0014")
	h.gateway.queries = []queryScript{{err: errors.New("gateway unreachable")}}

	res, err := h.service.Status(context.Background(), "order-2024-0014")
	if err != nil {
		t.Fatalf("Status must degrade, not fail: %v", err)
	}
	if !res.Stale {
		t.Fatal("result must be marked stale when the gateway cannot answer")
	}
	if res.Transaction.Status != models.PaymentStatusPending {
		t.Fatalf("status = %s, want stored pending", res.Transaction.Status)
	}
	if res.Transaction.LastCheckedAt == nil {
		t.Fatal("the failed attempt must still move last_checked_at")
	}
}

func TestStatusTerminalSkipsGateway(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0015")
	success := []byte(`{"event_id":"evt-1","transaction_id":"gw-0001","statusCode":"200"}`)
	if _, err := h.service.HandleWebhook(context.Background(), success, true); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	res, err := h.service.Status(context.Background(), "order-2024-0015")
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if res.Transaction.Status != models.PaymentStatusSuccess {
		t.Fatalf("status = %s, want success", res.Transaction.Status)
	}
	if _, queryCalls := h.gateway.calls(); queryCalls != 0 {
		t.Fatalf("terminal transactions must not be polled, saw %d calls", queryCalls)
	}
}

func TestStatusUnknownReference(t *testing.T) {
	h := newHarness()
	if _, err := h.service.Status(context.Background(), "order-does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0016")

	first, err := h.service.Recover(context.Background(), "order-2024-0016")
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if first.Transition != TransitionApplied || !first.SideEffectRan {
		t.Fatalf("first recovery must settle and extend: %+v", first)
	}

	second, err := h.service.Recover(context.Background(), "order-2024-0016")
	if err != nil {
		t.Fatalf("second Recover error: %v", err)
	}
	if !second.Duplicate || second.SideEffectRan {
		t.Fatalf("second recovery must be absorbed: %+v", second)
	}
	if got := h.subjects.extendCount(); got != 1 {
		t.Fatalf("extensions = %d, want 1", got)
	}

	tx, _ := h.store.ByReference("order-2024-0016")
	if got := h.store.eventCount(tx.ID, models.PaymentEventSourceRecovery); got != 2 {
		t.Fatalf("recovery events = %d, want 2 (every override is audited)", got)
	}
}

func TestInspectReturnsEventTrail(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0017")
	payload := []byte(`{"event_id":"evt-1","transaction_id":"gw-0001","statusCode":"200"}`)
	if _, err := h.service.HandleWebhook(context.Background(), payload, true); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	tx, events, err := h.service.Inspect("order-2024-0017")
	if err != nil {
		t.Fatalf("Inspect error: %v", err)
	}
	if tx.Status != models.PaymentStatusSuccess {
		t.Fatalf("status = %s, want success", tx.Status)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (init + webhook)", len(events))
	}
	if events[0].Source != models.PaymentEventSourceInit || events[1].Source != models.PaymentEventSourceWebhook {
		t.Fatalf("event order wrong: %s, %s", events[0].Source, events[1].Source)
	}
}

func TestListTransactionsFiltersByStatus(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0018")
	h.initiated(t, "order-2024-0019")
	success := []byte(`{"event_id":"evt-1","payment_ref":"order-2024-0018","statusCode":"200"}`)
	if _, err := h.service.HandleWebhook(context.Background(), success, true); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	settled, err := h.service.ListTransactions("success", 10)
	if err != nil {
		t.Fatalf("ListTransactions error: %v", err)
	}
	if len(settled) != 1 || settled[0].ExternalReference != "order-2024-0018" {
		t.Fatalf("unexpected filter result: %+v", settled)
	}

	if _, err := h.service.ListTransactions("paid", 10); err == nil {
		t.Fatal("unknown status filter must be rejected")
	}
}

func TestConcurrentSettlementExtendsOnce(t *testing.T) {
	h := newHarness()
	h.initiated(t, "order-2024-0020")
	h.gateway.queries = []queryScript{{
		resp: &gateway.QueryResponse{
			Signal: gateway.StatusSignal{Code: "200", Description: "Transaction successful"},
			Raw:    `{"status_code":"200"}`,
		},
	}}

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				payload := []byte(fmt.Sprintf(`{"event_id":"evt-%d","transaction_id":"gw-0001","statusCode":"200"}`, n))
				if _, err := h.service.HandleWebhook(context.Background(), payload, true); err != nil {
					t.Errorf("webhook %d: %v", n, err)
				}
			} else {
				if _, err := h.service.Status(context.Background(), "order-2024-0020"); err != nil {
					t.Errorf("status %d: %v", n, err)
				}
			}
		}(i)
	}
	wg.Wait()

	tx, err := h.store.ByReference("order-2024-0020")
	if err != nil {
		t.Fatalf("ByReference: %v", err)
	}
	if tx.Status != models.PaymentStatusSuccess {
		t.Fatalf("status = %s, want success", tx.Status)
	}
	if got := h.subjects.extendCount(); got != 1 {
		t.Fatalf("racing observers must extend exactly once, got %d", got)
	}
	if got := h.notifier.count(); got != 1 {
		t.Fatalf("settlement notifications = %d, want 1", got)
	}
}
