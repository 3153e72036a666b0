package payments

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/gateway"
	"github.com/listahub/ListaPay/internal/pkg/plans"
)

// fakeStore mirrors the guarded-update semantics of the MySQL store in
// memory so service behavior can be tested under concurrency without a
// database.
type fakeStore struct {
	mu     sync.Mutex
	nextTx uint
	nextEv uint
	txs    map[uint]*models.PaymentTransaction
	events map[uint]*models.PaymentEvent

	failTransition bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txs:    make(map[uint]*models.PaymentTransaction),
		events: make(map[uint]*models.PaymentEvent),
	}
}

func (f *fakeStore) CreateOrGetByReference(tx *models.PaymentTransaction) (bool, *models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.txs {
		if existing.ExternalReference == tx.ExternalReference {
			cp := *existing
			return false, &cp, nil
		}
	}
	f.nextTx++
	cp := *tx
	cp.ID = f.nextTx
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.txs[cp.ID] = &cp
	out := cp
	return true, &out, nil
}

func (f *fakeStore) ByID(id uint) (*models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeStore) ByReference(reference string) (*models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.ExternalReference == reference {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) ByGatewayID(gatewayID string) (*models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.GatewayID != nil && *tx.GatewayID == gatewayID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) RecordGatewayID(id uint, gatewayID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if tx.GatewayID != nil {
		if *tx.GatewayID == gatewayID {
			return nil
		}
		return errors.New("gateway id already recorded with a different value")
	}
	tx.GatewayID = &gatewayID
	return nil
}

func (f *fakeStore) ConditionallyTransition(id uint, fromAllowed []models.PaymentStatus, to models.PaymentStatus, reason string) (TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTransition {
		return "", errors.New("transition write failed")
	}
	tx, ok := f.txs[id]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	for _, from := range fromAllowed {
		if tx.Status == from {
			tx.Status = to
			if reason != "" {
				tx.FailureReason = reason
			}
			tx.UpdatedAt = time.Now()
			return TransitionApplied, nil
		}
	}
	if tx.Status.IsTerminal() {
		return TransitionAlreadySettled, nil
	}
	return TransitionStale, nil
}

func (f *fakeStore) ClaimSideEffect(id uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if tx.Status != models.PaymentStatusSuccess || tx.SideEffectAppliedAt != nil {
		return false, nil
	}
	now := time.Now()
	tx.SideEffectAppliedAt = &now
	return true, nil
}

func (f *fakeStore) ReleaseSideEffect(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	tx.SideEffectAppliedAt = nil
	return nil
}

func (f *fakeStore) AppendEvent(event *models.PaymentEvent) (bool, *models.PaymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.events {
		if existing.Source == event.Source && existing.GatewayEventID == event.GatewayEventID {
			cp := *existing
			return false, &cp, nil
		}
	}
	f.nextEv++
	cp := *event
	cp.ID = f.nextEv
	cp.CreatedAt = time.Now()
	f.events[cp.ID] = &cp
	out := cp
	return true, &out, nil
}

func (f *fakeStore) MarkEventProcessed(id uint, processingError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	ev.ProcessedAt = &now
	ev.ProcessingError = processingError
	return nil
}

func (f *fakeStore) ListEvents(transactionID uint) ([]models.PaymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentEvent
	for _, ev := range f.events {
		if ev.TransactionID == transactionID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListUnresolved(staleBefore time.Time, limit int) ([]models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentTransaction
	for _, tx := range f.txs {
		if tx.Status != models.PaymentStatusInitiated && tx.Status != models.PaymentStatusPending {
			continue
		}
		if tx.GatewayID == nil || !tx.CreatedAt.Before(staleBefore) {
			continue
		}
		if tx.LastCheckedAt != nil && !tx.LastCheckedAt.Before(staleBefore) {
			continue
		}
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListUnappliedSuccess(limit int) ([]models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentTransaction
	for _, tx := range f.txs {
		if tx.Status == models.PaymentStatusSuccess && tx.SideEffectAppliedAt == nil {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListRecent(status models.PaymentStatus, limit int) ([]models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentTransaction
	for _, tx := range f.txs {
		if status != "" && tx.Status != status {
			continue
		}
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) TouchLastChecked(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	tx.LastCheckedAt = &now
	return nil
}

// eventCount reports how many events exist for a transaction and source.
func (f *fakeStore) eventCount(transactionID uint, source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.TransactionID == transactionID && (source == "" || ev.Source == source) {
			n++
		}
	}
	return n
}

// fakeSubjects keeps listings in memory with the same never-shrink expiry
// arithmetic the SQL implementation uses.
type fakeSubjects struct {
	mu         sync.Mutex
	listings   map[uint]*models.Listing
	extendRefs []string
	failExtend bool
}

func newFakeSubjects(listings ...*models.Listing) *fakeSubjects {
	f := &fakeSubjects{listings: make(map[uint]*models.Listing)}
	for _, l := range listings {
		cp := *l
		f.listings[cp.ID] = &cp
	}
	return f
}

func (f *fakeSubjects) Get(listingID uint) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[listingID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeSubjects) ExtendFeatured(listingID uint, plan plans.Plan, duration time.Duration, paymentRef string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failExtend {
		return time.Time{}, errors.New("listing update failed")
	}
	l, ok := f.listings[listingID]
	if !ok {
		return time.Time{}, gorm.ErrRecordNotFound
	}
	now := time.Now()
	base := now
	if l.FeaturedUntil != nil && l.FeaturedUntil.After(now) {
		base = *l.FeaturedUntil
	}
	until := base.Add(duration)
	l.FeaturedPlan = string(plan)
	l.FeaturedUntil = &until
	l.LastPaymentRef = paymentRef
	l.Status = models.ListingStatusActive
	f.extendRefs = append(f.extendRefs, paymentRef)
	return until, nil
}

func (f *fakeSubjects) ClearExpiredFeatured(now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cleared int64
	for _, l := range f.listings {
		if l.FeaturedPlan != "" && l.FeaturedUntil != nil && !l.FeaturedUntil.After(now) {
			l.FeaturedPlan = ""
			l.FeaturedUntil = nil
			cleared++
		}
	}
	return cleared, nil
}

func (f *fakeSubjects) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.extendRefs)
}

// fakeGateway scripts aggregator answers. Query responses are consumed in
// order; the last one repeats.
type fakeGateway struct {
	mu         sync.Mutex
	initCalls  int
	queryCalls int
	initResp   *gateway.InitiateResponse
	initErr    error
	queries    []queryScript
	healthErr  error
}

type queryScript struct {
	resp *gateway.QueryResponse
	err  error
}

func (f *fakeGateway) Initiate(_ context.Context, _ gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.initResp != nil {
		cp := *f.initResp
		return &cp, nil
	}
	return &gateway.InitiateResponse{
		GatewayID: "gw-0001",
		Signal:    gateway.StatusSignal{Status: "201", Description: "REQUEST_ACCEPTED"},
		Raw:       `{"status":201,"message":"REQUEST_ACCEPTED","transaction_id":"gw-0001"}`,
	}, nil
}

func (f *fakeGateway) QueryStatus(_ context.Context, _, _ string) (*gateway.QueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if len(f.queries) == 0 {
		return nil, errors.New("no query response scripted")
	}
	q := f.queries[0]
	if len(f.queries) > 1 {
		f.queries = f.queries[1:]
	}
	if q.err != nil {
		return nil, q.err
	}
	cp := *q.resp
	return &cp, nil
}

func (f *fakeGateway) HealthCheck(_ context.Context) error {
	return f.healthErr
}

func (f *fakeGateway) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.queryCalls
}

// recordingNotifier captures settlement notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	settled []string
}

func (n *recordingNotifier) PaymentSettled(tx *models.PaymentTransaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settled = append(n.settled, tx.ExternalReference)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.settled)
}

// harness bundles a service over fakes with one active listing (ID 1).
type harness struct {
	store    *fakeStore
	subjects *fakeSubjects
	gateway  *fakeGateway
	notifier *recordingNotifier
	service  *Service
}

func newHarness() *harness {
	h := &harness{
		store: newFakeStore(),
		subjects: newFakeSubjects(&models.Listing{
			ID:     1,
			Title:  "Toyota Corolla 2014",
			Status: models.ListingStatusActive,
		}),
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
	}
	h.service = NewService(h.store, h.subjects, h.gateway, h.notifier)
	return h
}

// initiated creates one transaction through the normal pipeline and
// returns its stored state.
func (h *harness) initiated(t testingT, reference string) *models.PaymentTransaction {
	res, err := h.service.Initialize(context.Background(), InitializeInput{
		Reference:    reference,
		PlanID:       "featured_3m",
		Instrument:   models.InstrumentMTNMoMo,
		PayerContact: "677112233",
		Currency:     "XAF",
		ListingID:    1,
	})
	if err != nil {
		t.Fatalf("Initialize(%s) error: %v", reference, err)
	}
	return res.Transaction
}

// testingT is the slice of *testing.T the harness needs.
type testingT interface {
	Fatalf(format string, args ...any)
}
