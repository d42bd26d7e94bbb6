package completion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/internal/usage"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	testAccount = "user-123"
	testRender  = "rnd_video"
	testJob     = "job-42"
)

type memoryRenderStore struct {
	mutex   sync.Mutex
	renders map[string]render.Render
}

func (store *memoryRenderStore) CreateRender(_ context.Context, item render.Render) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.renders[item.ID] = item
	return nil
}

func (store *memoryRenderStore) GetRender(_ context.Context, renderID string) (render.Render, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	item, ok := store.renders[renderID]
	if !ok {
		return render.Render{}, ledger.ErrRenderNotFound
	}
	return item, nil
}

func (store *memoryRenderStore) FindRenderByJobID(_ context.Context, jobID string) (render.Render, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, item := range store.renders {
		if jobID != "" && item.ProviderJobID == jobID {
			return item, nil
		}
	}
	return render.Render{}, ledger.ErrRenderNotFound
}

func (store *memoryRenderStore) ListRenders(context.Context, render.ListFilter) ([]render.Render, error) {
	return nil, nil
}

func (store *memoryRenderStore) UpdateRender(_ context.Context, renderID string, update render.Update) (render.Render, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	item, ok := store.renders[renderID]
	if !ok {
		return render.Render{}, false, ledger.ErrRenderNotFound
	}
	if !render.CanTransition(item.Status, update.Status) {
		return item, false, nil
	}
	item.Status = update.Status
	if update.ProviderJobID != nil {
		item.ProviderJobID = *update.ProviderJobID
	}
	if update.OutputAssetURL != nil {
		item.OutputAssetURL = *update.OutputAssetURL
	}
	if update.WatermarkURL != nil {
		item.WatermarkURL = *update.WatermarkURL
	}
	if update.Error != nil {
		item.Error = *update.Error
	}
	if update.FinalCostCredits != nil {
		item.FinalCostCredits = update.FinalCostCredits
	}
	store.renders[renderID] = item
	return item, true, nil
}

// settlingLedger applies finalize and release against one reservation.
type settlingLedger struct {
	balance      decimal.Decimal
	reserved     decimal.Decimal
	finalized    bool
	transactions int
	finalCalls   int
	releaseCalls int
}

func (fake *settlingLedger) Reserve(context.Context, ledger.AccountID, ledger.RenderID, ledger.Credits, ledger.Reason, ledger.Metadata) (ledger.Result, error) {
	return ledger.Result{}, errors.New("unexpected reserve")
}

func (fake *settlingLedger) AdjustReservation(context.Context, ledger.AccountID, ledger.RenderID, ledger.Credits, ledger.Reason, ledger.Metadata) (ledger.Result, error) {
	return ledger.Result{}, errors.New("unexpected adjust")
}

func (fake *settlingLedger) FinalizeCharge(_ context.Context, _ ledger.AccountID, _ ledger.RenderID, finalAmount ledger.Credits, _ ledger.Reason, _ ledger.Metadata) (ledger.Result, error) {
	fake.finalCalls++
	if fake.finalized {
		return ledger.Result{}, nil
	}
	delta := finalAmount.Decimal().Sub(fake.reserved)
	fake.balance = fake.balance.Sub(delta)
	fake.reserved = finalAmount.Decimal()
	fake.finalized = true
	if !delta.IsZero() {
		fake.transactions++
	}
	return ledger.Result{Applied: true}, nil
}

func (fake *settlingLedger) Release(context.Context, ledger.AccountID, ledger.RenderID, ledger.Reason, ledger.Metadata) (ledger.Result, error) {
	fake.releaseCalls++
	if fake.finalized || fake.reserved.IsZero() {
		return ledger.Result{}, nil
	}
	fake.balance = fake.balance.Add(fake.reserved)
	fake.reserved = decimal.Zero
	fake.transactions++
	return ledger.Result{Applied: true}, nil
}

type eventRecorder struct {
	events []usage.Event
}

func (recorder *eventRecorder) Record(_ context.Context, event usage.Event) {
	recorder.events = append(recorder.events, event)
}

type handlerFixture struct {
	store    *memoryRenderStore
	ledger   *settlingLedger
	recorder *eventRecorder
	handler  *Handler
}

// newHandlerFixture seeds a PROCESSING preview render holding a 3 credit
// reservation against a remaining balance of 7.
func newHandlerFixture(test *testing.T) *handlerFixture {
	test.Helper()
	reserved := ledger.ClampCredits(decimal.NewFromInt(3))
	fixture := &handlerFixture{
		store: &memoryRenderStore{renders: map[string]render.Render{
			testRender: {
				ID:              testRender,
				AccountID:       testAccount,
				ProjectID:       "project-1",
				Kind:            render.KindVideoPreview,
				Status:          render.StatusProcessing,
				ProviderJobID:   testJob,
				ReservedCredits: reserved,
			},
		}},
		ledger:   &settlingLedger{balance: decimal.NewFromInt(7), reserved: reserved.Decimal()},
		recorder: &eventRecorder{},
	}
	handler, err := NewHandler(fixture.store, fixture.ledger, fixture.recorder)
	if err != nil {
		test.Fatalf("handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func costOf(value int64) *decimal.Decimal {
	cost := decimal.NewFromInt(value)
	return &cost
}

func assertLedgerBalance(test *testing.T, fake *settlingLedger, expected int64) {
	test.Helper()
	if !fake.balance.Equal(decimal.NewFromInt(expected)) {
		test.Fatalf("expected balance %d, got %s", expected, fake.balance)
	}
}

func TestHandleSucceededTripleDeliveryIsIdempotent(test *testing.T) {
	test.Parallel()
	fixture := newHandlerFixture(test)
	notification := Notification{JobID: testJob, Status: "succeeded", AssetURL: "https://cdn.example.com/v.mp4", CostInCredits: costOf(6)}

	for attempt := 0; attempt < 3; attempt++ {
		updated, err := fixture.handler.Handle(context.Background(), notification)
		if err != nil {
			test.Fatalf("attempt %d: %v", attempt, err)
		}
		if updated.Status != render.StatusSucceeded {
			test.Fatalf("expected SUCCEEDED, got %s", updated.Status)
		}
	}
	assertLedgerBalance(test, fixture.ledger, 4)
	if fixture.ledger.transactions != 1 {
		test.Fatalf("expected one settling transaction, got %d", fixture.ledger.transactions)
	}
	if len(fixture.recorder.events) != 1 || fixture.recorder.events[0].Type != usage.EventRenderCompleted {
		test.Fatalf("expected a single render_completed event, got %+v", fixture.recorder.events)
	}
	stored, _ := fixture.store.GetRender(context.Background(), testRender)
	if stored.OutputAssetURL != notification.AssetURL {
		test.Fatalf("expected asset url to be stored")
	}
}

func TestHandleProcessingAfterSucceededDoesNotRevert(test *testing.T) {
	test.Parallel()
	fixture := newHandlerFixture(test)
	if _, err := fixture.handler.Handle(context.Background(), Notification{RenderID: testRender, Status: "succeeded", CostInCredits: costOf(6)}); err != nil {
		test.Fatalf("succeeded: %v", err)
	}
	updated, err := fixture.handler.Handle(context.Background(), Notification{RenderID: testRender, Status: "processing"})
	if err != nil {
		test.Fatalf("processing: %v", err)
	}
	if updated.Status != render.StatusSucceeded {
		test.Fatalf("expected SUCCEEDED to stick, got %s", updated.Status)
	}
	assertLedgerBalance(test, fixture.ledger, 4)
}

func TestHandleFailedAfterSucceededIsNoop(test *testing.T) {
	test.Parallel()
	fixture := newHandlerFixture(test)
	if _, err := fixture.handler.Handle(context.Background(), Notification{JobID: testJob, Status: "succeeded", CostInCredits: costOf(6)}); err != nil {
		test.Fatalf("succeeded: %v", err)
	}
	updated, err := fixture.handler.Handle(context.Background(), Notification{JobID: testJob, Status: "failed", Error: "late failure"})
	if err != nil {
		test.Fatalf("failed: %v", err)
	}
	if updated.Status != render.StatusSucceeded {
		test.Fatalf("expected SUCCEEDED, got %s", updated.Status)
	}
	if fixture.ledger.releaseCalls != 0 {
		test.Fatalf("expected no release call, got %d", fixture.ledger.releaseCalls)
	}
	assertLedgerBalance(test, fixture.ledger, 4)
}

func TestHandleFailedReleasesReservation(test *testing.T) {
	test.Parallel()
	fixture := newHandlerFixture(test)
	for attempt := 0; attempt < 2; attempt++ {
		updated, err := fixture.handler.Handle(context.Background(), Notification{JobID: testJob, Status: "failed", Error: "provider crashed"})
		if err != nil {
			test.Fatalf("attempt %d: %v", attempt, err)
		}
		if updated.Status != render.StatusFailed || updated.Error != "provider crashed" {
			test.Fatalf("unexpected render %s %q", updated.Status, updated.Error)
		}
	}
	assertLedgerBalance(test, fixture.ledger, 10)
	if fixture.ledger.transactions != 1 {
		test.Fatalf("expected one refund transaction, got %d", fixture.ledger.transactions)
	}
	if len(fixture.recorder.events) != 1 || fixture.recorder.events[0].Type != usage.EventRenderFailed {
		test.Fatalf("expected one render_failed event, got %+v", fixture.recorder.events)
	}
}

func TestHandleProcessingHasNoLedgerEffect(test *testing.T) {
	test.Parallel()
	fixture := newHandlerFixture(test)
	if _, err := fixture.handler.Handle(context.Background(), Notification{JobID: testJob, Status: "queued"}); err != nil {
		test.Fatalf("queued: %v", err)
	}
	if fixture.ledger.finalCalls != 0 || fixture.ledger.releaseCalls != 0 {
		test.Fatalf("expected no ledger calls")
	}
	assertLedgerBalance(test, fixture.ledger, 7)
}

func TestHandleSucceededWithoutCostUsesReservation(test *testing.T) {
	test.Parallel()
	fixture := newHandlerFixture(test)
	if _, err := fixture.handler.Handle(context.Background(), Notification{JobID: testJob, Status: "succeeded"}); err != nil {
		test.Fatalf("succeeded: %v", err)
	}
	assertLedgerBalance(test, fixture.ledger, 7)
	if fixture.ledger.transactions != 0 {
		test.Fatalf("expected no settling transaction when cost equals reservation")
	}
}

func TestHandleErrors(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name         string
		notification Notification
		expected     error
	}{
		{name: "unknown status", notification: Notification{JobID: testJob, Status: "exploded"}, expected: ErrUnsupportedStatus},
		{name: "unknown job", notification: Notification{JobID: "job-missing", Status: "succeeded"}, expected: ledger.ErrRenderNotFound},
		{name: "unknown render", notification: Notification{RenderID: "rnd_missing", Status: "succeeded"}, expected: ledger.ErrRenderNotFound},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newHandlerFixture(test)
			if _, err := fixture.handler.Handle(context.Background(), testCase.notification); !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			assertLedgerBalance(test, fixture.ledger, 7)
		})
	}
}

func TestHandleFallsBackToJobIDWhenRenderIDUnknown(test *testing.T) {
	test.Parallel()
	fixture := newHandlerFixture(test)
	updated, err := fixture.handler.Handle(context.Background(), Notification{RenderID: "rnd_client_side", JobID: testJob, Status: "succeeded", CostInCredits: costOf(5)})
	if err != nil {
		test.Fatalf("handle: %v", err)
	}
	if updated.ID != testRender {
		test.Fatalf("expected lookup by job id, got %s", updated.ID)
	}
	assertLedgerBalance(test, fixture.ledger, 5)
}

func TestNewHandlerRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewHandler(nil, &settlingLedger{}, &eventRecorder{}); !errors.Is(err, ErrInvalidHandlerConfig) {
		test.Fatalf("expected ErrInvalidHandlerConfig, got %v", err)
	}
}
