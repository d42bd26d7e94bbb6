package render

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/renderledger/internal/usage"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	testAccount = "user-123"
	testProject = "project-1"
)

type memoryRenderStore struct {
	mutex   sync.Mutex
	renders map[string]Render
	// failStatus makes UpdateRender fail for updates to that status.
	failStatus Status
}

func newMemoryRenderStore() *memoryRenderStore {
	return &memoryRenderStore{renders: make(map[string]Render)}
}

func (store *memoryRenderStore) CreateRender(_ context.Context, render Render) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.renders[render.ID] = render
	return nil
}

func (store *memoryRenderStore) GetRender(_ context.Context, renderID string) (Render, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	render, ok := store.renders[renderID]
	if !ok {
		return Render{}, ledger.ErrRenderNotFound
	}
	return render, nil
}

func (store *memoryRenderStore) FindRenderByJobID(_ context.Context, jobID string) (Render, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, render := range store.renders {
		if render.ProviderJobID == jobID {
			return render, nil
		}
	}
	return Render{}, ledger.ErrRenderNotFound
}

func (store *memoryRenderStore) ListRenders(_ context.Context, filter ListFilter) ([]Render, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matches := make([]Render, 0)
	for _, render := range store.renders {
		if filter.AccountID != "" && render.AccountID != filter.AccountID {
			continue
		}
		if filter.Kind != "" && render.Kind != filter.Kind {
			continue
		}
		matches = append(matches, render)
	}
	sort.Slice(matches, func(left, right int) bool { return matches[left].ID > matches[right].ID })
	if len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

func (store *memoryRenderStore) UpdateRender(ctx context.Context, renderID string, update Update) (Render, bool, error) {
	if err := ctx.Err(); err != nil {
		return Render{}, false, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failStatus != "" && update.Status == store.failStatus {
		return Render{}, false, errors.New("database is locked")
	}
	render, ok := store.renders[renderID]
	if !ok {
		return Render{}, false, ledger.ErrRenderNotFound
	}
	if !CanTransition(render.Status, update.Status) {
		return render, false, nil
	}
	render.Status = update.Status
	if update.ProviderJobID != nil {
		render.ProviderJobID = *update.ProviderJobID
	}
	if update.OutputAssetURL != nil {
		render.OutputAssetURL = *update.OutputAssetURL
	}
	if update.Error != nil {
		render.Error = *update.Error
	}
	if update.FinalCostCredits != nil {
		render.FinalCostCredits = update.FinalCostCredits
	}
	if update.EstimatedCredits != nil {
		render.EstimatedCredits = update.EstimatedCredits
	}
	if update.UsageMetadata != nil {
		render.UsageMetadata = update.UsageMetadata
	}
	store.renders[renderID] = render
	return render, true, nil
}

// fakeLedger keeps a single account balance with per-render holds. Like
// the real ledger it fails on a cancelled context.
type fakeLedger struct {
	balance      decimal.Decimal
	reserved     map[string]decimal.Decimal
	finalized    map[string]bool
	calls        []string
	reserveErr   error
	finalizeErrs []error
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{
		balance:   decimal.NewFromInt(balance),
		reserved:  make(map[string]decimal.Decimal),
		finalized: make(map[string]bool),
	}
}

func (fake *fakeLedger) Reserve(ctx context.Context, _ ledger.AccountID, renderID ledger.RenderID, amount ledger.Credits, reason ledger.Reason, _ ledger.Metadata) (ledger.Result, error) {
	fake.calls = append(fake.calls, "reserve:"+reason.String())
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	if fake.reserveErr != nil {
		return ledger.Result{}, fake.reserveErr
	}
	if fake.balance.LessThan(amount.Decimal()) {
		return ledger.Result{}, ledger.ErrInsufficientCredits
	}
	fake.balance = fake.balance.Sub(amount.Decimal())
	fake.reserved[renderID.String()] = amount.Decimal()
	return ledger.Result{Applied: true}, nil
}

func (fake *fakeLedger) AdjustReservation(ctx context.Context, _ ledger.AccountID, renderID ledger.RenderID, newAmount ledger.Credits, reason ledger.Reason, _ ledger.Metadata) (ledger.Result, error) {
	fake.calls = append(fake.calls, "adjust:"+reason.String())
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	if fake.finalized[renderID.String()] {
		return ledger.Result{}, nil
	}
	delta := newAmount.Decimal().Sub(fake.reserved[renderID.String()])
	if delta.IsPositive() && fake.balance.LessThan(delta) {
		return ledger.Result{}, ledger.ErrInsufficientCredits
	}
	fake.balance = fake.balance.Sub(delta)
	fake.reserved[renderID.String()] = newAmount.Decimal()
	return ledger.Result{Applied: true}, nil
}

func (fake *fakeLedger) FinalizeCharge(ctx context.Context, _ ledger.AccountID, renderID ledger.RenderID, finalAmount ledger.Credits, reason ledger.Reason, _ ledger.Metadata) (ledger.Result, error) {
	fake.calls = append(fake.calls, "finalize:"+reason.String())
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	if len(fake.finalizeErrs) > 0 {
		err := fake.finalizeErrs[0]
		fake.finalizeErrs = fake.finalizeErrs[1:]
		return ledger.Result{}, err
	}
	if fake.finalized[renderID.String()] {
		return ledger.Result{}, nil
	}
	fake.balance = fake.balance.Sub(finalAmount.Decimal().Sub(fake.reserved[renderID.String()]))
	fake.reserved[renderID.String()] = finalAmount.Decimal()
	fake.finalized[renderID.String()] = true
	return ledger.Result{Applied: true}, nil
}

func (fake *fakeLedger) Release(ctx context.Context, _ ledger.AccountID, renderID ledger.RenderID, reason ledger.Reason, _ ledger.Metadata) (ledger.Result, error) {
	fake.calls = append(fake.calls, "release:"+reason.String())
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	if fake.finalized[renderID.String()] || fake.reserved[renderID.String()].IsZero() {
		return ledger.Result{}, nil
	}
	fake.balance = fake.balance.Add(fake.reserved[renderID.String()])
	fake.reserved[renderID.String()] = decimal.Zero
	return ledger.Result{Applied: true}, nil
}

func (fake *fakeLedger) heldFor(renderID string) decimal.Decimal {
	return fake.reserved[renderID]
}

type eventRecorder struct {
	events []usage.Event
}

func (recorder *eventRecorder) Record(_ context.Context, event usage.Event) {
	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) types() []usage.EventType {
	types := make([]usage.EventType, 0, len(recorder.events))
	for _, event := range recorder.events {
		types = append(types, event.Type)
	}
	return types
}

type stubImageGenerator struct {
	image GeneratedImage
	err   error
}

func (generator stubImageGenerator) GenerateImage(context.Context, ImagePrompt) (GeneratedImage, error) {
	return generator.image, generator.err
}

type stubVideoProvider struct {
	receipt VideoJobReceipt
	err     error
	jobs    []VideoJob
}

func (provider *stubVideoProvider) SubmitVideoJob(_ context.Context, job VideoJob) (VideoJobReceipt, error) {
	provider.jobs = append(provider.jobs, job)
	return provider.receipt, provider.err
}

type memoryAssets struct {
	keys []string
	err  error
}

func (assets *memoryAssets) PutAsset(_ context.Context, key string, _ []byte, _ string, _ map[string]string) (string, error) {
	if assets.err != nil {
		return "", assets.err
	}
	assets.keys = append(assets.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type memoryTracker struct {
	jobs []TrackedJob
	err  error
}

func (tracker *memoryTracker) Track(_ context.Context, job TrackedJob) error {
	tracker.jobs = append(tracker.jobs, job)
	return tracker.err
}

type serviceFixture struct {
	store    *memoryRenderStore
	ledger   *fakeLedger
	recorder *eventRecorder
	videos   *stubVideoProvider
	assets   *memoryAssets
	tracker  *memoryTracker
	service  *Service
}

func newServiceFixture(test *testing.T, balance int64, images ImageGenerator, videos *stubVideoProvider, options ...Option) *serviceFixture {
	test.Helper()
	fixture := &serviceFixture{
		store:    newMemoryRenderStore(),
		ledger:   newFakeLedger(balance),
		recorder: &eventRecorder{},
		videos:   videos,
		assets:   &memoryAssets{},
		tracker:  &memoryTracker{},
	}
	counter := 0
	allOptions := []Option{
		WithImageGenerator(images),
		WithVideoProvider(videos),
		WithAssetStore(fixture.assets),
		WithJobTracker(fixture.tracker),
		WithIDGenerator(func() (string, error) {
			counter++
			return "rnd_test" + string(rune('a'+counter)), nil
		}),
	}
	allOptions = append(allOptions, options...)
	service, err := NewService(fixture.store, fixture.ledger, fixture.recorder, allOptions...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	fixture.service = service
	return fixture
}

func mustAccount(test *testing.T) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(testAccount)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func assertFakeBalance(test *testing.T, fake *fakeLedger, expected int64) {
	test.Helper()
	if !fake.balance.Equal(decimal.NewFromInt(expected)) {
		test.Fatalf("expected balance %d, got %s", expected, fake.balance)
	}
}

func assertEventTypes(test *testing.T, recorder *eventRecorder, expected ...usage.EventType) {
	test.Helper()
	actual := recorder.types()
	if len(actual) != len(expected) {
		test.Fatalf("expected events %v, got %v", expected, actual)
	}
	for index := range expected {
		if actual[index] != expected[index] {
			test.Fatalf("expected events %v, got %v", expected, actual)
		}
	}
}

func successfulImage() stubImageGenerator {
	return stubImageGenerator{image: GeneratedImage{
		Bytes:      []byte("png-bytes"),
		MimeType:   "image/png",
		ResponseID: "resp-1",
		Usage:      ImageUsage{PromptTokens: 400, CandidateTokens: 1600, TotalTokens: 2000},
	}}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	store := newMemoryRenderStore()
	fake := newFakeLedger(0)
	recorder := &eventRecorder{}
	cases := []struct {
		name     string
		store    Store
		ledger   Ledger
		recorder Recorder
	}{
		{name: "store", ledger: fake, recorder: recorder},
		{name: "ledger", store: store, recorder: recorder},
		{name: "recorder", store: store, ledger: fake},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := NewService(testCase.store, testCase.ledger, testCase.recorder); !errors.Is(err, ErrInvalidServiceConfig) {
				test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
			}
		})
	}
}

func TestGenerateImageFinalizesAtReserveWithoutTokenPricing(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, 10, successfulImage(), &stubVideoProvider{})

	render, err := fixture.service.GenerateImage(context.Background(), ImageRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Prompt:    ImagePrompt{Prompt: "a red bicycle"},
	})
	if err != nil {
		test.Fatalf("generate image: %v", err)
	}
	if render.Status != StatusSucceeded {
		test.Fatalf("expected SUCCEEDED, got %s", render.Status)
	}
	if !strings.HasSuffix(render.OutputAssetURL, "/renders/"+render.ID+"/image.png") {
		test.Fatalf("unexpected asset url %q", render.OutputAssetURL)
	}
	if len(render.UsageMetadata) == 0 {
		test.Fatalf("expected usage metadata to be stored")
	}
	assertFakeBalance(test, fixture.ledger, 9)
	expectedCalls := []string{"reserve:image_render_reservation", "finalize:image_render_finalization"}
	if strings.Join(fixture.ledger.calls, ",") != strings.Join(expectedCalls, ",") {
		test.Fatalf("expected calls %v, got %v", expectedCalls, fixture.ledger.calls)
	}
	assertEventTypes(test, fixture.recorder, usage.EventRenderRequested, usage.EventRenderCompleted)
}

func TestGenerateImageChargesTokenCost(test *testing.T) {
	test.Parallel()
	config := DefaultConfig()
	config.ImageCostPer1KTokens = decimal.NewFromInt(2)
	fixture := newServiceFixture(test, 10, successfulImage(), &stubVideoProvider{}, WithConfig(config))

	render, err := fixture.service.GenerateImage(context.Background(), ImageRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Prompt:    ImagePrompt{Prompt: "a red bicycle"},
	})
	if err != nil {
		test.Fatalf("generate image: %v", err)
	}
	if render.FinalCostCredits == nil || render.FinalCostCredits.String() != "4" {
		test.Fatalf("expected final cost 4, got %v", render.FinalCostCredits)
	}
	assertFakeBalance(test, fixture.ledger, 6)
}

func TestGenerateImageInsufficientCreditsFailsRender(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, 0, successfulImage(), &stubVideoProvider{})

	render, err := fixture.service.GenerateImage(context.Background(), ImageRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Prompt:    ImagePrompt{Prompt: "a red bicycle"},
	})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if render.Status != StatusFailed || render.Error != insufficientCreditsMessage {
		test.Fatalf("expected failed render with %q, got %s %q", insufficientCreditsMessage, render.Status, render.Error)
	}
	if len(fixture.assets.keys) != 0 {
		test.Fatalf("expected no asset writes")
	}
	assertEventTypes(test, fixture.recorder, usage.EventRenderRequested, usage.EventRenderFailed)
	if fixture.recorder.events[1].Metadata[usage.MetadataKeyErrorCode] != errorCodeInsufficientCredits {
		test.Fatalf("expected error code %s", errorCodeInsufficientCredits)
	}
}

func TestGenerateImageProviderFailureReleasesReservation(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name          string
		err           error
		expectedEvent usage.EventType
	}{
		{
			name:          "safety block",
			err:           &GenerationError{Kind: GenerationSafetyBlock, Message: "prompt blocked"},
			expectedEvent: usage.EventPromptFiltered,
		},
		{
			name:          "transient",
			err:           &GenerationError{Kind: GenerationTransient, Message: "provider unavailable"},
			expectedEvent: usage.EventRenderFailed,
		},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newServiceFixture(test, 5, stubImageGenerator{err: testCase.err}, &stubVideoProvider{})

			render, err := fixture.service.GenerateImage(context.Background(), ImageRequest{
				AccountID: mustAccount(test),
				ProjectID: testProject,
				Prompt:    ImagePrompt{Prompt: "something"},
			})
			if !errors.Is(err, testCase.err) {
				test.Fatalf("expected provider error, got %v", err)
			}
			if render.Status != StatusFailed {
				test.Fatalf("expected FAILED, got %s", render.Status)
			}
			assertFakeBalance(test, fixture.ledger, 5)
			if fixture.ledger.finalized[render.ID] || !fixture.ledger.heldFor(render.ID).IsZero() {
				test.Fatalf("expected an unfinalized render with nothing held")
			}
			assertEventTypes(test, fixture.recorder, usage.EventRenderRequested, testCase.expectedEvent)
		})
	}
}

func TestGenerateImageAssetFailureReleasesReservation(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, 5, successfulImage(), &stubVideoProvider{})
	fixture.assets.err = errors.New("bucket unavailable")

	render, err := fixture.service.GenerateImage(context.Background(), ImageRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Prompt:    ImagePrompt{Prompt: "something"},
	})
	if err == nil {
		test.Fatalf("expected asset error")
	}
	if render.Status != StatusFailed {
		test.Fatalf("expected FAILED, got %s", render.Status)
	}
	assertFakeBalance(test, fixture.ledger, 5)
}

// cancellingImageGenerator cancels the request context the way a client
// disconnect or request timeout does, then returns its result.
type cancellingImageGenerator struct {
	cancel context.CancelFunc
	image  GeneratedImage
	err    error
}

func (generator cancellingImageGenerator) GenerateImage(ctx context.Context, _ ImagePrompt) (GeneratedImage, error) {
	generator.cancel()
	<-ctx.Done()
	return generator.image, generator.err
}

type cancellingVideoProvider struct {
	cancel context.CancelFunc
	err    error
}

func (provider cancellingVideoProvider) SubmitVideoJob(ctx context.Context, _ VideoJob) (VideoJobReceipt, error) {
	provider.cancel()
	<-ctx.Done()
	return VideoJobReceipt{}, provider.err
}

func TestGenerateImageSettlesAfterRequestContextEnds(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		image       GeneratedImage
		err         error
		wantStatus  Status
		wantBalance int64
		wantCalls   []string
	}{
		{
			name:        "generation times out",
			err:         context.DeadlineExceeded,
			wantStatus:  StatusFailed,
			wantBalance: 5,
			wantCalls:   []string{"reserve:image_render_reservation", "release:image_render_release"},
		},
		{
			name:        "client disconnects after generation",
			image:       successfulImage().image,
			wantStatus:  StatusSucceeded,
			wantBalance: 4,
			wantCalls:   []string{"reserve:image_render_reservation", "finalize:image_render_finalization"},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			generator := cancellingImageGenerator{cancel: cancel, image: testCase.image, err: testCase.err}
			fixture := newServiceFixture(test, 5, generator, &stubVideoProvider{})

			render, err := fixture.service.GenerateImage(ctx, ImageRequest{
				AccountID: mustAccount(test),
				ProjectID: testProject,
				Prompt:    ImagePrompt{Prompt: "a red bicycle"},
			})
			if testCase.err != nil && !errors.Is(err, testCase.err) {
				test.Fatalf("expected %v, got %v", testCase.err, err)
			}
			if testCase.err == nil && err != nil {
				test.Fatalf("generate image: %v", err)
			}
			stored, getErr := fixture.store.GetRender(context.Background(), render.ID)
			if getErr != nil {
				test.Fatalf("get render: %v", getErr)
			}
			if stored.Status != testCase.wantStatus {
				test.Fatalf("expected stored status %s, got %s", testCase.wantStatus, stored.Status)
			}
			assertFakeBalance(test, fixture.ledger, testCase.wantBalance)
			if strings.Join(fixture.ledger.calls, ",") != strings.Join(testCase.wantCalls, ",") {
				test.Fatalf("expected calls %v, got %v", testCase.wantCalls, fixture.ledger.calls)
			}
			if testCase.wantStatus == StatusFailed && !fixture.ledger.heldFor(render.ID).IsZero() {
				test.Fatalf("expected reservation to be released, still holding %s", fixture.ledger.heldFor(render.ID))
			}
		})
	}
}

func TestSubmitVideoReleasesAfterRequestContextEnds(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := newServiceFixture(test, 10, successfulImage(), &stubVideoProvider{})
	fixture.service.videos = cancellingVideoProvider{cancel: cancel, err: context.Canceled}

	render, err := fixture.service.SubmitVideo(ctx, VideoRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Kind:      KindVideoFinal,
		Prompt:    "a drone shot",
	})
	if !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context.Canceled, got %v", err)
	}
	stored, err := fixture.store.GetRender(context.Background(), render.ID)
	if err != nil {
		test.Fatalf("get render: %v", err)
	}
	if stored.Status != StatusFailed {
		test.Fatalf("expected FAILED, got %s", stored.Status)
	}
	assertFakeBalance(test, fixture.ledger, 10)
}

func TestGenerateImageSucceededUpdateFailureReleases(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, 5, successfulImage(), &stubVideoProvider{})
	fixture.store.failStatus = StatusSucceeded

	render, err := fixture.service.GenerateImage(context.Background(), ImageRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Prompt:    ImagePrompt{Prompt: "a red bicycle"},
	})
	if err == nil || !strings.Contains(err.Error(), "mark render succeeded") {
		test.Fatalf("expected succeeded update error, got %v", err)
	}
	if render.Status != StatusFailed {
		test.Fatalf("expected FAILED, got %s", render.Status)
	}
	assertFakeBalance(test, fixture.ledger, 5)
	expectedCalls := []string{"reserve:image_render_reservation", "release:image_render_release"}
	if strings.Join(fixture.ledger.calls, ",") != strings.Join(expectedCalls, ",") {
		test.Fatalf("expected calls %v, got %v", expectedCalls, fixture.ledger.calls)
	}
	assertEventTypes(test, fixture.recorder, usage.EventRenderRequested, usage.EventRenderFailed)
	if fixture.recorder.events[1].Metadata[usage.MetadataKeyErrorCode] != errorCodeSettlementFailed {
		test.Fatalf("expected error code %s, got %v", errorCodeSettlementFailed, fixture.recorder.events[1].Metadata)
	}
}

func TestGenerateImageFinalizeRetries(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		finalizeErrs  []error
		wantErr       error
		wantFinalizes int
		wantBalance   int64
	}{
		{
			name:          "store error then success",
			finalizeErrs:  []error{errors.New("connection reset")},
			wantFinalizes: 2,
			wantBalance:   9,
		},
		{
			name:          "ledger rejection is not retried",
			finalizeErrs:  []error{ledger.ErrRenderOwnership},
			wantErr:       ledger.ErrRenderOwnership,
			wantFinalizes: 1,
			wantBalance:   9,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newServiceFixture(test, 10, successfulImage(), &stubVideoProvider{})
			fixture.ledger.finalizeErrs = testCase.finalizeErrs

			render, err := fixture.service.GenerateImage(context.Background(), ImageRequest{
				AccountID: mustAccount(test),
				ProjectID: testProject,
				Prompt:    ImagePrompt{Prompt: "a red bicycle"},
			})
			if testCase.wantErr == nil && err != nil {
				test.Fatalf("generate image: %v", err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if render.Status != StatusSucceeded {
				test.Fatalf("expected SUCCEEDED, got %s", render.Status)
			}
			finalizes := 0
			for _, call := range fixture.ledger.calls {
				if strings.HasPrefix(call, "finalize:") {
					finalizes++
				}
			}
			if finalizes != testCase.wantFinalizes {
				test.Fatalf("expected %d finalize calls, got %v", testCase.wantFinalizes, fixture.ledger.calls)
			}
			assertFakeBalance(test, fixture.ledger, testCase.wantBalance)
		})
	}
}

func TestGenerateImageRequiresProviders(test *testing.T) {
	test.Parallel()
	service, err := NewService(newMemoryRenderStore(), newFakeLedger(5), &eventRecorder{})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	_, err = service.GenerateImage(context.Background(), ImageRequest{AccountID: mustAccount(test), ProjectID: testProject, Prompt: ImagePrompt{Prompt: "x"}})
	if !errors.Is(err, ErrProviderUnavailable) {
		test.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestSubmitVideoReservesAndTracksJob(test *testing.T) {
	test.Parallel()
	videos := &stubVideoProvider{receipt: VideoJobReceipt{JobID: "job-1"}}
	fixture := newServiceFixture(test, 10, successfulImage(), videos)

	render, err := fixture.service.SubmitVideo(context.Background(), VideoRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Kind:      KindVideoPreview,
		Prompt:    "a drone shot",
	})
	if err != nil {
		test.Fatalf("submit video: %v", err)
	}
	if render.Status != StatusProcessing || render.ProviderJobID != "job-1" {
		test.Fatalf("expected PROCESSING with job id, got %s %q", render.Status, render.ProviderJobID)
	}
	assertFakeBalance(test, fixture.ledger, 7)
	if len(fixture.tracker.jobs) != 1 || fixture.tracker.jobs[0].ProviderJobID != "job-1" {
		test.Fatalf("expected tracked job, got %+v", fixture.tracker.jobs)
	}
	if videos.jobs[0].RenderID != render.ID {
		test.Fatalf("expected provider job to carry render id")
	}
}

func TestSubmitVideoAdjustsToProviderEstimate(test *testing.T) {
	test.Parallel()
	estimate := ledger.ClampCredits(decimal.NewFromInt(8))
	videos := &stubVideoProvider{receipt: VideoJobReceipt{JobID: "job-2", EstimatedCredits: &estimate}}
	fixture := newServiceFixture(test, 10, successfulImage(), videos)

	render, err := fixture.service.SubmitVideo(context.Background(), VideoRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Kind:      KindVideoFinal,
		Prompt:    "a drone shot",
	})
	if err != nil {
		test.Fatalf("submit video: %v", err)
	}
	if render.EstimatedCredits == nil || !render.EstimatedCredits.Equal(estimate) {
		test.Fatalf("expected estimate to be stored")
	}
	assertFakeBalance(test, fixture.ledger, 2)
	if fixture.ledger.calls[1] != "adjust:video_final_reservation_adjustment" {
		test.Fatalf("unexpected adjust call %v", fixture.ledger.calls)
	}
}

func TestSubmitVideoInsufficientForEstimateReleases(test *testing.T) {
	test.Parallel()
	estimate := ledger.ClampCredits(decimal.NewFromInt(20))
	videos := &stubVideoProvider{receipt: VideoJobReceipt{JobID: "job-3", EstimatedCredits: &estimate}}
	fixture := newServiceFixture(test, 10, successfulImage(), videos)

	render, err := fixture.service.SubmitVideo(context.Background(), VideoRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Kind:      KindVideoPreview,
		Prompt:    "a drone shot",
	})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if render.Status != StatusFailed {
		test.Fatalf("expected FAILED, got %s", render.Status)
	}
	assertFakeBalance(test, fixture.ledger, 10)
	if len(fixture.tracker.jobs) != 0 {
		test.Fatalf("expected no tracked job")
	}
}

func TestSubmitVideoProviderErrorReleases(test *testing.T) {
	test.Parallel()
	providerErr := &GenerationError{Kind: GenerationTransient, Message: "upstream 503"}
	videos := &stubVideoProvider{err: providerErr}
	fixture := newServiceFixture(test, 10, successfulImage(), videos)

	render, err := fixture.service.SubmitVideo(context.Background(), VideoRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Kind:      KindVideoPreview,
		Prompt:    "a drone shot",
	})
	if !errors.Is(err, providerErr) {
		test.Fatalf("expected provider error, got %v", err)
	}
	if render.Status != StatusFailed || render.Error != "upstream 503" {
		test.Fatalf("unexpected render %s %q", render.Status, render.Error)
	}
	assertFakeBalance(test, fixture.ledger, 10)
	if fixture.ledger.calls[1] != "release:video_preview_release" {
		test.Fatalf("unexpected calls %v", fixture.ledger.calls)
	}
}

func TestSubmitVideoTrackingFailureIsBestEffort(test *testing.T) {
	test.Parallel()
	videos := &stubVideoProvider{receipt: VideoJobReceipt{JobID: "job-4"}}
	fixture := newServiceFixture(test, 10, successfulImage(), videos)
	fixture.tracker.err = errors.New("redis down")

	render, err := fixture.service.SubmitVideo(context.Background(), VideoRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Kind:      KindVideoPreview,
		Prompt:    "a drone shot",
	})
	if err != nil {
		test.Fatalf("expected tracking failure to be ignored, got %v", err)
	}
	if render.Status != StatusProcessing {
		test.Fatalf("expected PROCESSING, got %s", render.Status)
	}
}

func TestSubmitVideoRejectsImageKind(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, 10, successfulImage(), &stubVideoProvider{})
	_, err := fixture.service.SubmitVideo(context.Background(), VideoRequest{
		AccountID: mustAccount(test),
		ProjectID: testProject,
		Kind:      KindImage,
		Prompt:    "x",
	})
	if !errors.Is(err, ErrInvalidKind) {
		test.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if len(fixture.ledger.calls) != 0 {
		test.Fatalf("expected no ledger calls")
	}
}

func TestGetRenderHidesOtherAccounts(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, 10, successfulImage(), &stubVideoProvider{})
	if err := fixture.store.CreateRender(context.Background(), Render{ID: "rnd_other", AccountID: "user-999", Kind: KindImage, Status: StatusQueued}); err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := fixture.service.GetRender(context.Background(), mustAccount(test), "rnd_other"); !errors.Is(err, ledger.ErrRenderNotFound) {
		test.Fatalf("expected ErrRenderNotFound, got %v", err)
	}
}

func TestListRendersScopesToAccountAndClampsLimit(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, 10, successfulImage(), &stubVideoProvider{})
	for _, render := range []Render{
		{ID: "rnd_1", AccountID: testAccount, Kind: KindImage, Status: StatusSucceeded},
		{ID: "rnd_2", AccountID: testAccount, Kind: KindVideoPreview, Status: StatusQueued},
		{ID: "rnd_3", AccountID: "user-999", Kind: KindImage, Status: StatusQueued},
	} {
		if err := fixture.store.CreateRender(context.Background(), render); err != nil {
			test.Fatalf("create: %v", err)
		}
	}
	renders, err := fixture.service.ListRenders(context.Background(), mustAccount(test), ListFilter{AccountID: "user-999", Limit: 1000})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(renders) != 2 {
		test.Fatalf("expected 2 renders for account, got %d", len(renders))
	}
	if renders[0].ID != "rnd_2" {
		test.Fatalf("expected newest first, got %s", renders[0].ID)
	}
}

func TestCanTransitionIsForwardOnly(test *testing.T) {
	test.Parallel()
	cases := []struct {
		from     Status
		to       Status
		expected bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusSucceeded, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusQueued, false},
		{StatusProcessing, StatusFailed, true},
		{StatusSucceeded, StatusProcessing, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusSucceeded, false},
	}
	for _, testCase := range cases {
		if actual := CanTransition(testCase.from, testCase.to); actual != testCase.expected {
			test.Fatalf("CanTransition(%s, %s) = %v, expected %v", testCase.from, testCase.to, actual, testCase.expected)
		}
	}
}

func TestAssetKeyUsesMimeSubtype(test *testing.T) {
	test.Parallel()
	if key := AssetKey("p1", "rnd_1", "image/webp"); key != "projects/p1/renders/rnd_1/image.webp" {
		test.Fatalf("unexpected key %q", key)
	}
	if key := AssetKey("p1", "rnd_1", ""); key != "projects/p1/renders/rnd_1/image.png" {
		test.Fatalf("unexpected fallback key %q", key)
	}
}
