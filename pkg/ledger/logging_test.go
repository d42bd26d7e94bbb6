package ledger

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsReserveOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, "10")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	accountID := mustAccountID(test, testAccountValue)
	renderID := store.mustAddRender(test, testRenderValue, accountID)
	metadata := Metadata{MetadataKeyProjectID: "proj-1"}

	if _, err := service.Reserve(context.Background(), accountID, renderID, mustCredits(test, "3"), mustReason(test, "image_render_reservation"), metadata); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != OperationReserve || entry.AccountID != accountID || entry.RenderID != renderID {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if !entry.Applied || entry.Status != operationStatusOK || entry.Error != nil {
		test.Fatalf("expected applied successful entry, got %+v", entry)
	}
	if entry.Metadata[MetadataKeyProjectID] != "proj-1" {
		test.Fatalf("expected metadata to be forwarded, got %+v", entry.Metadata)
	}
	if entry.Balance.String() != "7" {
		test.Fatalf("expected committed balance 7, got %s", entry.Balance)
	}
}

func TestServiceLogsAfterTransactionCompletes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, "10")
	logger := &commitCheckingLogger{store: store}
	service := mustNewService(test, store, WithOperationLogger(logger))
	accountID := mustAccountID(test, testAccountValue)
	renderID := store.mustAddRender(test, testRenderValue, accountID)

	if _, err := service.Reserve(context.Background(), accountID, renderID, mustCredits(test, "3"), mustReason(test, "image_render_reservation"), nil); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if logger.transactionsSeen != 1 {
		test.Fatalf("expected logger to observe the committed transaction, saw %d", logger.transactionsSeen)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, "1")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	accountID := mustAccountID(test, testAccountValue)
	renderID := store.mustAddRender(test, testRenderValue, accountID)

	_, err := service.Reserve(context.Background(), accountID, renderID, mustCredits(test, "3"), mustReason(test, "image_render_reservation"), nil)
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Status != operationStatusError || !errors.Is(entry.Error, ErrInsufficientCredits) || entry.Applied {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestServiceLogsReleasedAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, "10")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	accountID := mustAccountID(test, testAccountValue)
	renderID := store.mustAddRender(test, testRenderValue, accountID)
	mustReserve(test, service, accountID, renderID, "4")

	if _, err := service.Release(context.Background(), accountID, renderID, mustReason(test, "image_render_release"), nil); err != nil {
		test.Fatalf("release: %v", err)
	}
	entry := logger.entries[len(logger.entries)-1]
	if entry.Operation != OperationRelease || !entry.Amount.Equal(mustCredits(test, "4")) {
		test.Fatalf("unexpected release entry: %+v", entry)
	}
}

type commitCheckingLogger struct {
	store            *stubStore
	transactionsSeen int
}

func (logger *commitCheckingLogger) LogOperation(_ context.Context, _ OperationLog) {
	logger.transactionsSeen = len(logger.store.transactions)
}
