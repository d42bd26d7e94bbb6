package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpenAccount creates the account with a zero balance if it does not exist.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID) (Account, error) {
	account, operationError := service.store.CreateAccount(ctx, accountID)
	service.logOperation(ctx, OperationOpenAccount, accountID, RenderID{}, Credits{}, Reason{}, nil, Result{Account: account}, operationError)
	return account, operationError
}

// Grant credits the account outside of any render, e.g. for purchases.
// A repeated idempotency key fails with ErrDuplicateIdempotencyKey and
// leaves the balance unchanged.
func (service *Service) Grant(ctx context.Context, accountID AccountID, amount Credits, idempotencyKey IdempotencyKey, reason Reason, metadata Metadata) (Result, error) {
	if amount.IsZero() {
		return Result{}, fmt.Errorf("%w: grant must be greater than zero", ErrInvalidCredits)
	}
	if idempotencyKey.IsZero() {
		return Result{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	result, operationError := service.retry(ctx, func() (Result, error) {
		var result Result
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.CreateAccount(ctx, accountID); err != nil {
				return err
			}
			account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			transaction := Transaction{
				ID:             uuid.NewString(),
				AccountID:      accountID,
				Amount:         amount,
				Direction:      DirectionCredit,
				Reason:         reason,
				Metadata:       metadata,
				IdempotencyKey: idempotencyKey,
				CreatedAt:      service.nowFn().UTC(),
			}
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			nextBalance := account.Balance.Add(amount.Decimal())
			if err := transactionStore.UpdateAccountBalance(ctx, account, nextBalance); err != nil {
				return err
			}
			account.Balance = nextBalance
			account.Version++
			result = Result{Account: account, Transaction: &transaction, Delta: amount.Decimal(), Applied: true}
			return nil
		})
		return result, err
	})
	service.logOperation(ctx, OperationGrant, accountID, RenderID{}, amount, reason, metadata, result, operationError)
	return result, operationError
}

// Balance returns the current account state.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// ListTransactions lists transactions newest first.
func (service *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.Limit < 0 || filter.Limit > maxListLimit {
		return nil, fmt.Errorf("%w: %d", ErrInvalidListLimit, filter.Limit)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Before.IsZero() {
		filter.Before = service.nowFn().UTC().Add(time.Second)
	}
	if _, err := service.store.GetAccount(ctx, filter.AccountID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, filter)
}

// Reconcile compares the stored balance with the sum of signed transactions.
func (service *Service) Reconcile(ctx context.Context, accountID AccountID) (Reconciliation, error) {
	var reconciliation Reconciliation
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		reconciliation = Reconciliation{
			AccountID:  accountID,
			Balance:    account.Balance,
			LedgerSum:  sum,
			Consistent: account.Balance.Equal(sum),
		}
		return nil
	})
	return reconciliation, err
}
