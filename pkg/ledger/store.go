package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract used by Service.
//
// Methods suffixed ForUpdate lock the row until the surrounding WithTx
// commits. Update methods compare the Version field of their argument with
// the stored row and return ErrConflict on mismatch.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccountBalance(ctx context.Context, account Account, balance decimal.Decimal) error
	GetRenderStateForUpdate(ctx context.Context, renderID RenderID) (RenderState, error)
	UpdateRenderState(ctx context.Context, state RenderState) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	SumTransactions(ctx context.Context, accountID AccountID) (decimal.Decimal, error)
}
