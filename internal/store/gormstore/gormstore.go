package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintIdempotencyKey  = "uniq_credit_transactions_idempotency_key"
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	pgSerializationFailure    = "40001"
	pgDeadlockDetected        = "40P01"
	sqliteBusyCode            = 5
	sqliteLockedCode          = 6
	sqliteConstraintCode      = 19
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectRender        = "render"
	errorSubjectTransaction   = "transaction"
	errorSubjectUsageEvent    = "usage_event"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeSum              = "sum"
	errorCodeUpdateBalance    = "update_balance"
	errorCodeUpdateLedger     = "update_ledger"
	errorCodeUpdateStatus     = "update_status"
	signedAmountSumExpression = "coalesce(sum(case when direction = 'CREDIT' then amount else -amount end),0) as total"
)

// Store implements ledger.Store, render.Store and usage.Store using GORM.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, now: store.now})
	})
}

func (store *Store) CreateAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	now := store.now().UTC()
	account := Account{AccountID: accountID.String(), Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, translateError(err))
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.getAccount(store.db.WithContext(ctx), accountID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.getAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), accountID)
}

func (store *Store) getAccount(query *gorm.DB, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := query.Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, translateError(err))
	}
	return mapAccount(model)
}

func (store *Store) UpdateAccountBalance(ctx context.Context, account ledger.Account, balance decimal.Decimal) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", account.ID.String(), account.Version).
		Updates(map[string]interface{}{
			"balance":    balance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": store.now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, ledger.ErrConflict)
	}
	return nil
}

func (store *Store) GetRenderStateForUpdate(ctx context.Context, renderID ledger.RenderID) (ledger.RenderState, error) {
	var model Render
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("render_id", "account_id", "reserved_credits", "credits_finalized", "ledger_version").
		Where("render_id = ?", renderID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeGet, ledger.ErrRenderNotFound)
		}
		return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeGet, translateError(err))
	}
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeInvalid, err)
	}
	reserved, err := ledger.NewCredits(model.ReservedCredits)
	if err != nil {
		return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeInvalid, err)
	}
	return ledger.RenderState{
		RenderID:         renderID,
		AccountID:        accountID,
		ReservedCredits:  reserved,
		CreditsFinalized: model.CreditsFinalized,
		Version:          model.LedgerVersion,
	}, nil
}

func (store *Store) UpdateRenderState(ctx context.Context, state ledger.RenderState) error {
	result := store.db.WithContext(ctx).
		Model(&Render{}).
		Where("render_id = ? AND ledger_version = ?", state.RenderID.String(), state.Version).
		Updates(map[string]interface{}{
			"reserved_credits":  state.ReservedCredits.Decimal(),
			"credits_finalized": state.CreditsFinalized,
			"ledger_version":    gorm.Expr("ledger_version + 1"),
			"updated_at":        store.now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRender, errorCodeUpdateLedger, translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRender, errorCodeUpdateLedger, ledger.ErrConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	metadata, err := encodeMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	model := CreditTransaction{
		TransactionID:  transaction.ID,
		AccountID:      transaction.AccountID.String(),
		RenderID:       optionalString(transaction.RenderID.String()),
		Amount:         transaction.Amount.Decimal(),
		Direction:      transaction.Direction.String(),
		Reason:         transaction.Reason.String(),
		Metadata:       metadata,
		IdempotencyKey: optionalString(transaction.IdempotencyKey.String()),
		CreatedAt:      transaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = store.now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, translateError(err))
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	before := filter.Before
	if before.IsZero() {
		before = store.now().UTC().Add(time.Second)
	}
	query := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", filter.AccountID.String(), before)
	if !filter.RenderID.IsZero() {
		query = query.Where("render_id = ?", filter.RenderID.String())
	}
	var rows []CreditTransaction
	err := query.
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(filter.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, translateError(err))
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, accountID ledger.AccountID) (decimal.Decimal, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select(signedAmountSumExpression).
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectTransaction, errorCodeSum, translateError(err))
	}
	return sum.Total, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total decimal.Decimal
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		ID:        accountID,
		Balance:   model.Balance,
		Version:   model.Version,
		CreatedAt: model.CreatedAt,
	}, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var renderID ledger.RenderID
	if row.RenderID != nil {
		renderID, err = ledger.NewRenderID(*row.RenderID)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	amount, err := ledger.NewCredits(row.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	direction, err := ledger.ParseDirection(row.Direction)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.NewReason(row.Reason)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := decodeMetadata(row.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var idempotencyKey ledger.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	return ledger.Transaction{
		ID:             row.TransactionID,
		AccountID:      accountID,
		RenderID:       renderID,
		Amount:         amount,
		Direction:      direction,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func encodeMetadata(metadata ledger.Metadata) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func decodeMetadata(raw datatypes.JSON) (ledger.Metadata, error) {
	if len(raw) == 0 {
		return ledger.Metadata{}, nil
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidMetadata, err)
	}
	return ledger.Metadata(values), nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// translateError marks lost races reported by the database as
// ledger.ErrConflict so the service retries them.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		if primary == sqliteBusyCode || primary == sqliteLockedCode {
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		}
	}
	return err
}
