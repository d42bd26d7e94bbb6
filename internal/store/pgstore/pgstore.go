// Package pgstore implements ledger.Store directly on a pgx pool. It reads
// and writes the same accounts, renders and credit_transactions tables that
// gormstore migrates.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintIdempotencyKey = "uniq_credit_transactions_idempotency_key"
	pgUniqueViolationCode    = "23505"
	pgSerializationFailure   = "40001"
	pgDeadlockDetected       = "40P01"
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectRender       = "render"
	errorSubjectTransaction  = "transaction"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeSum             = "sum"
	errorCodeUpdateBalance   = "update_balance"
	errorCodeUpdateLedger    = "update_ledger"

	sqlInsertAccount = `
		insert into accounts(account_id, balance, version, created_at, updated_at)
		values ($1, 0, 0, $2, $2)
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, balance::text, version, created_at
		from accounts
		where account_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateAccountBalance = `
		update accounts
		set balance = $3::numeric, version = version + 1, updated_at = $4
		where account_id = $1 and version = $2
	`

	sqlSelectRenderStateForUpdate = `
		select account_id, reserved_credits::text, credits_finalized, ledger_version
		from renders
		where render_id = $1
		for update
	`

	sqlUpdateRenderState = `
		update renders
		set reserved_credits = $3::numeric, credits_finalized = $4, ledger_version = ledger_version + 1, updated_at = $5
		where render_id = $1 and ledger_version = $2
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, account_id, render_id, amount, direction, reason, metadata, idempotency_key, created_at
		)
		values ($1, $2, nullif($3,''), $4::numeric, $5, $6, $7::jsonb, nullif($8,''), $9)
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			account_id,
			coalesce(render_id,''),
			amount::text,
			direction,
			reason,
			coalesce(metadata::text,'{}'),
			coalesce(idempotency_key,''),
			created_at
		from credit_transactions
		where account_id = $1 and created_at < $2 and ($3 = '' or render_id = $3)
		order by created_at desc, transaction_id desc
		limit $4
	`

	sqlSumTransactions = `
		select coalesce(sum(case when direction = 'CREDIT' then amount else -amount end),0)::text
		from credit_transactions
		where account_id = $1
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db  querier
	now func() time.Time
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool, now: time.Now}}
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pool, nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, translateError(err))
	}
	transactionStore := &TxStore{queries: queries{db: tx, now: store.now}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, translateError(err))
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) CreateAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, accountID.String(), store.now().UTC()); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, translateError(err))
	}
	return store.GetAccount(ctx, accountID)
}

func (store queries) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount, accountID)
}

func (store queries) GetAccountForUpdate(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccountForUpdate, accountID)
}

func (store queries) selectAccount(ctx context.Context, query string, accountID ledger.AccountID) (ledger.Account, error) {
	var (
		accountValue string
		balanceValue string
		version      int64
		createdAt    time.Time
	)
	err := store.db.QueryRow(ctx, query, accountID.String()).Scan(&accountValue, &balanceValue, &version, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, translateError(err))
	}
	parsedAccountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{ID: parsedAccountID, Balance: balance, Version: version, CreatedAt: createdAt}, nil
}

func (store queries) UpdateAccountBalance(ctx context.Context, account ledger.Account, balance decimal.Decimal) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccountBalance, account.ID.String(), account.Version, balance.String(), store.now().UTC())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, translateError(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, ledger.ErrConflict)
	}
	return nil
}

func (store queries) GetRenderStateForUpdate(ctx context.Context, renderID ledger.RenderID) (ledger.RenderState, error) {
	var (
		accountValue  string
		reservedValue string
		finalized     bool
		version       int64
	)
	err := store.db.QueryRow(ctx, sqlSelectRenderStateForUpdate, renderID.String()).Scan(&accountValue, &reservedValue, &finalized, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeGet, ledger.ErrRenderNotFound)
		}
		return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeGet, translateError(err))
	}
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeInvalid, err)
	}
	reserved, err := ledger.ParseCredits(reservedValue)
	if err != nil {
		return ledger.RenderState{}, wrapStoreError(errorSubjectRender, errorCodeInvalid, err)
	}
	return ledger.RenderState{
		RenderID:         renderID,
		AccountID:        accountID,
		ReservedCredits:  reserved,
		CreditsFinalized: finalized,
		Version:          version,
	}, nil
}

func (store queries) UpdateRenderState(ctx context.Context, state ledger.RenderState) error {
	tag, err := store.db.Exec(ctx, sqlUpdateRenderState,
		state.RenderID.String(),
		state.Version,
		state.ReservedCredits.String(),
		state.CreditsFinalized,
		store.now().UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectRender, errorCodeUpdateLedger, translateError(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRender, errorCodeUpdateLedger, ledger.ErrConflict)
	}
	return nil
}

func (store queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	metadata, err := encodeMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createdAt := transaction.CreatedAt
	if createdAt.IsZero() {
		createdAt = store.now().UTC()
	}
	_, err = store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.AccountID.String(),
		transaction.RenderID.String(),
		transaction.Amount.String(),
		transaction.Direction.String(),
		transaction.Reason.String(),
		metadata,
		transaction.IdempotencyKey.String(),
		createdAt,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, translateError(err))
	}
	return nil
}

func (store queries) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	before := filter.Before
	if before.IsZero() {
		before = store.now().UTC().Add(time.Second)
	}
	rows, err := store.db.Query(ctx, sqlListTransactions, filter.AccountID.String(), before, filter.RenderID.String(), filter.Limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, translateError(err))
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) SumTransactions(ctx context.Context, accountID ledger.AccountID) (decimal.Decimal, error) {
	var sumValue string
	if err := store.db.QueryRow(ctx, sqlSumTransactions, accountID.String()).Scan(&sumValue); err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectTransaction, errorCodeSum, translateError(err))
	}
	sum, err := decimal.NewFromString(sumValue)
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return sum, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionID    string
			accountValue     string
			renderValue      string
			amountValue      string
			directionValue   string
			reasonValue      string
			metadataValue    string
			idempotencyValue string
			createdAt        time.Time
		)
		if err := rows.Scan(
			&transactionID,
			&accountValue,
			&renderValue,
			&amountValue,
			&directionValue,
			&reasonValue,
			&metadataValue,
			&idempotencyValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		transaction, err := newTransaction(transactionID, accountValue, renderValue, amountValue, directionValue, reasonValue, metadataValue, idempotencyValue, createdAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func newTransaction(transactionID, accountValue, renderValue, amountValue, directionValue, reasonValue, metadataValue, idempotencyValue string, createdAt time.Time) (ledger.Transaction, error) {
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var renderID ledger.RenderID
	if renderValue != "" {
		renderID, err = ledger.NewRenderID(renderValue)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	amount, err := ledger.ParseCredits(amountValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	direction, err := ledger.ParseDirection(directionValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.NewReason(reasonValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := decodeMetadata(metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var idempotencyKey ledger.IdempotencyKey
	if idempotencyValue != "" {
		idempotencyKey, err = ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	return ledger.Transaction{
		ID:             transactionID,
		AccountID:      accountID,
		RenderID:       renderID,
		Amount:         amount,
		Direction:      direction,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      createdAt,
	}, nil
}

func encodeMetadata(metadata ledger.Metadata) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeMetadata(raw string) (ledger.Metadata, error) {
	if raw == "" {
		return ledger.Metadata{}, nil
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidMetadata, err)
	}
	return ledger.Metadata(values), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
	}
	return false
}

// translateError marks serialization failures and deadlocks as
// ledger.ErrConflict so the service retries them.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	}
	return err
}
