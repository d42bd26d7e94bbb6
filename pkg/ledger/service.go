package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the reservation logic over a Store.
type Service struct {
	store                Store
	nowFn                func() time.Time
	logger               OperationLogger
	retryAttempts        uint
	retryInitialInterval time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                store,
		nowFn:                now,
		retryAttempts:        defaultRetryAttempts,
		retryInitialInterval: defaultRetryInitialInterval,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve moves amount from the balance into the render's reservation.
// A zero amount commits nothing and returns the current account and render.
func (service *Service) Reserve(ctx context.Context, accountID AccountID, renderID RenderID, amount Credits, reason Reason, metadata Metadata) (Result, error) {
	result, operationError := service.applyLedgerOp(ctx, accountID, renderID, reason, metadata, func(account Account, render RenderState) (ledgerPlan, error) {
		if amount.IsZero() {
			return ledgerPlan{}, nil
		}
		if render.CreditsFinalized || !render.ReservedCredits.IsZero() {
			return ledgerPlan{}, ErrReservationExists
		}
		if account.Balance.LessThan(amount.Decimal()) {
			return ledgerPlan{}, ErrInsufficientCredits
		}
		return ledgerPlan{
			applied:      true,
			balanceDelta: amount.Decimal().Neg(),
			reserved:     amount,
			direction:    DirectionDebit,
			amount:       amount,
		}, nil
	})
	service.logOperation(ctx, OperationReserve, accountID, renderID, amount, reason, metadata, result, operationError)
	return result, operationError
}

// AdjustReservation moves the reservation to newAmount, debiting or
// refunding the difference. Changes smaller than AdjustmentEpsilon and
// adjustments on finalized renders are no-ops.
func (service *Service) AdjustReservation(ctx context.Context, accountID AccountID, renderID RenderID, newAmount Credits, reason Reason, metadata Metadata) (Result, error) {
	result, operationError := service.applyLedgerOp(ctx, accountID, renderID, reason, metadata, func(account Account, render RenderState) (ledgerPlan, error) {
		if render.CreditsFinalized {
			return ledgerPlan{}, nil
		}
		delta := newAmount.Decimal().Sub(render.ReservedCredits.Decimal())
		if delta.Abs().LessThan(AdjustmentEpsilon) {
			return ledgerPlan{}, nil
		}
		if delta.IsPositive() && account.Balance.LessThan(delta) {
			return ledgerPlan{}, ErrInsufficientCredits
		}
		return planDelta(delta, newAmount, false), nil
	})
	service.logOperation(ctx, OperationAdjust, accountID, renderID, newAmount, reason, metadata, result, operationError)
	return result, operationError
}

// FinalizeCharge settles the render at finalAmount and marks it finalized.
// The balance is not checked and may become negative.
func (service *Service) FinalizeCharge(ctx context.Context, accountID AccountID, renderID RenderID, finalAmount Credits, reason Reason, metadata Metadata) (Result, error) {
	result, operationError := service.applyLedgerOp(ctx, accountID, renderID, reason, metadata, func(account Account, render RenderState) (ledgerPlan, error) {
		if render.CreditsFinalized {
			return ledgerPlan{}, nil
		}
		delta := finalAmount.Decimal().Sub(render.ReservedCredits.Decimal())
		return planDelta(delta, finalAmount, true), nil
	})
	service.logOperation(ctx, OperationFinalize, accountID, renderID, finalAmount, reason, metadata, result, operationError)
	return result, operationError
}

// Release refunds the whole reservation unless the render is finalized or
// holds nothing.
func (service *Service) Release(ctx context.Context, accountID AccountID, renderID RenderID, reason Reason, metadata Metadata) (Result, error) {
	result, operationError := service.applyLedgerOp(ctx, accountID, renderID, reason, metadata, func(account Account, render RenderState) (ledgerPlan, error) {
		if render.CreditsFinalized || render.ReservedCredits.IsZero() {
			return ledgerPlan{}, nil
		}
		return ledgerPlan{
			applied:      true,
			balanceDelta: render.ReservedCredits.Decimal(),
			reserved:     Credits{},
			direction:    DirectionCredit,
			amount:       render.ReservedCredits,
		}, nil
	})
	var released Credits
	if result.Transaction != nil {
		released = result.Transaction.Amount
	}
	service.logOperation(ctx, OperationRelease, accountID, renderID, released, reason, metadata, result, operationError)
	return result, operationError
}

// ledgerPlan is the mutation computed from a locked account and render.
type ledgerPlan struct {
	applied      bool
	balanceDelta decimal.Decimal
	reserved     Credits
	finalize     bool
	direction    Direction
	amount       Credits
}

type planFunc func(account Account, render RenderState) (ledgerPlan, error)

// planDelta turns a reservation change into a balance mutation. delta is
// the increase in what the render costs the account.
func planDelta(delta decimal.Decimal, reserved Credits, finalize bool) ledgerPlan {
	plan := ledgerPlan{
		applied:      true,
		balanceDelta: delta.Neg(),
		reserved:     reserved,
		finalize:     finalize,
	}
	switch {
	case delta.IsPositive():
		plan.direction = DirectionDebit
		plan.amount = ClampCredits(delta)
	case delta.IsNegative():
		plan.direction = DirectionCredit
		plan.amount = ClampCredits(delta.Abs())
	}
	return plan
}

// applyLedgerOp locks the account then the render, computes the mutation
// with plan and commits it together with its transaction record. Conflicts
// restart the whole cycle from freshly read state.
func (service *Service) applyLedgerOp(ctx context.Context, accountID AccountID, renderID RenderID, reason Reason, metadata Metadata, plan planFunc) (Result, error) {
	return service.retry(ctx, func() (Result, error) {
		var result Result
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			render, err := transactionStore.GetRenderStateForUpdate(ctx, renderID)
			if err != nil {
				return err
			}
			if render.AccountID != accountID {
				return ErrRenderOwnership
			}
			step, err := plan(account, render)
			if err != nil {
				return err
			}
			result = Result{Account: account, Render: render, Delta: decimal.Zero}
			if !step.applied {
				return nil
			}
			if !step.balanceDelta.IsZero() {
				nextBalance := account.Balance.Add(step.balanceDelta)
				if err := transactionStore.UpdateAccountBalance(ctx, account, nextBalance); err != nil {
					return err
				}
				account.Balance = nextBalance
				account.Version++
			}
			nextRender := render
			nextRender.ReservedCredits = step.reserved
			nextRender.CreditsFinalized = render.CreditsFinalized || step.finalize
			if err := transactionStore.UpdateRenderState(ctx, nextRender); err != nil {
				return err
			}
			nextRender.Version++
			result = Result{Account: account, Render: nextRender, Delta: step.balanceDelta, Applied: true}
			if step.amount.IsZero() {
				return nil
			}
			transaction := Transaction{
				ID:        uuid.NewString(),
				AccountID: accountID,
				RenderID:  renderID,
				Amount:    step.amount,
				Direction: step.direction,
				Reason:    reason,
				Metadata:  metadata,
				CreatedAt: service.nowFn().UTC(),
			}
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			result.Transaction = &transaction
			return nil
		})
		return result, err
	})
}

// retry runs operation until it succeeds, fails with anything other than
// ErrConflict, or exhausts the attempt budget.
func (service *Service) retry(ctx context.Context, operation func() (Result, error)) (Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = service.retryInitialInterval
	policy.MaxInterval = defaultRetryMaxInterval
	return backoff.Retry(ctx, func() (Result, error) {
		result, err := operation()
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrConflict) {
			return Result{}, err
		}
		return Result{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(service.retryAttempts))
}

func (service *Service) logOperation(ctx context.Context, operation string, accountID AccountID, renderID RenderID, amount Credits, reason Reason, metadata Metadata, result Result, operationError error) {
	if service.logger == nil {
		return
	}
	status := operationStatusOK
	if operationError != nil {
		status = operationStatusError
	}
	service.logger.LogOperation(ctx, OperationLog{
		Operation: operation,
		AccountID: accountID,
		RenderID:  renderID,
		Amount:    amount,
		Delta:     result.Delta,
		Applied:   result.Applied,
		Balance:   result.Account.Balance,
		Reason:    reason,
		Metadata:  metadata,
		Status:    status,
		Error:     operationError,
	})
}
