// Package grpcserver exposes ledger administration (grants, balances,
// transaction history and reconciliation) over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "renderledger.credit.v1.CreditAdmin"

	methodGrant            = "/" + serviceName + "/Grant"
	methodGetBalance       = "/" + serviceName + "/GetBalance"
	methodListTransactions = "/" + serviceName + "/ListTransactions"
	methodReconcile        = "/" + serviceName + "/Reconcile"

	errorInsufficientCredits     = "insufficient_credits"
	errorAccountNotFound         = "account_not_found"
	errorRenderNotFound          = "render_not_found"
	errorRenderOwnership         = "render_ownership"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorReservationExists       = "reservation_exists"
	errorConflict                = "conflict"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidRenderID         = "invalid_render_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidCredits          = "invalid_credits"
	errorInvalidReason           = "invalid_reason"
	errorInvalidMetadata         = "invalid_metadata"
	errorInvalidListLimit        = "invalid_list_limit"

	// DefaultGrantReason labels grants that do not name a reason.
	DefaultGrantReason = "stripe_checkout_credit_purchase"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200
)

// CreditAdminService is the server contract registered with ServiceDesc.
type CreditAdminService interface {
	Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error)
	GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
	ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error)
	Reconcile(ctx context.Context, request *ReconcileRequest) (*ReconcileResponse, error)
}

// ServiceDesc describes the CreditAdmin service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CreditAdminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Grant", Handler: unaryHandler(methodGrant, CreditAdminService.Grant)},
		{MethodName: "GetBalance", Handler: unaryHandler(methodGetBalance, CreditAdminService.GetBalance)},
		{MethodName: "ListTransactions", Handler: unaryHandler(methodListTransactions, CreditAdminService.ListTransactions)},
		{MethodName: "Reconcile", Handler: unaryHandler(methodReconcile, CreditAdminService.Reconcile)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "renderledger/credit_admin",
}

// RegisterCreditAdminServer registers service on registrar.
func RegisterCreditAdminServer(registrar grpc.ServiceRegistrar, service CreditAdminService) {
	registrar.RegisterService(&ServiceDesc, service)
}

func unaryHandler[Request any, Response any](fullMethod string, call func(CreditAdminService, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		service := server.(CreditAdminService)
		if interceptor == nil {
			return call(service, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		return interceptor(ctx, request, info, func(ctx context.Context, decoded any) (any, error) {
			return call(service, ctx, decoded.(*Request))
		})
	}
}

// CreditAdminServer implements CreditAdminService on a ledger.Service.
type CreditAdminServer struct {
	creditService *ledger.Service
	now           func() time.Time
}

// NewCreditAdminServer constructs a gRPC server for the ledger service.
func NewCreditAdminServer(creditService *ledger.Service) *CreditAdminServer {
	return &CreditAdminServer{creditService: creditService, now: time.Now}
}

func (server *CreditAdminServer) Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.ParseCredits(request.Credits)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reasonValue := request.Reason
	if reasonValue == "" {
		reasonValue = DefaultGrantReason
	}
	reason, err := ledger.NewReason(reasonValue)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadata(request.Metadata)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.creditService.Grant(ctx, accountID, amount, idempotencyKey, reason, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &GrantResponse{Balance: result.Account.Balance.String()}
	if result.Transaction != nil {
		response.TransactionID = result.Transaction.ID
	}
	return response, nil
}

func (server *CreditAdminServer) GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, operationError := server.creditService.Balance(ctx, accountID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &BalanceResponse{UserID: account.ID.String(), Balance: account.Balance.String(), Version: account.Version}, nil
}

func (server *CreditAdminServer) ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	filter := ledger.TransactionFilter{AccountID: accountID}
	if request.RenderID != "" {
		filter.RenderID, err = ledger.NewRenderID(request.RenderID)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	limit, err := normalizeListLimit(request.Limit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	filter.Limit = int(limit)
	filter.Before = server.now().UTC().Add(time.Second)
	if request.BeforeUnixUTC > 0 {
		filter.Before = time.Unix(request.BeforeUnixUTC, 0).UTC()
	}
	transactions, operationError := server.creditService.ListTransactions(ctx, filter)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &ListTransactionsResponse{Transactions: make([]Transaction, 0, len(transactions))}
	for _, transaction := range transactions {
		response.Transactions = append(response.Transactions, Transaction{
			TransactionID:  transaction.ID,
			UserID:         transaction.AccountID.String(),
			RenderID:       transaction.RenderID.String(),
			Credits:        transaction.Amount.String(),
			Direction:      transaction.Direction.String(),
			Reason:         transaction.Reason.String(),
			Metadata:       transaction.Metadata,
			IdempotencyKey: transaction.IdempotencyKey.String(),
			CreatedUnixUTC: transaction.CreatedAt.UTC().Unix(),
		})
	}
	return response, nil
}

func (server *CreditAdminServer) Reconcile(ctx context.Context, request *ReconcileRequest) (*ReconcileResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reconciliation, operationError := server.creditService.Reconcile(ctx, accountID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &ReconcileResponse{
		UserID:     accountID.String(),
		Balance:    reconciliation.Balance.String(),
		LedgerSum:  reconciliation.LedgerSum.String(),
		Consistent: reconciliation.Consistent,
	}, nil
}

func normalizeListLimit(limit int32) (int32, error) {
	if limit <= 0 {
		return defaultListTransactionsLimit, nil
	}
	if limit > maxListTransactionsLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListTransactionsLimit)
	}
	return limit, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidAccountID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidRenderID) {
		return status.Error(codes.InvalidArgument, errorInvalidRenderID)
	}
	if errors.Is(source, ledger.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrInvalidCredits) {
		return status.Error(codes.InvalidArgument, errorInvalidCredits)
	}
	if errors.Is(source, ledger.ErrInvalidReason) {
		return status.Error(codes.InvalidArgument, errorInvalidReason)
	}
	if errors.Is(source, ledger.ErrInvalidMetadata) {
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	}
	if errors.Is(source, ledger.ErrInvalidListLimit) {
		return status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	if errors.Is(source, ledger.ErrInsufficientCredits) {
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	}
	if errors.Is(source, ledger.ErrAccountNotFound) {
		return status.Error(codes.NotFound, errorAccountNotFound)
	}
	if errors.Is(source, ledger.ErrRenderNotFound) {
		return status.Error(codes.NotFound, errorRenderNotFound)
	}
	if errors.Is(source, ledger.ErrRenderOwnership) {
		return status.Error(codes.PermissionDenied, errorRenderOwnership)
	}
	if errors.Is(source, ledger.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrReservationExists) {
		return status.Error(codes.AlreadyExists, errorReservationExists)
	}
	if errors.Is(source, ledger.ErrConflict) {
		return status.Error(codes.Aborted, errorConflict)
	}
	return status.Error(codes.Internal, source.Error())
}
