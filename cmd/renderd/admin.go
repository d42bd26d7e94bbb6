package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
)

const (
	flagLedgerAddr      = "ledger-addr"
	flagLedgerInsecure  = "ledger-insecure"
	flagLedgerTimeout   = "ledger-timeout"
	flagUserID          = "user-id"
	flagCredits         = "credits"
	flagIdempotencyKey  = "idempotency-key"
	flagReason          = "reason"
	flagCheckoutSession = "checkout-session-id"
	flagRenderID        = "render-id"
	flagLimit           = "limit"

	defaultLedgerAddr    = "localhost:7000"
	defaultLedgerTimeout = 5 * time.Second
)

type adminConfig struct {
	Address  string
	Insecure bool
	Timeout  time.Duration
	UserID   string
}

// adminCall runs one request against the admin service and prints its JSON response.
type adminCall func(ctx context.Context, client *grpcserver.Client, v *viper.Viper, cfg adminConfig) (any, error)

func newAdminCommand(use string, short string, registerFlags func(*cobra.Command), call adminCall) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadAdminConfig(v)
			if err != nil {
				return err
			}
			conn, err := grpcserver.Dial(cfg.Address, cfg.Insecure)
			if err != nil {
				return fmt.Errorf("dial ledger: %w", err)
			}
			defer conn.Close()
			return runAdminCall(cmd, conn, v, cfg, call)
		},
	}
	cmd.Flags().String(flagLedgerAddr, defaultLedgerAddr, "admin gRPC address")
	cmd.Flags().Bool(flagLedgerInsecure, false, "connect without TLS")
	cmd.Flags().Duration(flagLedgerTimeout, defaultLedgerTimeout, "RPC timeout")
	cmd.Flags().String(flagUserID, "", "account (user) id (required)")
	if registerFlags != nil {
		registerFlags(cmd)
	}
	return cmd
}

func runAdminCall(cmd *cobra.Command, conn *grpc.ClientConn, v *viper.Viper, cfg adminConfig, call adminCall) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()
	if err := grpcserver.WaitForReady(ctx, conn); err != nil {
		return fmt.Errorf("ledger not ready: %w", err)
	}
	response, err := call(ctx, grpcserver.NewClient(conn), v, cfg)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

func loadAdminConfig(v *viper.Viper) (adminConfig, error) {
	cfg := adminConfig{
		Address:  strings.TrimSpace(v.GetString(flagLedgerAddr)),
		Insecure: v.GetBool(flagLedgerInsecure),
		Timeout:  v.GetDuration(flagLedgerTimeout),
		UserID:   strings.TrimSpace(v.GetString(flagUserID)),
	}
	if cfg.Address == "" {
		return adminConfig{}, fmt.Errorf("%s is required", flagLedgerAddr)
	}
	if cfg.UserID == "" {
		return adminConfig{}, fmt.Errorf("%s is required", flagUserID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLedgerTimeout
	}
	return cfg, nil
}

func newGrantCommand() *cobra.Command {
	return newAdminCommand("grant", "Credit an account, e.g. after a checkout purchase",
		func(cmd *cobra.Command) {
			cmd.Flags().String(flagCredits, "", "credits to grant (required)")
			cmd.Flags().String(flagIdempotencyKey, "", "idempotency key; defaults to the checkout session id")
			cmd.Flags().String(flagCheckoutSession, "", "checkout session id recorded in metadata")
			cmd.Flags().String(flagReason, grpcserver.DefaultGrantReason, "ledger reason")
		},
		callGrant,
	)
}

func callGrant(ctx context.Context, client *grpcserver.Client, v *viper.Viper, cfg adminConfig) (any, error) {
	request, err := buildGrantRequest(v, cfg)
	if err != nil {
		return nil, err
	}
	return client.Grant(ctx, request)
}

func buildGrantRequest(v *viper.Viper, cfg adminConfig) (*grpcserver.GrantRequest, error) {
	credits := strings.TrimSpace(v.GetString(flagCredits))
	if credits == "" {
		return nil, fmt.Errorf("%s is required", flagCredits)
	}
	checkoutSession := strings.TrimSpace(v.GetString(flagCheckoutSession))
	key := strings.TrimSpace(v.GetString(flagIdempotencyKey))
	if key == "" {
		key = checkoutSession
	}
	if key == "" {
		return nil, fmt.Errorf("%s or %s is required", flagIdempotencyKey, flagCheckoutSession)
	}
	request := &grpcserver.GrantRequest{
		UserID:         cfg.UserID,
		Credits:        credits,
		IdempotencyKey: key,
		Reason:         strings.TrimSpace(v.GetString(flagReason)),
	}
	if checkoutSession != "" {
		request.Metadata = map[string]string{ledger.MetadataKeyCheckoutSessionID: checkoutSession}
	}
	return request, nil
}

func newBalanceCommand() *cobra.Command {
	return newAdminCommand("balance", "Print an account balance", nil, callBalance)
}

func callBalance(ctx context.Context, client *grpcserver.Client, _ *viper.Viper, cfg adminConfig) (any, error) {
	return client.GetBalance(ctx, &grpcserver.BalanceRequest{UserID: cfg.UserID})
}

func newHistoryCommand() *cobra.Command {
	return newAdminCommand("history", "List an account's credit transactions, newest first",
		func(cmd *cobra.Command) {
			cmd.Flags().String(flagRenderID, "", "only transactions for this render")
			cmd.Flags().Int32(flagLimit, 0, "maximum transactions to return")
		},
		callHistory,
	)
}

func callHistory(ctx context.Context, client *grpcserver.Client, v *viper.Viper, cfg adminConfig) (any, error) {
	return client.ListTransactions(ctx, &grpcserver.ListTransactionsRequest{
		UserID:   cfg.UserID,
		RenderID: strings.TrimSpace(v.GetString(flagRenderID)),
		Limit:    v.GetInt32(flagLimit),
	})
}

func newReconcileCommand() *cobra.Command {
	return newAdminCommand("reconcile", "Compare a stored balance with its transaction log", nil, callReconcile)
}

func callReconcile(ctx context.Context, client *grpcserver.Client, _ *viper.Viper, cfg adminConfig) (any, error) {
	response, err := client.Reconcile(ctx, &grpcserver.ReconcileRequest{UserID: cfg.UserID})
	if err != nil {
		return nil, err
	}
	if !response.Consistent {
		return nil, fmt.Errorf("account %s is inconsistent: balance %s, ledger sum %s", response.UserID, response.Balance, response.LedgerSum)
	}
	return response, nil
}
